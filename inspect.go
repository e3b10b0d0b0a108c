package launcher

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
)

var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List dependency layers, units and runs",
	Run: func(cmd *cobra.Command, args []string) {
		store := mustOpenStore()
		defer closeStore(store)

		if err := writeStatus(os.Stdout, store, time.Now()); err != nil {
			log.Fatalf("Failed to read status: %v", err)
		}
	},
}

func writeStatus(out io.Writer, store *Store, now time.Time) error {
	layers, err := store.Layers()
	if err != nil {
		return err
	}
	units, err := store.Units()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LAYER\tSIZE\tCREATED")
	for _, l := range layers {
		fmt.Fprintf(w, "%s\t%s\t%s\n", shortDigest(l.Digest), humanize.Bytes(uint64(l.Size)), humanize.RelTime(l.CreatedAt, now, "ago", "from now"))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "UNIT\tNAME\tPHASE\tLAYER\tUPDATED\tRUNS")
	for _, u := range units {
		runs, err := store.Runs(u.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			u.ID, u.Name, u.Phase, shortDigest(u.Digest),
			humanize.RelTime(u.UpdatedAt, now, "ago", "from now"), describeRuns(runs))
	}
	return w.Flush()
}

func describeRuns(runs []RunRecord) string {
	if len(runs) == 0 {
		return "-"
	}
	last := runs[0]
	switch last.Phase {
	case PhaseRunning:
		return fmt.Sprintf("%d (running, pid %d)", len(runs), last.PID)
	default:
		return fmt.Sprintf("%d (last exit %d)", len(runs), last.ExitCode)
	}
}

var EnvCmd = &cobra.Command{
	Use:   "env",
	Short: "Show how the unit environment resolves in the current environment",
	Run: func(cmd *cobra.Command, args []string) {
		d := mustLoadDescriptor()
		for _, r := range Resolve(os.Environ(), d.Env) {
			source := "default"
			if r.Overridden {
				source = "override"
			}
			fmt.Printf("%s=%s\t# %s\n", r.Name, maskValue(r), source)
		}
	},
}

var SchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of the unit descriptor",
	Run: func(cmd *cobra.Command, args []string) {
		schema, err := descriptorSchema()
		if err != nil {
			log.Fatalf("Failed to generate schema: %v", err)
		}
		fmt.Println(string(schema))
	},
}

func descriptorSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	schemaObj := reflector.Reflect(&Descriptor{})
	schemaObj.Title = "Unit descriptor"
	return json.MarshalIndent(schemaObj, "", "  ")
}
