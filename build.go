package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

// UnitFile is written to the unit root once a build succeeds. Its presence
// is what makes a unit runnable.
type UnitFile struct {
	ID         string     `json:"id"`
	Descriptor Descriptor `json:"descriptor"`
	Digest     string     `json:"digest"`
	LayerPath  string     `json:"layer_path"`
	AppPath    string     `json:"app_path"`
	BuiltAt    time.Time  `json:"built_at"`
}

const unitFileName = "unit.json"

var BuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a unit: install-deps -> copy-app",
	Run: func(cmd *cobra.Command, args []string) {
		d := mustLoadDescriptor()
		store := mustOpenStore()
		defer closeStore(store)

		uf, err := Build(cmd.Context(), d, store, Config.StateDir)
		if err != nil {
			log.Fatalf("Build failed: %v", err)
		}
		log.Printf("Unit %s built (%s)", uf.ID, shortDigest(uf.Digest))
	},
}

// Build installs dependencies and then copies application files into a new
// unit root. On failure the unit is marked failed and its root removed.
func Build(ctx context.Context, d Descriptor, store *Store, stateDir string) (UnitFile, error) {
	if err := d.Validate(); err != nil {
		return UnitFile{}, err
	}

	unitsDir, err := filepath.Abs(filepath.Join(stateDir, "units"))
	if err != nil {
		return UnitFile{}, err
	}
	u, err := store.CreateUnit(d.Name, unitsDir)
	if err != nil {
		return UnitFile{}, err
	}
	root := u.Root
	log.Printf("Building unit %s (%s)", d.Name, u.ID)

	uf, err := buildUnit(ctx, d, store, stateDir, u.ID, root)
	if err != nil {
		if rmErr := os.RemoveAll(root); rmErr != nil {
			log.Printf("Failed to remove unit root %s: %v", root, rmErr)
		}
		if tErr := store.TransitionUnit(u.ID, PhaseFailed, "", err.Error()); tErr != nil {
			log.Printf("Failed to mark unit %s failed: %v", u.ID, tErr)
		}
		return UnitFile{}, err
	}

	if err := store.TransitionUnit(u.ID, PhaseBuilt, uf.Digest, ""); err != nil {
		return UnitFile{}, err
	}
	return uf, nil
}

func buildUnit(ctx context.Context, d Descriptor, store *Store, stateDir, id, root string) (UnitFile, error) {
	layer, cached, err := installDeps(ctx, d, store, stateDir)
	if err != nil {
		return UnitFile{}, err
	}
	if cached {
		log.Printf("Dependencies unchanged, reusing layer %s", shortDigest(layer.Digest))
	}

	appPath := filepath.Join(root, "app")
	n, err := copyApp(d, appPath, stateDir)
	if err != nil {
		return UnitFile{}, err
	}
	log.Printf("Copied %d application files", n)

	uf := UnitFile{
		ID:         id,
		Descriptor: d,
		Digest:     layer.Digest,
		LayerPath:  layer.Path,
		AppPath:    appPath,
		BuiltAt:    time.Now().UTC(),
	}
	if err := writeUnitFile(root, uf); err != nil {
		return UnitFile{}, err
	}
	return uf, nil
}

func writeUnitFile(root string, uf UnitFile) error {
	data, err := json.MarshalIndent(uf, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(root, unitFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write unit file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(root, unitFileName)); err != nil {
		return fmt.Errorf("failed to commit unit file: %w", err)
	}
	return nil
}

// ReadUnitFile loads the unit file from a unit root
func ReadUnitFile(root string) (UnitFile, error) {
	data, err := os.ReadFile(filepath.Join(root, unitFileName))
	if err != nil {
		return UnitFile{}, fmt.Errorf("failed to read unit file: %w", err)
	}
	var uf UnitFile
	if err := json.Unmarshal(data, &uf); err != nil {
		return UnitFile{}, fmt.Errorf("failed to parse unit file: %w", err)
	}
	return uf, nil
}
