package launcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"

	"dagger.io/dagger"
	"github.com/spf13/cobra"
)

const imageDepsDir = "/opt/deps"

var (
	imagePublish string
	imageOutput  string
)

var BuildImageCmd = &cobra.Command{
	Use:   "image",
	Short: "Build the unit as a container image with the Dagger engine",
	Run: func(cmd *cobra.Command, args []string) {
		d := mustLoadDescriptor()
		if err := buildImage(cmd.Context(), d, Config.StateDir, imagePublish, imageOutput); err != nil {
			log.Fatalf("Image build failed: %v", err)
		}
	},
}

func init() {
	BuildImageCmd.Flags().StringVar(&imagePublish, "publish", "", "publish the image to this address")
	BuildImageCmd.Flags().StringVar(&imageOutput, "output", "", "export the image as a tarball to this path")
}

type envVar struct {
	Name   string
	Value  string
	Expand bool
}

// imagePlan is everything the image pipeline needs, resolved from a descriptor
type imagePlan struct {
	ManifestDest string
	Install      []string
	Exclude      []string
	Env          []envVar
	Args         []string
}

func planImage(d Descriptor, stateDir string) imagePlan {
	manifestDest := path.Join(d.Workdir, filepath.Base(d.Manifest))
	p := imagePlan{
		ManifestDest: manifestDest,
		Exclude:      append(append([]string{}, d.Exclude...), stateExcludes(d.AppDir, stateDir)...),
		Install: expandArgs(d.Install, map[string]string{
			"DEPS_DIR": imageDepsDir,
			"MANIFEST": manifestDest,
			"APP_DIR":  d.Workdir,
		}),
		Args: expandArgs(d.Command, d.commandVars()),
	}
	for _, r := range Resolve(nil, d.Env) {
		p.Env = append(p.Env, envVar{Name: r.Name, Value: r.Value})
	}
	p.Env = append(p.Env,
		envVar{Name: "PYTHONPATH", Value: imageDepsDir},
		envVar{Name: "PATH", Value: imageDepsDir + "/bin:${PATH}", Expand: true},
	)
	return p
}

// imageContainer lays the image out like the local build: the manifest and
// the install step come before the application files so that the install
// layer stays cached while only application files change.
func imageContainer(client *dagger.Client, d Descriptor, p imagePlan) *dagger.Container {
	manifest := client.Host().File(d.manifestPath())
	src := client.Host().Directory(d.AppDir, dagger.HostDirectoryOpts{
		Exclude: d.Exclude,
	})

	ctr := client.Container().
		From(d.BaseImage).
		WithWorkdir(d.Workdir).
		WithFile(p.ManifestDest, manifest).
		WithExec(p.Install).
		WithDirectory(d.Workdir, src).
		WithExposedPort(d.Port)
	for _, e := range p.Env {
		ctr = ctr.WithEnvVariable(e.Name, e.Value, dagger.ContainerWithEnvVariableOpts{Expand: e.Expand})
	}
	return ctr.WithDefaultArgs(p.Args)
}

func buildImage(ctx context.Context, d Descriptor, stateDir, publish, output string) error {
	client, err := dagger.Connect(ctx, dagger.WithLogOutput(os.Stderr))
	if err != nil {
		return fmt.Errorf("failed to connect to dagger engine: %w", err)
	}
	defer client.Close()

	ctr := imageContainer(client, d, planImage(d, stateDir))

	// Sync forces the install step, so a broken manifest fails here and
	// nothing is published or exported.
	ctr, err = ctr.Sync(ctx)
	if err != nil {
		return fmt.Errorf("failed to build image: %w", err)
	}
	log.Printf("Image for %s built from %s", d.Name, d.BaseImage)

	if output != "" {
		if _, err := ctr.Export(ctx, output); err != nil {
			return fmt.Errorf("failed to export image: %w", err)
		}
		log.Printf("Image exported to %s", output)
	}
	if publish != "" {
		ref, err := ctr.Publish(ctx, publish)
		if err != nil {
			return fmt.Errorf("failed to publish image: %w", err)
		}
		log.Printf("Image published: %s", ref)
	}
	return nil
}
