package launcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// ErrInstallFailed is returned when the dependency installer exits with an error
var ErrInstallFailed = errors.New("dependency installation failed")

var InstallDepsCmd = &cobra.Command{
	Use:   "install-deps",
	Short: "Install the dependency manifest into a cached layer",
	Run: func(cmd *cobra.Command, args []string) {
		d := mustLoadDescriptor()
		store := mustOpenStore()
		defer closeStore(store)

		layer, cached, err := installDeps(cmd.Context(), d, store, Config.StateDir)
		if err != nil {
			log.Fatalf("Failed to install dependencies: %v", err)
		}
		if cached {
			log.Printf("Dependencies unchanged, using cached layer %s", shortDigest(layer.Digest))
			return
		}
		log.Printf("Dependencies installed into layer %s", shortDigest(layer.Digest))
	},
}

// manifestPath returns the manifest location, relative paths being resolved
// against the application directory
func (d Descriptor) manifestPath() string {
	if filepath.IsAbs(d.Manifest) {
		return d.Manifest
	}
	return filepath.Join(d.AppDir, d.Manifest)
}

// layerDigest identifies a dependency layer. Anything that changes what the
// installer produces must be part of it; application files must not.
func layerDigest(manifest []byte, d Descriptor) string {
	h := sha256.New()
	h.Write(manifest)
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(d.Install, "\x00")))
	h.Write([]byte{0})
	h.Write([]byte(d.BaseImage))
	return hex.EncodeToString(h.Sum(nil))
}

// installDeps installs the manifest of d into a layer under stateDir. When a
// layer for the same digest already exists the installer is not run and
// cached is true. A failed install leaves nothing behind.
func installDeps(ctx context.Context, d Descriptor, store *Store, stateDir string) (layer Layer, cached bool, err error) {
	manifestPath, err := filepath.Abs(d.manifestPath())
	if err != nil {
		return Layer{}, false, err
	}
	manifest, err := os.ReadFile(manifestPath)
	if err != nil {
		return Layer{}, false, fmt.Errorf("failed to read manifest: %w", err)
	}

	digest := layerDigest(manifest, d)
	layer, ok, err := store.Layer(digest)
	if err != nil {
		return Layer{}, false, err
	}
	if ok {
		return layer, true, nil
	}

	layersDir, err := filepath.Abs(filepath.Join(stateDir, "layers"))
	if err != nil {
		return Layer{}, false, err
	}
	if err := os.MkdirAll(layersDir, 0755); err != nil {
		return Layer{}, false, fmt.Errorf("failed to create layers directory: %w", err)
	}
	tmpDir, err := os.MkdirTemp(layersDir, shortDigest(digest)+"-*")
	if err != nil {
		return Layer{}, false, fmt.Errorf("failed to create temp layer: %w", err)
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
				log.Printf("Failed to remove temp layer %s: %v", tmpDir, rmErr)
			}
		}
	}()

	appDir, err := filepath.Abs(d.AppDir)
	if err != nil {
		return Layer{}, false, err
	}
	args := expandArgs(d.Install, map[string]string{
		"DEPS_DIR": tmpDir,
		"MANIFEST": manifestPath,
		"APP_DIR":  appDir,
	})

	log.Printf("Installing dependencies: %s", strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = appDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return Layer{}, false, fmt.Errorf("%w: %v\n%s", ErrInstallFailed, err, strings.TrimSpace(string(output)))
	}

	finalDir := filepath.Join(layersDir, digest)
	// A directory without a record is left over from an interrupted run.
	if err = os.RemoveAll(finalDir); err != nil {
		return Layer{}, false, fmt.Errorf("failed to remove stale layer: %w", err)
	}
	if err = os.Rename(tmpDir, finalDir); err != nil {
		return Layer{}, false, fmt.Errorf("failed to commit layer: %w", err)
	}

	size, err := dirSize(finalDir)
	if err != nil {
		return Layer{}, false, err
	}
	layer = Layer{
		Digest:    digest,
		Path:      finalDir,
		Size:      size,
		CreatedAt: time.Now().UTC(),
	}
	if err = store.PutLayer(layer); err != nil {
		return Layer{}, false, err
	}
	return layer, false, nil
}

func dirSize(root string) (int64, error) {
	var size int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += info.Size()
		}
		return nil
	})
	return size, err
}

func shortDigest(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
