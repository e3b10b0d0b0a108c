package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	stateDir := t.TempDir()
	store, err := OpenStore(stateDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, stateDir
}

// newTestProject creates an application directory with a manifest and an
// app file, and a descriptor whose installer is the given shell script
func newTestProject(t *testing.T, installScript string) Descriptor {
	t.Helper()
	appDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "requirements.txt"), []byte("streamlit==1.38.0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "app.py"), []byte("print('v1')\n"), 0o644))

	d := DefaultDescriptor()
	d.AppDir = appDir
	d.Install = []string{"sh", "-c", installScript}
	d.HealthPath = ""
	return d
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(data), "\n")
}

func TestBuild_InstallFailureProducesNoUnit(t *testing.T) {
	store, stateDir := newTestStore(t)
	d := newTestProject(t, `echo "no matching distribution" >&2; exit 1`)

	_, err := Build(context.Background(), d, store, stateDir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInstallFailed))
	assert.Contains(t, err.Error(), "no matching distribution")

	units, err := store.Units()
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, PhaseFailed, units[0].Phase)
	assert.Contains(t, units[0].Error, "no matching distribution")

	_, err = os.Stat(units[0].Root)
	assert.True(t, os.IsNotExist(err), "unit root must not exist")

	entries, err := os.ReadDir(filepath.Join(stateDir, "layers"))
	require.NoError(t, err)
	assert.Empty(t, entries, "failed install must not leave a layer")

	layers, err := store.Layers()
	require.NoError(t, err)
	assert.Empty(t, layers)

	_, err = store.LatestBuilt(d.Name)
	assert.True(t, errors.Is(err, ErrNoUnit))
}

func TestBuild_MissingManifest(t *testing.T) {
	store, stateDir := newTestStore(t)
	d := newTestProject(t, "true")
	require.NoError(t, os.Remove(filepath.Join(d.AppDir, "requirements.txt")))

	_, err := Build(context.Background(), d, store, stateDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read manifest")
}

func TestBuild_ReusesLayerWhenOnlyAppChanges(t *testing.T) {
	store, stateDir := newTestStore(t)
	counter := filepath.Join(t.TempDir(), "installs")
	d := newTestProject(t, fmt.Sprintf(`echo run >> %q; echo dep > "${DEPS_DIR}/dep.txt"`, counter))
	ctx := context.Background()

	first, err := Build(ctx, d, store, stateDir)
	require.NoError(t, err)
	assert.Equal(t, 1, countLines(t, counter))

	dep, err := os.ReadFile(filepath.Join(first.LayerPath, "dep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "dep\n", string(dep))

	require.NoError(t, os.WriteFile(filepath.Join(d.AppDir, "app.py"), []byte("print('v2')\n"), 0o644))
	second, err := Build(ctx, d, store, stateDir)
	require.NoError(t, err)

	assert.Equal(t, 1, countLines(t, counter), "installer must not run again")
	assert.Equal(t, first.Digest, second.Digest)
	assert.Equal(t, first.LayerPath, second.LayerPath)
	assert.NotEqual(t, first.ID, second.ID)

	app, err := os.ReadFile(filepath.Join(second.AppPath, "app.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('v2')\n", string(app))

	require.NoError(t, os.WriteFile(filepath.Join(d.AppDir, "requirements.txt"), []byte("streamlit==1.39.0\n"), 0o644))
	third, err := Build(ctx, d, store, stateDir)
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(t, counter), "manifest change must reinstall")
	assert.NotEqual(t, first.Digest, third.Digest)
}

func TestBuild_ReinstallsMissingLayer(t *testing.T) {
	store, stateDir := newTestStore(t)
	counter := filepath.Join(t.TempDir(), "installs")
	d := newTestProject(t, fmt.Sprintf(`echo run >> %q`, counter))
	ctx := context.Background()

	first, err := Build(ctx, d, store, stateDir)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(first.LayerPath))

	_, err = Build(ctx, d, store, stateDir)
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(t, counter))
}

func TestBuild_WritesUnitFile(t *testing.T) {
	store, stateDir := newTestStore(t)
	d := newTestProject(t, "true")

	uf, err := Build(context.Background(), d, store, stateDir)
	require.NoError(t, err)

	u, err := store.LatestBuilt(d.Name)
	require.NoError(t, err)
	assert.Equal(t, uf.ID, u.ID)
	assert.Equal(t, PhaseBuilt, u.Phase)
	assert.Equal(t, uf.Digest, u.Digest)

	loaded, err := ReadUnitFile(u.Root)
	require.NoError(t, err)
	assert.Equal(t, uf.ID, loaded.ID)
	assert.Equal(t, d.Port, loaded.Descriptor.Port)
	assert.Equal(t, filepath.Join(u.Root, "app"), loaded.AppPath)

	_, err = os.Stat(filepath.Join(u.Root, unitFileName+".tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestBuild_InvalidDescriptor(t *testing.T) {
	store, stateDir := newTestStore(t)
	d := newTestProject(t, "true")
	d.Port = 0

	_, err := Build(context.Background(), d, store, stateDir)
	require.Error(t, err)

	units, err := store.Units()
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestLayerDigest(t *testing.T) {
	d := DefaultDescriptor()
	base := layerDigest([]byte("a==1\n"), d)

	assert.Equal(t, base, layerDigest([]byte("a==1\n"), d))
	assert.NotEqual(t, base, layerDigest([]byte("a==2\n"), d))

	d2 := d
	d2.BaseImage = "python:3.12-slim"
	assert.NotEqual(t, base, layerDigest([]byte("a==1\n"), d2))

	d3 := d
	d3.Install = []string{"uv", "pip", "install"}
	assert.NotEqual(t, base, layerDigest([]byte("a==1\n"), d3))

	d4 := d
	d4.Command = []string{"python", "app.py"}
	assert.Equal(t, base, layerDigest([]byte("a==1\n"), d4))
}

func TestBuild_SkipsStateDirInsideApp(t *testing.T) {
	d := newTestProject(t, "true")
	d.Install = []string{"sh", "-c", `touch "$0/dep.txt"`, "${DEPS_DIR}"}
	stateDir := filepath.Join(d.AppDir, "state")
	store, err := OpenStore(stateDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = Build(context.Background(), d, store, stateDir)
	require.NoError(t, err)
	uf, err := Build(context.Background(), d, store, stateDir)
	require.NoError(t, err)

	var files []string
	require.NoError(t, filepath.WalkDir(uf.AppPath, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			rel, _ := filepath.Rel(uf.AppPath, path)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	}))
	assert.ElementsMatch(t, []string{"app.py", "requirements.txt"}, files)
}
