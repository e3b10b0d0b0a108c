package launcher

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const envScript = `printf '%s|%s|%s|%s' "$SPOTIFY_CLIENT_ID" "$SPOTIFY_CLIENT_SECRET" "$REDIRECT_URI" "$MODEL_PATH" > env.out; printf '%s %s' "$0" "$1" > args.out`

// buildTestUnit builds a unit whose foreground process is sh running script
// with the server flags as its positional parameters
func buildTestUnit(t *testing.T, store *Store, stateDir, script string) UnitFile {
	t.Helper()
	d := newTestProject(t, "true")
	d.Command = []string{"sh", "-c", script, "--server.port=${PORT}", "--server.address=${ADDRESS}"}

	uf, err := Build(context.Background(), d, store, stateDir)
	require.NoError(t, err)
	return uf
}

func hostEnviron(extra ...string) []string {
	return append([]string{"PATH=" + os.Getenv("PATH")}, extra...)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRunUnit_DefaultsAndServerFlags(t *testing.T) {
	store, stateDir := newTestStore(t)
	uf := buildTestUnit(t, store, stateDir, envScript)

	code, err := RunUnit(context.Background(), uf, store, RunOptions{Environ: hostEnviron()})
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	assert.Equal(t, "||http://localhost:8501/|model.pkl", readFile(t, filepath.Join(uf.AppPath, "env.out")))
	assert.Equal(t, "--server.port=8501 --server.address=0.0.0.0", readFile(t, filepath.Join(uf.AppPath, "args.out")))
}

func TestRunUnit_Overrides(t *testing.T) {
	store, stateDir := newTestStore(t)
	uf := buildTestUnit(t, store, stateDir, envScript)

	code, err := RunUnit(context.Background(), uf, store, RunOptions{Environ: hostEnviron(
		"SPOTIFY_CLIENT_ID=client-1",
		"REDIRECT_URI=https://moods.example.com/callback",
	)})
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	assert.Equal(t, "client-1||https://moods.example.com/callback|model.pkl", readFile(t, filepath.Join(uf.AppPath, "env.out")))
}

func TestRunUnit_ExitEndsUnitWithoutRestart(t *testing.T) {
	store, stateDir := newTestStore(t)
	uf := buildTestUnit(t, store, stateDir, `echo start >> starts.log; exit 3`)

	code, err := RunUnit(context.Background(), uf, store, RunOptions{Environ: hostEnviron()})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, 1, countLines(t, filepath.Join(uf.AppPath, "starts.log")))

	runs, err := store.Runs(uf.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, PhaseExited, runs[0].Phase)
	assert.Equal(t, 3, runs[0].ExitCode)
	assert.True(t, runs[0].EndedAt.Valid)
}

func TestRunUnit_CancelTerminatesProcess(t *testing.T) {
	store, stateDir := newTestStore(t)
	uf := buildTestUnit(t, store, stateDir, `exec sleep 30`)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	code, err := RunUnit(ctx, uf, store, RunOptions{Environ: hostEnviron()})
	require.NoError(t, err)
	assert.Equal(t, 143, code)
	assert.Less(t, time.Since(start), 10*time.Second)

	runs, err := store.Runs(uf.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, PhaseExited, runs[0].Phase)
}

func TestRunUnit_UsesDependencyLayer(t *testing.T) {
	store, stateDir := newTestStore(t)
	d := newTestProject(t, `mkdir -p "${DEPS_DIR}/bin" && printf '#!/bin/sh\necho "$PYTHONPATH" > pythonpath.out\n' > "${DEPS_DIR}/bin/serve" && chmod +x "${DEPS_DIR}/bin/serve"`)
	d.Command = []string{"serve"}

	uf, err := Build(context.Background(), d, store, stateDir)
	require.NoError(t, err)

	launch, err := PrepareLaunch(uf, hostEnviron("PYTHONPATH=/host/lib"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(uf.LayerPath, "bin", "serve"), launch.Path)
	assert.Equal(t, uf.AppPath, launch.Dir)

	code, err := RunUnit(context.Background(), uf, store, RunOptions{Environ: hostEnviron("PYTHONPATH=/host/lib")})
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	pythonPath := strings.TrimSpace(readFile(t, filepath.Join(uf.AppPath, "pythonpath.out")))
	assert.Equal(t, uf.LayerPath+string(os.PathListSeparator)+"/host/lib", pythonPath)
}

func TestPrepareLaunch_CommandNotFound(t *testing.T) {
	store, stateDir := newTestStore(t)
	d := newTestProject(t, "true")
	d.Command = []string{"definitely-not-a-real-command"}

	uf, err := Build(context.Background(), d, store, stateDir)
	require.NoError(t, err)

	_, err = PrepareLaunch(uf, hostEnviron())
	require.Error(t, err)
	assert.True(t, errors.Is(err, exec.ErrNotFound))

	_, err = RunUnit(context.Background(), uf, store, RunOptions{Environ: hostEnviron()})
	require.Error(t, err)

	runs, err := store.Runs(uf.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestPrepareLaunch_ResolvedEnvironment(t *testing.T) {
	uf := UnitFile{
		ID:         "unit",
		Descriptor: DefaultDescriptor(),
		LayerPath:  "/state/layers/abc",
		AppPath:    "/state/units/unit/app",
	}
	uf.Descriptor.Command = []string{"sh", "-c", "true"}
	uf.Descriptor.Env = map[string]string{"STREAMLIT_SERVER_HEADLESS": "true"}

	launch, err := PrepareLaunch(uf, hostEnviron("MODEL_PATH=/models/m.pkl"))
	require.NoError(t, err)

	env := environMap(launch.Env)
	assert.Equal(t, "/models/m.pkl", env[EnvModelPath])
	assert.Equal(t, "http://localhost:8501/", env[EnvRedirectURI])
	assert.Equal(t, "true", env["STREAMLIT_SERVER_HEADLESS"])
	assert.Equal(t, "/state/layers/abc", env["PYTHONPATH"])
	assert.True(t, strings.HasPrefix(env["PATH"], "/state/layers/abc/bin"+string(os.PathListSeparator)))
}

func TestExitCode(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 7")
	err := cmd.Run()
	assert.Equal(t, 7, exitCode(cmd.ProcessState, err))

	cmd = exec.Command("sh", "-c", "true")
	err = cmd.Run()
	assert.Equal(t, 0, exitCode(cmd.ProcessState, err))

	assert.Equal(t, 1, exitCode(nil, errors.New("never started")))
}

func TestPrepareLaunch_AppRelativeCommand(t *testing.T) {
	store, stateDir := newTestStore(t)
	d := newTestProject(t, "true")
	require.NoError(t, os.WriteFile(filepath.Join(d.AppDir, "run.sh"), []byte("#!/bin/sh\necho ok > run.out\n"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(d.AppDir, "tools"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(d.AppDir, "tools", "serve"), []byte("#!/bin/sh\n"), 0o755))
	d.Command = []string{"./run.sh"}

	uf, err := Build(context.Background(), d, store, stateDir)
	require.NoError(t, err)

	launch, err := PrepareLaunch(uf, hostEnviron())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(uf.AppPath, "run.sh"), launch.Path)
	assert.Equal(t, []string{"./run.sh"}, launch.Args)

	code, err := RunUnit(context.Background(), uf, store, RunOptions{Environ: hostEnviron()})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "ok\n", readFile(t, filepath.Join(uf.AppPath, "run.out")))

	uf.Descriptor.Command = []string{"serve"}
	launch, err = PrepareLaunch(uf, []string{"PATH=tools"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(uf.AppPath, "tools", "serve"), launch.Path)
}

func TestExecUnit_FailureClosesStore(t *testing.T) {
	store, stateDir := newTestStore(t)
	d := newTestProject(t, "true")
	d.Command = []string{"definitely-not-a-real-command"}

	uf, err := Build(context.Background(), d, store, stateDir)
	require.NoError(t, err)

	err = ExecUnit(uf, store, hostEnviron())
	require.Error(t, err)
	assert.True(t, errors.Is(err, exec.ErrNotFound))

	_, err = store.Units()
	assert.Error(t, err, "store must be closed")
}
