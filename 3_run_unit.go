package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	runUnitID string
	runExec   bool
)

var RunUnitCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the latest built unit in the foreground",
	Run: func(cmd *cobra.Command, args []string) {
		store := mustOpenStore()

		uf, err := findUnit(store, runUnitID)
		if err != nil {
			closeStore(store)
			log.Fatalf("Failed to find unit: %v", err)
		}

		if runExec {
			// ExecUnit owns the store from here on.
			err := ExecUnit(uf, store, os.Environ())
			log.Fatalf("Failed to exec unit: %v", err)
		}

		code, err := RunUnit(cmd.Context(), uf, store, RunOptions{
			Environ: os.Environ(),
			Stdout:  os.Stdout,
			Stderr:  os.Stderr,
		})
		closeStore(store)
		if err != nil {
			log.Fatalf("Failed to run unit: %v", err)
		}
		os.Exit(code)
	},
}

func init() {
	RunUnitCmd.Flags().StringVar(&runUnitID, "unit", "", "unit ID (default: latest built unit of the descriptor)")
	RunUnitCmd.Flags().BoolVar(&runExec, "exec", false, "replace the launcher process with the application")
}

// findUnit returns the unit file of id, or of the latest built unit named
// by the descriptor when id is empty
func findUnit(store *Store, id string) (UnitFile, error) {
	var u UnitRecord
	var err error
	if id != "" {
		u, err = store.Unit(id)
	} else {
		d := mustLoadDescriptor()
		u, err = store.LatestBuilt(d.Name)
	}
	if err != nil {
		return UnitFile{}, err
	}
	if u.Phase != PhaseBuilt {
		return UnitFile{}, fmt.Errorf("unit %s is %s: %w", u.ID, u.Phase, ErrNoUnit)
	}
	return ReadUnitFile(u.Root)
}

// RunOptions controls how a unit is started
type RunOptions struct {
	Environ []string
	Stdout  io.Writer
	Stderr  io.Writer
}

// Launch is a fully resolved foreground process
type Launch struct {
	Path     string
	Args     []string
	Env      []string
	Dir      string
	Resolved []Resolved
}

// PrepareLaunch resolves the command line and environment of a unit
func PrepareLaunch(uf UnitFile, environ []string) (Launch, error) {
	d := uf.Descriptor
	resolved := Resolve(environ, d.Env)

	env := UnitEnviron(environ, resolved)
	env = withPathPrefix(env, "PYTHONPATH", uf.LayerPath)
	env = withPathPrefix(env, "PATH", filepath.Join(uf.LayerPath, "bin"))

	args := expandArgs(d.Command, d.commandVars())
	path, err := lookPathIn(args[0], environMap(env)["PATH"], uf.AppPath)
	if err != nil {
		return Launch{}, err
	}
	return Launch{
		Path:     path,
		Args:     args,
		Env:      env,
		Dir:      uf.AppPath,
		Resolved: resolved,
	}, nil
}

// lookPathIn is exec.LookPath against an explicit PATH value, so that the
// unit's dependency layer is searched before the host directories. Relative
// paths are resolved against workDir, where the process will run.
func lookPathIn(file, pathList, workDir string) (string, error) {
	if strings.Contains(file, "/") {
		path := file
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}
		if isExecutable(path) {
			return path, nil
		}
		return "", fmt.Errorf("%s: %w", file, exec.ErrNotFound)
	}
	for _, dir := range filepath.SplitList(pathList) {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(workDir, dir)
		}
		path := filepath.Join(dir, file)
		if isExecutable(path) {
			return path, nil
		}
	}
	return "", fmt.Errorf("%s: %w", file, exec.ErrNotFound)
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !fi.IsDir() && fi.Mode()&0111 != 0
}

func logResolved(resolved []Resolved) {
	for _, r := range resolved {
		source := "default"
		if r.Overridden {
			source = "override"
		}
		log.Printf("  %s=%s (%s)", r.Name, maskValue(r), source)
	}
}

// RunUnit starts the unit's process and waits for it. The process is never
// restarted: its exit ends the unit and its exit code is returned.
// SIGINT and SIGTERM are forwarded, and cancelling ctx sends SIGTERM.
func RunUnit(ctx context.Context, uf UnitFile, store *Store, opts RunOptions) (int, error) {
	launch, err := PrepareLaunch(uf, opts.Environ)
	if err != nil {
		return 0, err
	}
	d := uf.Descriptor

	cmd := exec.Command(launch.Path)
	cmd.Args = launch.Args
	cmd.Env = launch.Env
	cmd.Dir = launch.Dir
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	log.Printf("Starting unit %s on %s:%d", uf.ID, d.Address, d.Port)
	logResolved(launch.Resolved)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", launch.Path, err)
	}

	run, err := store.StartRun(uf.ID, cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return 0, err
	}

	done := make(chan struct{})
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-signals:
				_ = cmd.Process.Signal(sig)
			case <-ctx.Done():
				_ = cmd.Process.Signal(syscall.SIGTERM)
				return
			case <-done:
				return
			}
		}
	}()

	probeCtx, cancelProbe := context.WithCancel(ctx)
	if url := probeURL(d); url != "" {
		timeout, _ := d.readyTimeout()
		go func() {
			if err := waitReady(probeCtx, url, timeout); err != nil {
				if probeCtx.Err() == nil {
					log.Printf("Unit %s not ready: %v", uf.ID, err)
				}
				return
			}
			log.Printf("Unit %s ready at %s", uf.ID, url)
		}()
	}

	waitErr := cmd.Wait()
	cancelProbe()
	signal.Stop(signals)
	close(done)

	code := exitCode(cmd.ProcessState, waitErr)
	log.Printf("Unit %s exited with code %d", uf.ID, code)
	if err := store.EndRun(run.ID, code); err != nil {
		return code, err
	}
	return code, nil
}

// exitCode maps a finished process to a shell style exit code
func exitCode(state *os.ProcessState, waitErr error) int {
	if state == nil {
		return 1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return state.ExitCode()
}

// ExecUnit replaces the current process with the unit's process. It only
// returns on failure. The store is closed in every case.
func ExecUnit(uf UnitFile, store *Store, environ []string) error {
	launch, err := PrepareLaunch(uf, environ)
	if err != nil {
		closeStore(store)
		return err
	}
	logResolved(launch.Resolved)
	if err := os.Chdir(launch.Dir); err != nil {
		closeStore(store)
		return fmt.Errorf("failed to enter %s: %w", launch.Dir, err)
	}
	// The run stays in the running phase: nothing is left to record its exit.
	_, err = store.StartRun(uf.ID, os.Getpid())
	closeStore(store)
	if err != nil {
		return err
	}
	log.Printf("Executing unit %s: %s", uf.ID, strings.Join(launch.Args, " "))
	return syscall.Exec(launch.Path, launch.Args, launch.Env)
}
