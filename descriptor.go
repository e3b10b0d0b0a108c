package launcher

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sosodev/duration"
	"gopkg.in/yaml.v3"
)

// Descriptor describes how a unit is built and launched
type Descriptor struct {
	Name         string            `yaml:"name" json:"name" jsonschema:"description=Unit name"`
	BaseImage    string            `yaml:"base_image" json:"base_image" jsonschema:"description=Base image used by the image command"`
	Workdir      string            `yaml:"workdir" json:"workdir" jsonschema:"description=Application directory inside the image"`
	Manifest     string            `yaml:"manifest" json:"manifest" jsonschema:"description=Dependency manifest path"`
	AppDir       string            `yaml:"app_dir" json:"app_dir" jsonschema:"description=Directory holding the application files"`
	Exclude      []string          `yaml:"exclude" json:"exclude,omitempty" jsonschema:"description=Glob patterns skipped when copying application files"`
	Install      []string          `yaml:"install" json:"install" jsonschema:"description=Dependency install command"`
	Command      []string          `yaml:"command" json:"command" jsonschema:"description=Foreground process command line"`
	Port         int               `yaml:"port" json:"port" jsonschema:"minimum=1,maximum=65535"`
	Address      string            `yaml:"address" json:"address" jsonschema:"description=Bind address passed to the application"`
	HealthPath   string            `yaml:"health_path" json:"health_path,omitempty" jsonschema:"description=HTTP readiness path, empty disables the probe"`
	ReadyTimeout string            `yaml:"ready_timeout" json:"ready_timeout,omitempty" jsonschema:"description=ISO-8601 readiness timeout"`
	Env          map[string]string `yaml:"env" json:"env,omitempty" jsonschema:"description=Additional environment defaults"`
}

// DefaultDescriptor returns the descriptor used when no unit.yaml exists
func DefaultDescriptor() Descriptor {
	return Descriptor{
		Name:      "recommender",
		BaseImage: "python:3.10-slim",
		Workdir:   "/app",
		Manifest:  "requirements.txt",
		AppDir:    ".",
		Exclude: []string{
			".git/**",
			".units/**",
			"**/__pycache__/**",
			".env",
		},
		Install:      []string{"pip", "install", "--no-cache-dir", "--target", "${DEPS_DIR}", "-r", "${MANIFEST}"},
		Command:      []string{"streamlit", "run", "app.py", "--server.port=${PORT}", "--server.address=${ADDRESS}"},
		Port:         8501,
		Address:      "0.0.0.0",
		HealthPath:   "/_stcore/health",
		ReadyTimeout: "PT30S",
	}
}

// LoadDescriptor reads a descriptor from path. Fields missing from the file
// keep their defaults. A missing file yields DefaultDescriptor.
// Environment variables referenced as ${VAR} are expanded before parsing.
func LoadDescriptor(path string) (Descriptor, error) {
	d := DefaultDescriptor()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return d, nil
	}
	if err != nil {
		return Descriptor{}, fmt.Errorf("load descriptor: %w", err)
	}

	// Launcher variables must survive environment expansion.
	expanded := os.Expand(string(data), func(name string) string {
		if _, ok := launcherVars[name]; ok {
			return "${" + name + "}"
		}
		return os.Getenv(name)
	})

	if err := yaml.Unmarshal([]byte(expanded), &d); err != nil {
		return Descriptor{}, fmt.Errorf("parse descriptor: %w", err)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

var launcherVars = map[string]struct{}{
	"PORT":     {},
	"ADDRESS":  {},
	"DEPS_DIR": {},
	"MANIFEST": {},
	"APP_DIR":  {},
}

// Validate checks that the descriptor can be built and launched
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("descriptor: name is required")
	}
	if d.Manifest == "" {
		return fmt.Errorf("descriptor: manifest is required")
	}
	if len(d.Install) == 0 {
		return fmt.Errorf("descriptor: install command is required")
	}
	if len(d.Command) == 0 {
		return fmt.Errorf("descriptor: command is required")
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("descriptor: port %d out of range", d.Port)
	}
	if _, err := d.readyTimeout(); err != nil {
		return err
	}
	for name := range d.Env {
		if name == "" || strings.ContainsAny(name, "= ") {
			return fmt.Errorf("descriptor: invalid env name %q", name)
		}
		if isFixedSetting(name) {
			return fmt.Errorf("descriptor: env %s is a fixed setting", name)
		}
	}
	return nil
}

func (d Descriptor) readyTimeout() (time.Duration, error) {
	if d.ReadyTimeout == "" {
		return 0, nil
	}
	dur, err := duration.Parse(d.ReadyTimeout)
	if err != nil {
		return 0, fmt.Errorf("descriptor: ready_timeout %q: %w", d.ReadyTimeout, err)
	}
	return dur.ToTimeDuration(), nil
}

// expandArgs replaces launcher variables in args. Unknown variables are kept
// verbatim so that shell snippets in the command still see them.
func expandArgs(args []string, vars map[string]string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = os.Expand(arg, func(name string) string {
			if v, ok := vars[name]; ok {
				return v
			}
			return "${" + name + "}"
		})
	}
	return out
}

// commandVars are the variables available to the foreground command
func (d Descriptor) commandVars() map[string]string {
	return map[string]string{
		"PORT":    strconv.Itoa(d.Port),
		"ADDRESS": d.Address,
	}
}
