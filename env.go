package launcher

import (
	"os"
	"sort"
	"strings"
)

const (
	EnvClientID     = "SPOTIFY_CLIENT_ID"
	EnvClientSecret = "SPOTIFY_CLIENT_SECRET"
	EnvRedirectURI  = "REDIRECT_URI"
	EnvModelPath    = "MODEL_PATH"
)

// Setting is a configuration variable seeded into the unit environment
type Setting struct {
	Name    string
	Default string
	Secret  bool
}

// Settings are the fixed variables every unit resolves, in declaration order
var Settings = []Setting{
	{Name: EnvClientID, Default: ""},
	{Name: EnvClientSecret, Default: "", Secret: true},
	{Name: EnvRedirectURI, Default: "http://localhost:8501/"},
	{Name: EnvModelPath, Default: "model.pkl"},
}

// isFixedSetting reports whether name is one of Settings
func isFixedSetting(name string) bool {
	for _, s := range Settings {
		if s.Name == name {
			return true
		}
	}
	return false
}

// Resolved is the outcome of resolving one setting against an environment
type Resolved struct {
	Setting
	Value      string
	Overridden bool
}

// Resolve resolves every setting against environ, which has the os.Environ
// form. A variable that is present counts as an override even when empty.
// Extra defaults are resolved after the fixed settings, in name order.
func Resolve(environ []string, extra map[string]string) []Resolved {
	lookup := environMap(environ)

	settings := append([]Setting(nil), Settings...)
	names := make([]string, 0, len(extra))
	for name := range extra {
		if !isFixedSetting(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		settings = append(settings, Setting{Name: name, Default: extra[name]})
	}

	resolved := make([]Resolved, 0, len(settings))
	for _, s := range settings {
		r := Resolved{Setting: s, Value: s.Default}
		if v, ok := lookup[s.Name]; ok {
			r.Value = v
			r.Overridden = true
		}
		resolved = append(resolved, r)
	}
	return resolved
}

// UnitEnviron returns environ with the defaults of resolved appended for
// every variable that environ does not already define.
func UnitEnviron(environ []string, resolved []Resolved) []string {
	out := append([]string(nil), environ...)
	for _, r := range resolved {
		if !r.Overridden {
			out = append(out, r.Name+"="+r.Value)
		}
	}
	return out
}

// withPathPrefix prepends dir to the list variable name in environ
func withPathPrefix(environ []string, name, dir string) []string {
	out := make([]string, 0, len(environ)+1)
	found := false
	for _, kv := range environ {
		k, v, _ := strings.Cut(kv, "=")
		if k == name {
			found = true
			if v != "" {
				kv = k + "=" + dir + string(os.PathListSeparator) + v
			} else {
				kv = k + "=" + dir
			}
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, name+"="+dir)
	}
	return out
}

func environMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		m[k] = v
	}
	return m
}

// maskValue hides secret values in output
func maskValue(r Resolved) string {
	if r.Secret && r.Value != "" {
		return "********"
	}
	return r.Value
}
