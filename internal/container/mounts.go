package container

import (
	"fmt"
	"path/filepath"
	"strings"
)

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ParseMount parses "source:target" or "source:target:ro". Relative
// sources are resolved against the working directory.
func ParseMount(s string) (Mount, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return Mount{}, fmt.Errorf("invalid mount %q: want source:target[:ro]", s)
	}
	m := Mount{Source: parts[0], Target: parts[1]}
	if len(parts) == 3 {
		if parts[2] != "ro" && parts[2] != "rw" {
			return Mount{}, fmt.Errorf("invalid mount %q: unknown mode %q", s, parts[2])
		}
		m.ReadOnly = parts[2] == "ro"
	}
	if !filepath.IsAbs(m.Target) {
		return Mount{}, fmt.Errorf("invalid mount %q: target must be absolute", s)
	}
	if !filepath.IsAbs(m.Source) {
		abs, err := filepath.Abs(m.Source)
		if err != nil {
			return Mount{}, fmt.Errorf("resolve mount source: %w", err)
		}
		m.Source = abs
	}
	return m, nil
}

func buildBinds(mounts []Mount) []string {
	binds := make([]string, 0, len(mounts))
	for _, m := range mounts {
		bind := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}
	return binds
}
