// Package profile is the binding glue between the command line and the
// profiler facade: it parses user options into the facade's configuration,
// wraps file I/O as writer and on-stop callbacks, and renders failures in
// the message-plus-errno form.
package profile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/vmprof/internal/profile"
	"github.com/coral-mesh/vmprof/pkg/profiler"
)

// DefaultOutputPath is where the sampling stream goes when no path is
// given.
const DefaultOutputPath = "sysprof.bin"

// DefaultMemOutputPath is where the allocation stream goes when no path
// is given.
const DefaultMemOutputPath = "memprof.bin"

// StreamBufferSize is the staging buffer handed to the engines. Tuned so
// the sink is not bothered with too frequent flushes.
const StreamBufferSize = 8 * 1024 * 1024

// ParseMode maps the single-character user option to a sampling mode:
// 'D' default, 'L' leaf, 'C' callgraph.
func ParseMode(s string) (profiler.Mode, error) {
	switch s {
	case "D":
		return profiler.ModeDefault, nil
	case "L":
		return profiler.ModeLeaf, nil
	case "C":
		return profiler.ModeCallgraph, nil
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", profile.ErrMisuse, s)
	}
}

// modeFlag adapts a sampling mode to the pflag.Value contract.
type modeFlag struct {
	mode profiler.Mode
}

func (m *modeFlag) String() string {
	switch m.mode {
	case profiler.ModeLeaf:
		return "L"
	case profiler.ModeCallgraph:
		return "C"
	default:
		return "D"
	}
}

func (m *modeFlag) Set(s string) error {
	mode, err := ParseMode(s)
	if err != nil {
		return err
	}
	m.mode = mode
	return nil
}

func (m *modeFlag) Type() string { return "mode" }

// Defaults is the optional yaml defaults file for the profiling commands.
type Defaults struct {
	Mode     string `yaml:"mode"`
	Interval int    `yaml:"interval"`
	Out      string `yaml:"out"`
}

// LoadDefaults reads a defaults file. A missing file yields zero defaults
// without error; a malformed one is a misuse.
func LoadDefaults(path string) (Defaults, error) {
	var d Defaults
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return d, err
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("%w: defaults file %s: %v", profile.ErrMisuse, path, err)
	}
	return d, nil
}

// ValidateInterval rejects non-positive user-supplied intervals. The
// facade treats zero as "use default"; at this boundary an explicit bad
// value is a misuse instead.
func ValidateInterval(msec int) (uint64, error) {
	if msec < 1 {
		return 0, fmt.Errorf("%w: interval must be positive, got %d", profile.ErrMisuse, msec)
	}
	return uint64(msec), nil
}
