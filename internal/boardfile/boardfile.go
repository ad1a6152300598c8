// Package boardfile reads and writes the YAML file describing the set
// of boards an experiment rig uses.
package boardfile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/benchrig/labboard/internal/hal"
)

// File is the on-disk shape: a list of board configurations under a
// boards key.
type File struct {
	Boards []hal.BoardConfig `yaml:"boards"`
}

// Load reads and validates a board file.
func Load(path string) ([]hal.BoardConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading board file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing board file %s: %w", path, err)
	}

	for i, cfg := range f.Boards {
		if !hal.KnownBoardType(cfg.BoardType) {
			return nil, fmt.Errorf("board %d (%q): unknown board_type %q", i, cfg.Name, cfg.BoardType)
		}
	}
	return f.Boards, nil
}

// Save writes the board list back out.
func Save(path string, boards []hal.BoardConfig) error {
	raw, err := yaml.Marshal(File{Boards: boards})
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
