package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/eugener/xrpcd/internal/lexicon"
)

// LoadLexicons builds the method registry from every *.json document under
// the configured directory. Documents whose main def is not a method (record
// and object schemas) are skipped.
func LoadLexicons(cfg LexiconConfig) (*lexicon.Registry, error) {
	reg := lexicon.NewRegistry()

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read lexicon dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(cfg.Dir, e.Name())
		doc, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read lexicon %s: %w", path, err)
		}
		if err := reg.AddJSON(doc); err != nil {
			return nil, fmt.Errorf("load lexicon %s: %w", path, err)
		}
	}

	slog.Info("loaded lexicons", "dir", cfg.Dir, "methods", reg.Len())
	return reg, nil
}
