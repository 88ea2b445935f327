package connector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ingestrelay/ingestrelay/internal/config"
)

// DefaultDir is used when CONNECTORS_DIR is unset.
const DefaultDir = "connectors"

// ErrConnectorNotFound is returned when no connector in the catalog has the requested id.
var ErrConnectorNotFound = errors.New("connector not found")

// Catalog resolves connector ids to definitions stored as *.yaml or *.yml files in Dir.
type Catalog struct {
	Dir string
}

// NewCatalog builds a catalog over CONNECTORS_DIR.
func NewCatalog() *Catalog {
	return &Catalog{Dir: config.GetEnvStr("CONNECTORS_DIR", DefaultDir)}
}

// Find returns the path and validated definition of connector id.
// Files whose metadata.name does not match are skipped without full validation.
func (c *Catalog) Find(id string) (string, *Config, error) {
	paths, err := c.paths()
	if err != nil {
		return "", nil, err
	}

	for _, path := range paths {
		name, err := peekName(path)
		if err != nil || name != id {
			continue
		}

		cfg, err := Load(path)
		if err != nil {
			return path, nil, err
		}

		return path, cfg, nil
	}

	return "", nil, fmt.Errorf("%w: %s", ErrConnectorNotFound, id)
}

func (c *Catalog) paths() ([]string, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list connectors in %s: %w", c.Dir, err)
	}

	var paths []string

	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		paths = append(paths, filepath.Join(c.Dir, entry.Name()))
	}

	sort.Strings(paths)

	return paths, nil
}

func peekName(path string) (string, error) {
	raw, err := os.ReadFile(path) // #nosec G304 - catalog files come from operators
	if err != nil {
		return "", err
	}

	var doc struct {
		Metadata Metadata `yaml:"metadata"`
	}

	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return "", err
	}

	return doc.Metadata.Name, nil
}
