package taxonomy

import (
	_ "embed"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Default returns the built-in taxonomy.
func Default() (*Snapshot, error) {
	return Parse(defaultYAML)
}

// Load reads a taxonomy document from a YAML file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: read %s", path)
	}
	return Parse(data)
}

// Parse builds a snapshot from YAML.
func Parse(data []byte) (*Snapshot, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "taxonomy: parse yaml")
	}
	return New(doc)
}

// Marshal renders the snapshot back to YAML, stamped with its version.
func (s *Snapshot) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(s.Document())
	return data, eris.Wrap(err, "taxonomy: marshal yaml")
}
