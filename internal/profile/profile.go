package profile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profiles maps a document type to the generation options merged into every
// pipeline submission that requests it. Loaded once at startup.
type Profiles map[string]map[string]any

// Load reads the profiles file. A missing path yields an empty set, which
// leaves submissions untouched.
func Load(path string) (Profiles, error) {
	if path == "" {
		return Profiles{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}

	var p Profiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	if p == nil {
		p = Profiles{}
	}
	return p, nil
}

// Options returns the configured options for a document type, or nil.
func (p Profiles) Options(docType string) map[string]any {
	return p[docType]
}
