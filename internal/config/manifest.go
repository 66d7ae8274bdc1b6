package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ManifestEntry declares one watch to register at boot.
type ManifestEntry struct {
	TaskID   string            `yaml:"task_id"`
	Endpoint string            `yaml:"endpoint"`
	Metadata map[string]string `yaml:"metadata"`
}

// Manifest is the declarative watch set loaded from a YAML file.
//
//	watches:
//	  - task_id: task-123
//	    endpoint: https://mesh.example/sse/subscribe/task-123
//	    metadata:
//	      resourceId: project-1
//	      operation: upload
type Manifest struct {
	Watches []ManifestEntry `yaml:"watches"`
}

// LoadManifest reads and validates a watch manifest. Unknown YAML fields are
// rejected so typos surface at boot rather than as silently missing watches.
func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	seen := make(map[string]bool, len(m.Watches))
	for i, w := range m.Watches {
		if w.TaskID == "" {
			return nil, fmt.Errorf("manifest %s: watches[%d] missing task_id", path, i)
		}
		if w.Endpoint == "" {
			return nil, fmt.Errorf("manifest %s: watches[%d] (%s) missing endpoint", path, i, w.TaskID)
		}
		if seen[w.TaskID] {
			return nil, fmt.Errorf("manifest %s: duplicate task_id %q", path, w.TaskID)
		}
		seen[w.TaskID] = true
	}
	return &m, nil
}
