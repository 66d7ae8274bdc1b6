package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watches.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadManifest(t *testing.T) {
	path := writeManifest(t, `
watches:
  - task_id: task-abc
    endpoint: https://mesh.example/sse/subscribe/task-abc
    metadata:
      resourceId: project-1
      operation: upload
  - task_id: task-def
    endpoint: https://mesh.example/sse/subscribe/task-def
`)

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if len(m.Watches) != 2 {
		t.Fatalf("len(Watches) = %d, want 2", len(m.Watches))
	}
	if m.Watches[0].TaskID != "task-abc" {
		t.Errorf("TaskID = %q, want task-abc", m.Watches[0].TaskID)
	}
	if m.Watches[0].Metadata["resourceId"] != "project-1" {
		t.Errorf("metadata resourceId = %q, want project-1", m.Watches[0].Metadata["resourceId"])
	}
	if m.Watches[1].Metadata != nil {
		t.Errorf("metadata = %v, want nil", m.Watches[1].Metadata)
	}
}

func TestLoadManifestMissingEndpoint(t *testing.T) {
	path := writeManifest(t, `
watches:
  - task_id: task-abc
`)
	if _, err := LoadManifest(path); err == nil || !strings.Contains(err.Error(), "missing endpoint") {
		t.Fatalf("LoadManifest() error = %v, want missing endpoint", err)
	}
}

func TestLoadManifestDuplicateTask(t *testing.T) {
	path := writeManifest(t, `
watches:
  - task_id: task-abc
    endpoint: https://a.example/sse
  - task_id: task-abc
    endpoint: https://b.example/sse
`)
	if _, err := LoadManifest(path); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("LoadManifest() error = %v, want duplicate task_id", err)
	}
}

func TestLoadManifestUnknownField(t *testing.T) {
	path := writeManifest(t, `
watches:
  - task_id: task-abc
    endpoint: https://a.example/sse
    endpiont_typo: oops
`)
	if _, err := LoadManifest(path); err == nil {
		t.Fatal("LoadManifest() expected error for unknown field")
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	if _, err := LoadManifest(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("LoadManifest() expected error for missing file")
	}
}
