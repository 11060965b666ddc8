package trackerstore

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentworkforce/trackersync/internal/model"
)

func TestBuildStateBackendFromDSNMemory(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("build state backend failed: %v", err)
	}
	if err := backend.Save(&persistedState{EventCounter: 3, Tasks: map[string]model.Task{"1": {ID: "1", Tags: []string{"a"}}}}); err != nil {
		t.Fatalf("memory backend save failed: %v", err)
	}
	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("memory backend load failed: %v", err)
	}
	if snapshot == nil || snapshot.EventCounter != 3 || snapshot.Tasks["1"].Tags[0] != "a" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	snapshot.Tasks["1"] = model.Task{ID: "changed"}
	again, _ := backend.Load()
	if again.Tasks["1"].ID != "1" {
		t.Fatalf("expected loads to be isolated copies")
	}
}

func TestBuildStateBackendFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state-backend.json")
	for _, dsn := range []string{"file://" + path, path} {
		backend, err := BuildStateBackendFromDSN(dsn)
		if err != nil {
			t.Fatalf("build file state backend from %q failed: %v", dsn, err)
		}
		if _, ok := backend.(*JSONFileStateBackend); !ok {
			t.Fatalf("expected JSON file backend for %q, got %T", dsn, backend)
		}
	}
	backend, _ := BuildStateBackendFromDSN("file://" + path)
	if snapshot, err := backend.Load(); err != nil || snapshot != nil {
		t.Fatalf("expected empty load for missing file, got %+v %v", snapshot, err)
	}
	if err := backend.Save(&persistedState{EventCounter: 7}); err != nil {
		t.Fatalf("file backend save failed: %v", err)
	}
	snapshot, err := backend.Load()
	if err != nil || snapshot == nil || snapshot.EventCounter != 7 {
		t.Fatalf("expected eventCounter 7, got %+v %v", snapshot, err)
	}
}

func TestBuildStateBackendFromDSNSchemes(t *testing.T) {
	if backend, err := BuildStateBackendFromDSN(""); backend != nil || err != nil {
		t.Fatalf("expected no backend for empty dsn, got %v %v", backend, err)
	}
	backend, err := BuildStateBackendFromDSN("postgres://localhost/trackerd?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres state backend to be available, got %v", err)
	}
	if _, ok := backend.(*PostgresStateBackend); !ok {
		t.Fatalf("expected postgres backend, got %T", backend)
	}
	for _, dsn := range []string{"sqlite://local.db", "mysql://localhost/trackerd", "redis://localhost"} {
		if _, err := BuildStateBackendFromDSN(dsn); err == nil || !strings.Contains(err.Error(), "unsupported state backend scheme") {
			t.Fatalf("expected unsupported scheme error for %s, got %v", dsn, err)
		}
	}
}

func TestRegisterStateBackendFactory(t *testing.T) {
	shared := NewInMemoryStateBackend()
	RegisterStateBackendFactory("  StoreTestCustom ", func(dsn string) (StateBackend, error) {
		return shared, nil
	})
	backend, err := BuildStateBackendFromDSN("storetestcustom://example")
	if err != nil {
		t.Fatalf("build state backend via registered factory failed: %v", err)
	}
	if backend != shared {
		t.Fatalf("expected registered factory to be used, got %T", backend)
	}
}
