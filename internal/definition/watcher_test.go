package definition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalDef = `type: leave
name: Leave request
version: %d
steps:
  - step_id: s
    name: S
    order_index: 0
    tasks:
      - task_id: t
        name: T
        type: MANUAL
`

func writeDef(t *testing.T, dir, name string, version int) {
	t.Helper()
	data := []byte(fmt.Sprintf(minimalDef, version))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestReloader_Reload(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "leave.yaml", 1)

	reg := NewRegistry(nil)
	r := NewReloader([]string{dir}, reg, nil, nil)
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if _, ok := reg.Get("leave", 1); !ok {
		t.Fatal("leave v1 not loaded")
	}

	// An invalid set is rejected and the previous snapshot is kept.
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("type: x\nname: X\nversion: 1\nsteps: []\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := r.Reload(); err == nil {
		t.Fatal("Reload() with invalid definition should fail")
	}
	if _, ok := reg.Get("leave", 1); !ok {
		t.Error("previous snapshot should be kept after a rejected reload")
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "leave.yaml", 1)

	reg := NewRegistry(nil)
	r := NewReloader([]string{dir}, reg, nil, nil)
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	w, err := NewWatcher(r, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	// Give the watcher time to register its directories.
	time.Sleep(100 * time.Millisecond)
	writeDef(t, dir, "leave_v2.yaml", 2)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if def, ok := reg.Get("leave", 0); ok && def.Version == 2 {
			cancel()
			<-done
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("watcher did not pick up the new definition")
}

type reloadCounter struct {
	statuses []string
	loaded   float64
}

func (c *reloadCounter) RecordDefinitionReload(status string) { c.statuses = append(c.statuses, status) }
func (c *reloadCounter) SetDefinitionsLoaded(n float64)       { c.loaded = n }

func TestReloader_RecordsOutcome(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "leave.yaml", 1)
	writeDef(t, dir, "leave_v2.yaml", 2)

	rec := &reloadCounter{}
	r := NewReloader([]string{dir}, NewRegistry(nil), nil, nil, WithReloadRecorder(rec))
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("type: x\nname: X\nversion: 1\nsteps: []\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = r.Reload()

	if len(rec.statuses) != 2 || rec.statuses[0] != "success" || rec.statuses[1] != "rejected" {
		t.Errorf("statuses = %v, want [success rejected]", rec.statuses)
	}
	if rec.loaded != 2 {
		t.Errorf("loaded = %v, want 2", rec.loaded)
	}
}
