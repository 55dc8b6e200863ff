package daemonconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultFillsEveryField(t *testing.T) {
	c := Default()
	if c.WorkerCount == 0 || c.JITSlotCount == 0 || c.JITSlotSize == 0 ||
		c.ProgramBufferSize == 0 || c.SUITSlotCount == 0 || c.SocketPath == "" || c.StoreDir == "" {
		t.Fatalf("Default left a field zero: %+v", c)
	}
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.yaml")
	if err := os.WriteFile(path, []byte("workerCount: 8\nsocketPath: /tmp/custom.sock\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.WorkerCount != 8 {
		t.Fatalf("WorkerCount = %d, want 8", c.WorkerCount)
	}
	if c.SocketPath != "/tmp/custom.sock" {
		t.Fatalf("SocketPath = %q, want /tmp/custom.sock", c.SocketPath)
	}
	if c.JITSlotCount != Default().JITSlotCount {
		t.Fatalf("JITSlotCount = %d, want default %d", c.JITSlotCount, Default().JITSlotCount)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error loading a missing file")
	}
}
