package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/latticehq/lattice/pkg/models"
)

func TestBootstrapLoad(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("IDENTITY.md", "You are Lattice.")
	write("INSTRUCTIONS.md", "Be brief.")

	b := DefaultBootstrap(dir)

	full := b.Load(models.SessionMain)
	if !strings.Contains(full, "You are Lattice.") || !strings.Contains(full, "Be brief.") {
		t.Fatalf("main bootstrap = %q", full)
	}

	sub := b.Load(models.SessionSubagent)
	if strings.Contains(sub, "You are Lattice.") {
		t.Fatalf("subagent bootstrap should not include identity: %q", sub)
	}
	if !strings.Contains(sub, "Be brief.") {
		t.Fatalf("subagent bootstrap = %q", sub)
	}
}

func TestBootstrapMissingFiles(t *testing.T) {
	b := DefaultBootstrap(t.TempDir())
	if got := b.Load(models.SessionMain); got != "" {
		t.Fatalf("empty workspace should yield empty content, got %q", got)
	}
}
