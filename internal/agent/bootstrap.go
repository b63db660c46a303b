package agent

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/latticehq/lattice/pkg/models"
)

// Bootstrap loads workspace-level system content injected at the start of
// every LLM request. Subagents see only the restricted subset.
type Bootstrap struct {
	// Dir is the workspace directory holding the bootstrap files.
	Dir string

	// Files are read in order for main, group, dm, and topic sessions.
	Files []string

	// SubagentFiles is the subset read for subagent sessions.
	SubagentFiles []string
}

// DefaultBootstrap returns the conventional file layout for a workspace.
func DefaultBootstrap(dir string) Bootstrap {
	return Bootstrap{
		Dir:           dir,
		Files:         []string{"IDENTITY.md", "INSTRUCTIONS.md", "TOOLS.md"},
		SubagentFiles: []string{"INSTRUCTIONS.md"},
	}
}

// Load returns the concatenated system content for a session type.
// Missing files are skipped; an empty workspace yields empty content.
func (b Bootstrap) Load(sessionType models.SessionType) string {
	files := b.Files
	if sessionType == models.SessionSubagent {
		files = b.SubagentFiles
	}

	var parts []string
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(b.Dir, name))
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(data))
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}
