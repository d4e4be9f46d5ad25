package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xonecas/agentcore/internal/wire"
)

func TestParseApproval(t *testing.T) {
	cases := map[string]wire.ApprovalReplyKind{
		"y\n":      wire.ApprovalApprove,
		"yes\n":    wire.ApprovalApprove,
		"\n":       wire.ApprovalApprove,
		"a\n":      wire.ApprovalApproveAndRemember,
		"always\n": wire.ApprovalApproveAndRemember,
		"n\n":      wire.ApprovalReject,
		"nope\n":   wire.ApprovalReject,
	}
	for input, want := range cases {
		if got := parseApproval(input); got != want {
			t.Errorf("parseApproval(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestResolveOption(t *testing.T) {
	options := []string{"yes", "no", "maybe"}
	if got := resolveOption(options, "2\n"); got != "no" {
		t.Errorf("resolveOption(2) = %q, want %q", got, "no")
	}
	if got := resolveOption(options, "bogus\n"); got != "yes" {
		t.Errorf("resolveOption(bogus) should fall back to the first option, got %q", got)
	}
}

// loadAgentInstructions walks from workspaceRoot up to the filesystem root
// collecting every AGENTS.md, then reverses the whole list so the
// workspace-nearest file ends up last, immediately before the base system
// prompt that follows it (same order the teacher's own
// LoadAgentInstructions/BuildSystemPrompt pair produces).
func TestLoadAgentInstructionsNearestFileComesLast(t *testing.T) {
	root := t.TempDir()
	t.Setenv("AGENTCORE_SHARE_DIR", t.TempDir())
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "AGENTS.md"), []byte("root instructions"), 0644); err != nil {
		t.Fatalf("write root AGENTS.md: %v", err)
	}
	if err := os.WriteFile(filepath.Join(nested, "AGENTS.md"), []byte("nested instructions"), 0644); err != nil {
		t.Fatalf("write nested AGENTS.md: %v", err)
	}

	got := loadAgentInstructions(nested)
	nestedIdx := strings.Index(got, "nested instructions")
	rootIdx := strings.Index(got, "root instructions")
	if nestedIdx == -1 || rootIdx == -1 {
		t.Fatalf("expected both AGENTS.md contents present, got %q", got)
	}
	if rootIdx > nestedIdx {
		t.Errorf("expected the workspace-nearest AGENTS.md to come last, got %q", got)
	}
}

func TestLoadAgentInstructionsEmptyWhenNoneExist(t *testing.T) {
	root := t.TempDir()
	t.Setenv("AGENTCORE_SHARE_DIR", t.TempDir())
	if got := loadAgentInstructions(root); got != "" {
		t.Errorf("expected no instructions, got %q", got)
	}
}
