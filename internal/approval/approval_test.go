package approval

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/xonecas/agentcore/internal/wire"
)

func TestYoloApprovesWithoutPrompting(t *testing.T) {
	c := wire.New()
	g, err := Open(filepath.Join(t.TempDir(), "approvals.json"), c.Soul())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	g.SetYolo(true)

	// No UI consumer is running; if Request prompted, this would deadlock.
	ok, err := g.Request(context.Background(), "Shell", "run command", "rm file", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !ok {
		t.Error("expected yolo to approve")
	}
}

func TestRejectReturnsFalse(t *testing.T) {
	c := wire.New()
	soul, ui := c.Soul(), c.UI()
	g, err := Open(filepath.Join(t.TempDir(), "approvals.json"), soul)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	go func() {
		req := <-ui.Requests()
		ui.Reply(req.ID, wire.Reply{Approval: wire.ApprovalReject})
	}()

	ok, err := g.Request(context.Background(), "Shell", "run command", "rm -rf /", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if ok {
		t.Error("expected rejection to return false")
	}
}

func TestApproveAndRememberPersistsAndShortCircuits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "approvals.json")
	c := wire.New()
	soul, ui := c.Soul(), c.UI()
	g, err := Open(path, soul)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	go func() {
		req := <-ui.Requests()
		ui.Reply(req.ID, wire.Reply{Approval: wire.ApprovalApproveAndRemember})
	}()

	ok, err := g.Request(context.Background(), "Shell", "run command", "ls", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !ok {
		t.Fatal("expected approval")
	}

	// Second call for the same (tool, action) must not prompt again.
	ok, err = g.Request(context.Background(), "Shell", "run command", "ls -la", nil)
	if err != nil {
		t.Fatalf("second Request: %v", err)
	}
	if !ok {
		t.Fatal("expected auto-approval on repeat")
	}

	// Persisted across a fresh Gate over the same file.
	g2, err := Open(path, soul)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	ok, err = g2.Request(context.Background(), "Shell", "run command", "pwd", nil)
	if err != nil {
		t.Fatalf("Request after reopen: %v", err)
	}
	if !ok {
		t.Fatal("expected auto-approval to survive reload")
	}
}
