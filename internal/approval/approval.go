// Package approval implements the Approval Gate (spec §4.C): yolo mode, a
// persisted auto-approve set, and the ApprovalRequest round trip over the
// Wire.
//
// Persistence mirrors the teacher's config.Credentials (JSON, 0600,
// atomic-enough via a single os.WriteFile) — translated from an API-key map
// to an auto-approved-action set.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xonecas/agentcore/internal/wire"
)

// key identifies an approvable action, e.g. "Shell:run command" (spec
// §4.C: "auto-approved action identifiers").
func key(toolName, action string) string {
	return toolName + ":" + action
}

// persisted is the on-disk shape of the auto-approve set.
type persisted struct {
	AutoApproved []string `json:"auto_approved"`
}

// Gate is the Approval Gate: an in-memory auto-approve set plus a yolo
// flag, backed by a JSON file the session owns exclusively (spec §4.C:
// "concurrent writers are not supported").
type Gate struct {
	mu   sync.Mutex
	path string
	yolo bool
	auto map[string]bool

	soul wire.SoulSide
}

// Open loads (or creates) the Gate's persistence file at path.
func Open(path string, soul wire.SoulSide) (*Gate, error) {
	g := &Gate{path: path, auto: make(map[string]bool), soul: soul}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("approval: read %s: %w", path, err)
	}

	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("approval: decode %s: %w", path, err)
	}
	for _, k := range p.AutoApproved {
		g.auto[k] = true
	}
	return g, nil
}

// SetYolo flips yolo mode. When set, Request always approves without
// prompting (spec §4.C step 1).
func (g *Gate) SetYolo(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.yolo = on
}

// Yolo reports whether yolo mode is currently on.
func (g *Gate) Yolo() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.yolo
}

// Request implements the Approval Gate's decision procedure (spec §4.C):
// yolo short-circuits to true; an already-auto-approved (tool, action)
// pair short-circuits to true; otherwise it blocks on an ApprovalRequest
// over the Wire.
func (g *Gate) Request(ctx context.Context, toolName, action, description string, display []wire.DisplayItem) (bool, error) {
	g.mu.Lock()
	if g.yolo {
		g.mu.Unlock()
		return true, nil
	}
	k := key(toolName, action)
	if g.auto[k] {
		g.mu.Unlock()
		return true, nil
	}
	g.mu.Unlock()

	reply, err := g.soul.Ask(ctx, wire.Request{
		Kind:            wire.RequestApproval,
		ToolName:        toolName,
		Action:          action,
		Description:     description,
		ApprovalDisplay: display,
	})
	if err != nil {
		return false, err
	}

	switch reply.Approval {
	case wire.ApprovalApprove:
		return true, nil
	case wire.ApprovalApproveAndRemember:
		if err := g.remember(k); err != nil {
			return true, err
		}
		return true, nil
	case wire.ApprovalReject:
		return false, nil
	default:
		return false, fmt.Errorf("approval: unrecognized reply %q", reply.Approval)
	}
}

func (g *Gate) remember(k string) error {
	g.mu.Lock()
	g.auto[k] = true
	keys := make([]string, 0, len(g.auto))
	for a := range g.auto {
		keys = append(keys, a)
	}
	path := g.path
	g.mu.Unlock()

	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(persisted{AutoApproved: keys}, "", "  ")
	if err != nil {
		return fmt.Errorf("approval: encode: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("approval: mkdir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("approval: write %s: %w", path, err)
	}
	return nil
}
