// Package contextstore implements the Context Store (spec §4.A): an
// append-only, checkpointed, token-tracked message log backed by an
// NDJSON SessionFile, recoverable after a crash.
//
// Durability follows the teacher's store.Cache discipline (see
// internal/store/session.go in the teacher) translated from SQL
// transactions to file operations: every Append does write+fsync before
// returning, and a rewrite (Filter) writes to a temp file, fsyncs, then
// renames over the original so a crash mid-rewrite never corrupts the live
// file (spec §9's "append-only file with periodic rewrite" guidance).
package contextstore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/agentcore/internal/engineerr"
	"github.com/xonecas/agentcore/internal/message"
)

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// Store is an append-only Context Store over a single SessionFile.
type Store struct {
	mu   sync.Mutex
	path string
	file *os.File

	history        []message.Message
	usageHistory   []message.UsageRecord
	checkpoints    []int
	nextCheckpoint int
	tokenCount     int
}

// Open creates or opens the SessionFile at path, replaying every record to
// reconstruct in-memory state. A corrupt line is skipped with a warning
// (spec §4.A: "the store never refuses to open").
func Open(path string) (*Store, error) {
	s := &Store{path: path, nextCheckpoint: 1}

	if err := s.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindStorage, fmt.Errorf("open session file: %w", err))
	}
	s.file = f
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return engineerr.Wrap(engineerr.KindStorage, fmt.Errorf("open session file: %w", err))
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := s.replayLine(line); err != nil {
			log.Warn().Err(err).Int("line", lineNo).Str("path", s.path).Msg("contextstore: skipping corrupt record")
		}
	}
	if err := scanner.Err(); err != nil {
		return engineerr.Wrap(engineerr.KindStorage, fmt.Errorf("read session file: %w", err))
	}
	s.fixupOrphans()
	return nil
}

func (s *Store) replayLine(line []byte) error {
	role, err := peekRole(line)
	if err != nil {
		return fmt.Errorf("peek role: %w", err)
	}
	switch recordKind(role) {
	case kindUsage:
		u, err := decodeUsage(line)
		if err != nil {
			return fmt.Errorf("decode usage: %w", err)
		}
		s.tokenCount = u.Total()
		s.usageHistory = append(s.usageHistory, u)
	case kindCheckpoint:
		cp, err := decodeCheckpoint(line)
		if err != nil {
			return fmt.Errorf("decode checkpoint: %w", err)
		}
		if cp.ID >= s.nextCheckpoint {
			s.nextCheckpoint = cp.ID + 1
		}
		s.checkpoints = append(s.checkpoints, cp.ID)
	default:
		switch message.Role(role) {
		case message.RoleUser, message.RoleAssistant, message.RoleTool, message.RoleSystem:
			m, err := decodeMessage(line)
			if err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			s.history = append(s.history, m)
		default:
			// Unknown role tag: forward-compatible skip, not an error.
			return nil
		}
	}
	return nil
}

// fixupOrphans completes any assistant tool_calls anywhere in a reloaded
// session that have no matching tool message, appending the synthetic
// results at the end of the history (spec invariant 1, and the
// open-question decision recorded in DESIGN.md: complete, don't elide).
func (s *Store) fixupOrphans() {
	answered := make(map[string]bool)
	for _, m := range s.history {
		if m.Role == message.RoleTool {
			answered[m.ToolCallID] = true
		}
	}
	var synthetic []message.Message
	// Oldest-orphan-first, matching the order tool_calls appeared.
	for _, m := range s.history {
		if m.Role != message.RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}
		for _, tc := range m.ToolCalls {
			if !answered[tc.ID] {
				synthetic = append(synthetic, message.NewToolResult(tc.ID,
					"Error: cancelled: session ended before this tool call ran"))
				answered[tc.ID] = true
			}
		}
	}
	if len(synthetic) == 0 {
		return
	}
	s.history = append(s.history, synthetic...)
	for _, m := range synthetic {
		if err := s.appendLocked(m); err != nil {
			log.Warn().Err(err).Msg("contextstore: failed to persist synthetic cancelled result")
		}
	}
}

// Append adds a message to both the in-memory history and the SessionFile,
// flushing before returning (spec §4.A: "append is ordered and durable").
// On a Storage error the in-memory state is left unchanged.
func (s *Store) Append(m message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(m)
}

func (s *Store) appendLocked(m message.Message) error {
	line, err := encodeMessage(m)
	if err != nil {
		return engineerr.Wrap(engineerr.KindStorage, fmt.Errorf("encode message: %w", err))
	}
	if err := s.writeLine(line); err != nil {
		return err
	}
	s.history = append(s.history, m)
	return nil
}

// AppendUsage records a usage snapshot, updating the authoritative
// token_count (spec §3: "token_count equals the most recently appended
// UsageRecord's input+output+cache sum").
func (s *Store) AppendUsage(u message.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := encodeUsage(u)
	if err != nil {
		return engineerr.Wrap(engineerr.KindStorage, fmt.Errorf("encode usage: %w", err))
	}
	if err := s.writeLine(line); err != nil {
		return err
	}
	s.tokenCount = u.Total()
	s.usageHistory = append(s.usageHistory, u)
	return nil
}

// Checkpoint inserts a checkpoint record with the next monotonic id and
// returns it.
func (s *Store) Checkpoint() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextCheckpoint
	line, err := encodeCheckpoint(message.Checkpoint{ID: id})
	if err != nil {
		return 0, engineerr.Wrap(engineerr.KindStorage, fmt.Errorf("encode checkpoint: %w", err))
	}
	if err := s.writeLine(line); err != nil {
		return 0, err
	}
	s.checkpoints = append(s.checkpoints, id)
	s.nextCheckpoint++
	return id, nil
}

func (s *Store) writeLine(line []byte) error {
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return engineerr.Wrap(engineerr.KindStorage, fmt.Errorf("write session file: %w", err))
	}
	if err := s.file.Sync(); err != nil {
		return engineerr.Wrap(engineerr.KindStorage, fmt.Errorf("sync session file: %w", err))
	}
	return nil
}

// History returns a snapshot of the current in-memory history. The
// returned slice must not be mutated by the caller.
func (s *Store) History() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message.Message, len(s.history))
	copy(out, s.history)
	return out
}

// TokenCount returns the store's authoritative token_count.
func (s *Store) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCount
}

// KeepPredicate decides whether a message survives a Filter rewrite.
type KeepPredicate func(message.Message) bool

// Filter rewrites the backing file to keep only messages matching keep,
// preserving usage and checkpoint records, via write-to-temp +
// fsync + atomic rename (spec §4.A, §9). Filtering with the same predicate
// twice in a row is a no-op the second time (spec §8 "filter idempotence").
func (s *Store) Filter(keep KeepPredicate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := make([]message.Message, 0, len(s.history))
	for _, m := range s.history {
		if keep(m) {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) == len(s.history) {
		return nil // nothing changed: avoid an unnecessary rewrite
	}

	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return engineerr.Wrap(engineerr.KindStorage, fmt.Errorf("create temp session file: %w", err))
	}

	writeErr := func() error {
		for _, m := range filtered {
			line, err := encodeMessage(m)
			if err != nil {
				return err
			}
			if _, err := tmp.Write(append(line, '\n')); err != nil {
				return err
			}
		}
		for _, u := range s.usageHistory {
			line, err := encodeUsage(u)
			if err != nil {
				return err
			}
			if _, err := tmp.Write(append(line, '\n')); err != nil {
				return err
			}
		}
		for _, id := range s.checkpoints {
			line, err := encodeCheckpoint(message.Checkpoint{ID: id})
			if err != nil {
				return err
			}
			if _, err := tmp.Write(append(line, '\n')); err != nil {
				return err
			}
		}
		return tmp.Sync()
	}()
	if writeErr != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return engineerr.Wrap(engineerr.KindStorage, fmt.Errorf("write temp session file: %w", writeErr))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return engineerr.Wrap(engineerr.KindStorage, fmt.Errorf("close temp session file: %w", err))
	}

	if s.file != nil {
		s.file.Close()
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return engineerr.Wrap(engineerr.KindStorage, fmt.Errorf("rename temp session file: %w", err))
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return engineerr.Wrap(engineerr.KindStorage, fmt.Errorf("reopen session file: %w", err))
	}
	s.file = f
	s.history = filtered
	return nil
}

// ReplaceHistory swaps the entire in-memory history for newHistory and
// records usage as the latest usage snapshot, for the Compaction Engine's
// use (spec §4.E): the prefix being compacted is replaced by a single
// synthetic summary message plus the preserved tail, and token_count resets
// to reflect only the summarization call's usage (spec invariant 3).
// Checkpoints are preserved unchanged: compaction does not create or
// consume a checkpoint (spec §8 "Compaction at 80%": "checkpoint id is
// unchanged"). Like Filter, the rewrite is write-to-temp + fsync + atomic
// rename so a crash mid-compaction never leaves a truncated SessionFile.
func (s *Store) ReplaceHistory(newHistory []message.Message, usage message.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return engineerr.Wrap(engineerr.KindStorage, fmt.Errorf("create temp session file: %w", err))
	}

	newUsageHistory := append(append([]message.UsageRecord{}, s.usageHistory...), usage)

	writeErr := func() error {
		for _, m := range newHistory {
			line, err := encodeMessage(m)
			if err != nil {
				return err
			}
			if _, err := tmp.Write(append(line, '\n')); err != nil {
				return err
			}
		}
		for _, u := range newUsageHistory {
			line, err := encodeUsage(u)
			if err != nil {
				return err
			}
			if _, err := tmp.Write(append(line, '\n')); err != nil {
				return err
			}
		}
		for _, id := range s.checkpoints {
			line, err := encodeCheckpoint(message.Checkpoint{ID: id})
			if err != nil {
				return err
			}
			if _, err := tmp.Write(append(line, '\n')); err != nil {
				return err
			}
		}
		return tmp.Sync()
	}()
	if writeErr != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return engineerr.Wrap(engineerr.KindStorage, fmt.Errorf("write temp session file: %w", writeErr))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return engineerr.Wrap(engineerr.KindStorage, fmt.Errorf("close temp session file: %w", err))
	}

	if s.file != nil {
		s.file.Close()
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return engineerr.Wrap(engineerr.KindStorage, fmt.Errorf("rename temp session file: %w", err))
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return engineerr.Wrap(engineerr.KindStorage, fmt.Errorf("reopen session file: %w", err))
	}
	s.file = f
	s.history = append([]message.Message{}, newHistory...)
	s.usageHistory = newUsageHistory
	s.tokenCount = usage.Total()
	return nil
}

// Reset discards in-memory history and truncates the SessionFile, used when
// starting a fresh session at the same path.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		s.file.Close()
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return engineerr.Wrap(engineerr.KindStorage, fmt.Errorf("truncate session file: %w", err))
	}
	s.file = f
	s.history = nil
	s.usageHistory = nil
	s.checkpoints = nil
	s.tokenCount = 0
	s.nextCheckpoint = 1
	return nil
}

// Close closes the backing file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Path returns the SessionFile's filesystem path.
func (s *Store) Path() string { return s.path }

// EnsureDir creates the parent directory of path if needed.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0750)
}
