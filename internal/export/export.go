// Package export implements the per-episode export writer and blob-serving
// path (§4.1 "Persisted state"): one append-only, newline-delimited JSON
// file per (subject, episode), written frame-by-frame as the episode
// progresses, plus a trailing session-status block once the episode ends.
//
// Grounded on the teacher's server/recording.go lifecycle (Start writes
// headers, Feed appends one unit per call, Stop finalizes and closes) and
// its server/internal/blob/store.go Open-by-id path for serving a written
// file back out over HTTP, generalized from "blob by opaque id" to "export
// file by (session, subject, episode)" — the path itself is the key, so no
// metadata database is needed for export files the way it is for uploads.
package export

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FrameRow is one exported frame record (§4.1). Every scalar field must be
// JSON-serializable; Actions/Rewards/etc. are keyed by player id.
type FrameRow struct {
	Frame      int64                  `json:"frame"`
	Actions    map[int]json.RawMessage `json:"actions"`
	Rewards    map[int]float64        `json:"rewards"`
	Terminated map[int]bool           `json:"terminated"`
	Truncated  map[int]bool           `json:"truncated"`
	Info       map[int]map[string]any `json:"info"`
	Focused    map[int]bool           `json:"isFocused"`
}

// StatusBlock is the trailing session-status row (§4.1: isPartial,
// terminationReason, disconnectedPlayerId, completedEpisodes).
type StatusBlock struct {
	IsPartial            bool   `json:"isPartial"`
	TerminationReason    string `json:"terminationReason,omitempty"`
	DisconnectedPlayerID *int   `json:"disconnectedPlayerId,omitempty"`
	CompletedEpisodes    int    `json:"completedEpisodes"`
}

// Store resolves and creates per-episode export files rooted at a single
// base directory, one subdirectory per session.
type Store struct {
	rootDir string
}

// NewStore roots a Store at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("export: root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create root directory: %w", err)
	}
	return &Store{rootDir: dir}, nil
}

// path returns the on-disk path for one (session, subject, episode) export.
func (s *Store) path(sessionID, subject string, episode int) string {
	return filepath.Join(s.rootDir, sessionID, fmt.Sprintf("%s_ep%d.jsonl", subject, episode))
}

// Writer appends frame rows for one (session, subject, episode) export and
// seals it with a status block on Close (§4.1, §4.6.1 "append-only after
// promotion").
type Writer struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	path string
	rows int
}

// NewWriter opens (creating, truncating any stale prior attempt) the export
// file for one episode.
func (s *Store) NewWriter(sessionID, subject string, episode int) (*Writer, error) {
	path := s.path(sessionID, subject, episode)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("export: create session directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("export: create export file: %w", err)
	}
	slog.Info("export: writer opened", "session_id", sessionID, "subject", subject, "episode", episode, "path", path)
	return &Writer{file: f, enc: json.NewEncoder(f), path: path}, nil
}

// WriteFrame appends one frame row. Never reorders or overwrites a prior
// row — the confirmed buffer this is fed from is itself append-only after
// promotion (§4.6.1).
func (w *Writer) WriteFrame(row FrameRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(row); err != nil {
		return fmt.Errorf("export: write frame %d: %w", row.Frame, err)
	}
	w.rows++
	return nil
}

// Rows returns how many frame rows have been written so far (P2 row-count
// parity checks read this from both peers' writers).
func (w *Writer) Rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Close writes the trailing status block and closes the file. Safe to call
// once; a second call is a no-op returning nil.
func (w *Writer) Close(status StatusBlock) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.enc.Encode(struct {
		Status StatusBlock `json:"session_status"`
	}{status}); err != nil {
		slog.Warn("export: failed to write trailing status block", "path", w.path, "err", err)
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return fmt.Errorf("export: close file: %w", err)
	}
	slog.Info("export: writer closed", "path", w.path, "rows", w.rows, "partial", status.IsPartial, "reason", status.TerminationReason)
	return nil
}

// Open resolves and opens an existing export file for reading/serving
// (admin download endpoint).
func (s *Store) Open(sessionID, subject string, episode int) (*os.File, string, error) {
	path := s.path(sessionID, subject, episode)
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("export: open export file: %w", err)
	}
	return f, path, nil
}
