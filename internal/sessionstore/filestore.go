package sessionstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anthropics/agentd/internal/convo"
)

// FileStore is the default session-store backend: one directory per
// session under BaseDir, holding a "session.json" metadata file and a
// "conversation.jsonl" append-only transcript (one convo.Message per
// line), following the teacher's general append-only-log approach in
// internal/sessions/write_lock.go generalized from an in-process mutex to
// a real flock so a CLI process (export/import/fork) and the running
// agent never corrupt each other's writes.
type FileStore struct {
	BaseDir string

	mu sync.RWMutex // guards the in-memory session-metadata cache only
	// cache avoids re-reading session.json on every ListSessions call;
	// the transcript itself is never cached, since it can grow without
	// bound and readers should see the file as the single source of truth.
	cache map[string]*Session
}

// NewFileStore creates a store rooted at baseDir, creating it if absent.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("sessionstore: create base dir: %w", err)
	}
	return &FileStore{BaseDir: baseDir, cache: make(map[string]*Session)}, nil
}

func (s *FileStore) dir(id string) string   { return filepath.Join(s.BaseDir, id) }
func (s *FileStore) metaPath(id string) string {
	return filepath.Join(s.dir(id), "session.json")
}
func (s *FileStore) convPath(id string) string {
	return filepath.Join(s.dir(id), "conversation.jsonl")
}
func (s *FileStore) lockPath(id string) string {
	return filepath.Join(s.dir(id), ".lock")
}

func (s *FileStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Type == "" {
		sess.Type = TypeUser
	}
	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	if err := os.MkdirAll(s.dir(sess.ID), 0o755); err != nil {
		return fmt.Errorf("sessionstore: create session dir: %w", err)
	}
	if err := s.writeMeta(sess); err != nil {
		return err
	}
	if _, err := os.OpenFile(s.convPath(sess.ID), os.O_CREATE|os.O_RDWR, 0o644); err != nil {
		return fmt.Errorf("sessionstore: create transcript file: %w", err)
	}

	s.mu.Lock()
	s.cache[sess.ID] = cloneSession(sess)
	s.mu.Unlock()
	return nil
}

func (s *FileStore) writeMeta(sess *Session) error {
	raw, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionstore: marshal session metadata: %w", err)
	}
	return os.WriteFile(s.metaPath(sess.ID), raw, 0o644)
}

func (s *FileStore) readMeta(id string) (*Session, error) {
	s.mu.RLock()
	if cached, ok := s.cache[id]; ok {
		s.mu.RUnlock()
		return cloneSession(cached), nil
	}
	s.mu.RUnlock()

	raw, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("sessionstore: session %q not found", id)
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("sessionstore: corrupt session metadata for %q: %w", id, err)
	}
	s.mu.Lock()
	s.cache[id] = cloneSession(&sess)
	s.mu.Unlock()
	return &sess, nil
}

func cloneSession(s *Session) *Session {
	cp := *s
	if s.UserRecipeValues != nil {
		cp.UserRecipeValues = make(map[string]any, len(s.UserRecipeValues))
		for k, v := range s.UserRecipeValues {
			cp.UserRecipeValues[k] = v
		}
	}
	if s.ExtensionData != nil {
		cp.ExtensionData = make(map[string]json.RawMessage, len(s.ExtensionData))
		for k, v := range s.ExtensionData {
			cp.ExtensionData[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &cp
}

func (s *FileStore) GetSession(ctx context.Context, id string, includeConversation bool) (*Session, []*convo.Message, error) {
	sess, err := s.readMeta(id)
	if err != nil {
		return nil, nil, err
	}
	if !includeConversation {
		return sess, nil, nil
	}
	msgs, err := s.LoadConversation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return sess, msgs, nil
}

func (s *FileStore) ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sess, err := s.readMeta(e.Name())
		if err != nil {
			continue
		}
		if opts.Type != "" && sess.Type != opts.Type {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *FileStore) UpdateSession(ctx context.Context, id string, u Update) error {
	lk, err := lockFile(s.lockPath(id))
	if err != nil {
		return err
	}
	defer lk.unlock()

	sess, err := s.readMetaUncached(id)
	if err != nil {
		return err
	}
	if u.Name != nil {
		sess.Name = *u.Name
	}
	if u.Recipe != nil {
		sess.Recipe = *u.Recipe
	}
	if u.UserRecipeValues != nil {
		sess.UserRecipeValues = u.UserRecipeValues
	}
	if u.ExtensionData != nil {
		sess.ExtensionData = u.ExtensionData
	}
	sess.UpdatedAt = time.Now()

	if err := s.writeMeta(sess); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[id] = cloneSession(sess)
	s.mu.Unlock()
	return nil
}

func (s *FileStore) readMetaUncached(id string) (*Session, error) {
	raw, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("sessionstore: session %q not found", id)
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("sessionstore: corrupt session metadata for %q: %w", id, err)
	}
	return &sess, nil
}

func (s *FileStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	return os.RemoveAll(s.dir(id))
}

// AppendMessage appends one message as a JSON line under an exclusive
// flock, satisfying both Store and replyloop.ConversationStore.
func (s *FileStore) AppendMessage(ctx context.Context, sessionID string, msg *convo.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	lk, err := lockFile(s.lockPath(sessionID))
	if err != nil {
		return err
	}
	defer lk.unlock()

	f, err := os.OpenFile(s.convPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sessionstore: open transcript: %w", err)
	}
	defer f.Close()

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal message: %w", err)
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("sessionstore: append message: %w", err)
	}

	s.mu.Lock()
	if sess, ok := s.cache[sessionID]; ok {
		sess.UpdatedAt = time.Now()
	}
	s.mu.Unlock()
	return nil
}

// LoadConversation reads the full transcript under the session's flock
// (the same exclusive lock appends take). The teacher's write_lock.go only
// ever locks writers against each other in one process; a cross-process
// reader also takes the lock so it never observes a half-written line
// from a concurrent append. An unknown session yields no messages.
func (s *FileStore) LoadConversation(ctx context.Context, sessionID string) ([]*convo.Message, error) {
	if _, err := os.Stat(s.dir(sessionID)); os.IsNotExist(err) {
		return nil, nil
	}
	lk, err := lockFile(s.lockPath(sessionID))
	if err != nil {
		return nil, err
	}
	defer lk.unlock()
	return readTranscript(s.convPath(sessionID))
}

func readTranscript(path string) ([]*convo.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []*convo.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg convo.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, fmt.Errorf("sessionstore: corrupt transcript line: %w", err)
		}
		out = append(out, &msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return convo.RepairTranscript(out), nil
}

// TruncateConversation removes every message with CreatedAt after the
// given timestamp, then re-validates tool_request/tool_response pairing
// (spec.md §4.8: "truncate_conversation...re-validate").
func (s *FileStore) TruncateConversation(ctx context.Context, id string, after time.Time) error {
	lk, err := lockFile(s.lockPath(id))
	if err != nil {
		return err
	}
	defer lk.unlock()

	msgs, err := readTranscript(s.convPath(id))
	if err != nil {
		return err
	}
	kept := make([]*convo.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.CreatedAt.After(after) {
			kept = append(kept, m)
		}
	}
	kept = convo.RepairTranscript(kept)
	return rewriteTranscript(s.convPath(id), kept)
}

func rewriteTranscript(path string, msgs []*convo.Message) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, m := range msgs {
		raw, err := json.Marshal(m)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(raw, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Fork creates a new session, optionally copying (and truncating) the
// parent's transcript, per spec.md §4.8's fork semantics:
// truncate=true requires a Timestamp; copy=true snapshots first.
func (s *FileStore) Fork(ctx context.Context, id string, opts ForkOptions) (string, error) {
	if opts.Truncate && opts.Timestamp.IsZero() {
		return "", fmt.Errorf("sessionstore: fork with truncate requires a timestamp")
	}

	parent, err := s.readMeta(id)
	if err != nil {
		return "", err
	}

	child := cloneSession(parent)
	child.ID = uuid.NewString()
	child.ParentID = id
	child.Name = parent.Name + " (fork)"
	now := time.Now()
	child.CreatedAt = now
	child.UpdatedAt = now

	if err := s.CreateSession(ctx, child); err != nil {
		return "", err
	}

	if opts.Copy {
		msgs, err := readTranscript(s.convPath(id))
		if err != nil {
			return "", err
		}
		if opts.Truncate {
			kept := make([]*convo.Message, 0, len(msgs))
			for _, m := range msgs {
				if !m.CreatedAt.After(opts.Timestamp) {
					kept = append(kept, m)
				}
			}
			msgs = convo.RepairTranscript(kept)
		}
		if err := rewriteTranscript(s.convPath(child.ID), msgs); err != nil {
			return "", err
		}
	}

	return child.ID, nil
}

// exportedSession is the on-the-wire shape for Export/Import. Import gives
// the session and each message a fresh id, clears ParentID, and lets
// CreateSession set the session's timestamps; the other fields round-trip.
type exportedSession struct {
	Session *Session         `json:"session"`
	Messages []*convo.Message `json:"messages"`
}

func (s *FileStore) Export(ctx context.Context, id string) ([]byte, error) {
	sess, msgs, err := s.GetSession(ctx, id, true)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(exportedSession{Session: sess, Messages: msgs}, "", "  ")
}

func (s *FileStore) Import(ctx context.Context, data []byte) (string, error) {
	var bundle exportedSession
	if err := json.Unmarshal(data, &bundle); err != nil {
		return "", fmt.Errorf("sessionstore: invalid export bundle: %w", err)
	}
	if bundle.Session == nil {
		return "", fmt.Errorf("sessionstore: export bundle missing session")
	}

	imported := cloneSession(bundle.Session)
	imported.ID = "" // CreateSession mints a fresh id
	imported.ParentID = ""
	if err := s.CreateSession(ctx, imported); err != nil {
		return "", err
	}

	for _, m := range bundle.Messages {
		cp := *m
		cp.ID = uuid.NewString()
		cp.SessionID = imported.ID
		if err := s.AppendMessage(ctx, imported.ID, &cp); err != nil {
			return "", err
		}
	}
	return imported.ID, nil
}

// Search performs a keyword AND-match over every session's message text,
// per spec.md §4.8 ("keyword AND-match over message text; returns hit
// session ids + snippets"). This is a naive full scan — fine for the
// local filesystem backend's expected scale.
func (s *FileStore) Search(ctx context.Context, query string, limit int, after, before *time.Time) ([]SearchHit, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		return nil, err
	}

	var hits []SearchHit
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		msgs, err := readTranscript(s.convPath(e.Name()))
		if err != nil {
			continue
		}
		var snippets []string
		for _, m := range msgs {
			if after != nil && m.CreatedAt.Before(*after) {
				continue
			}
			if before != nil && m.CreatedAt.After(*before) {
				continue
			}
			text := messageText(m)
			lower := strings.ToLower(text)
			matched := true
			for _, t := range terms {
				if !strings.Contains(lower, t) {
					matched = false
					break
				}
			}
			if matched && text != "" {
				snippets = append(snippets, snippet(text, 160))
			}
		}
		if len(snippets) > 0 {
			hits = append(hits, SearchHit{SessionID: e.Name(), Snippets: snippets})
		}
		if limit > 0 && len(hits) >= limit {
			break
		}
	}
	return hits, nil
}

func messageText(m *convo.Message) string {
	var b strings.Builder
	for _, c := range m.Content {
		switch c.Kind {
		case convo.KindText:
			b.WriteString(c.Text)
		case convo.KindToolResponse:
			b.WriteString(c.ToolResultText)
		}
	}
	return b.String()
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

var _ Store = (*FileStore)(nil)
