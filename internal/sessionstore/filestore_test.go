package sessionstore

import (
	"context"
	"testing"
	"time"

	"github.com/anthropics/agentd/internal/convo"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

func TestCreateAndAppendRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := &Session{Name: "test session"}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected CreateSession to mint an id")
	}

	msg1 := convo.NewMessage(sess.ID, convo.RoleUser, convo.Text("hello"))
	msg2 := convo.NewMessage(sess.ID, convo.RoleAssistant, convo.Text("hi there"))
	if err := store.AppendMessage(ctx, sess.ID, msg1); err != nil {
		t.Fatalf("AppendMessage 1: %v", err)
	}
	if err := store.AppendMessage(ctx, sess.ID, msg2); err != nil {
		t.Fatalf("AppendMessage 2: %v", err)
	}

	_, msgs, err := store.GetSession(ctx, sess.ID, true)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content[0].Text != "hello" || msgs[1].Content[0].Text != "hi there" {
		t.Fatalf("unexpected message content: %+v", msgs)
	}
}

func TestTruncateConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := &Session{}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	old := convo.NewMessage(sess.ID, convo.RoleUser, convo.Text("old"))
	old.CreatedAt = time.Now().Add(-time.Hour)
	recent := convo.NewMessage(sess.ID, convo.RoleUser, convo.Text("recent"))
	recent.CreatedAt = time.Now()

	if err := store.AppendMessage(ctx, sess.ID, old); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if err := store.AppendMessage(ctx, sess.ID, recent); err != nil {
		t.Fatalf("append recent: %v", err)
	}

	cutoff := time.Now().Add(-30 * time.Minute)
	if err := store.TruncateConversation(ctx, sess.ID, cutoff); err != nil {
		t.Fatalf("TruncateConversation: %v", err)
	}

	msgs, err := store.LoadConversation(ctx, sess.ID)
	if err != nil {
		t.Fatalf("LoadConversation: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content[0].Text != "old" {
		t.Fatalf("expected only the pre-cutoff message to survive, got %+v", msgs)
	}
}

func TestForkWithCopyAndTruncate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := &Session{Name: "parent"}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	m1 := convo.NewMessage(sess.ID, convo.RoleUser, convo.Text("first"))
	m1.CreatedAt = time.Now().Add(-time.Hour)
	m2 := convo.NewMessage(sess.ID, convo.RoleUser, convo.Text("second"))
	m2.CreatedAt = time.Now()
	store.AppendMessage(ctx, sess.ID, m1)
	store.AppendMessage(ctx, sess.ID, m2)

	childID, err := store.Fork(ctx, sess.ID, ForkOptions{
		Copy:      true,
		Truncate:  true,
		Timestamp: time.Now().Add(-30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	childMsgs, err := store.LoadConversation(ctx, childID)
	if err != nil {
		t.Fatalf("LoadConversation(child): %v", err)
	}
	if len(childMsgs) != 1 || childMsgs[0].Content[0].Text != "first" {
		t.Fatalf("expected fork to keep only the pre-cutoff message, got %+v", childMsgs)
	}

	parentMsgs, err := store.LoadConversation(ctx, sess.ID)
	if err != nil {
		t.Fatalf("LoadConversation(parent): %v", err)
	}
	if len(parentMsgs) != 2 {
		t.Fatalf("expected parent transcript untouched, got %d messages", len(parentMsgs))
	}
}

func TestForkRequiresTimestampWithTruncate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := &Session{}
	store.CreateSession(ctx, sess)

	if _, err := store.Fork(ctx, sess.ID, ForkOptions{Truncate: true}); err == nil {
		t.Fatal("expected an error when truncating a fork with no timestamp")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := &Session{Name: "exportable"}
	store.CreateSession(ctx, sess)
	store.AppendMessage(ctx, sess.ID, convo.NewMessage(sess.ID, convo.RoleUser, convo.Text("hi")))

	data, err := store.Export(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	newID, err := store.Import(ctx, data)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if newID == sess.ID {
		t.Fatal("expected Import to mint a new session id")
	}

	imported, msgs, err := store.GetSession(ctx, newID, true)
	if err != nil {
		t.Fatalf("GetSession(imported): %v", err)
	}
	if imported.Name != "exportable" {
		t.Fatalf("expected name to round-trip, got %q", imported.Name)
	}
	if len(msgs) != 1 || msgs[0].Content[0].Text != "hi" {
		t.Fatalf("expected messages to round-trip, got %+v", msgs)
	}
}

func TestSearchKeywordAndMatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s1 := &Session{}
	store.CreateSession(ctx, s1)
	store.AppendMessage(ctx, s1.ID, convo.NewMessage(s1.ID, convo.RoleUser, convo.Text("deploy the rocket engine")))

	s2 := &Session{}
	store.CreateSession(ctx, s2)
	store.AppendMessage(ctx, s2.ID, convo.NewMessage(s2.ID, convo.RoleUser, convo.Text("bake a rocket shaped cake")))

	hits, err := store.Search(ctx, "rocket deploy", 10, nil, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].SessionID != s1.ID {
		t.Fatalf("expected only s1 to match both terms, got %+v", hits)
	}
}
