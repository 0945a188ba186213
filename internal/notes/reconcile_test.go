package notes

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/quire/internal/crdt"
	"github.com/MarcoPoloResearchLab/quire/internal/crdt/crdttest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func editedState(t *testing.T, service *Service, noteID NoteID, pos, del int, insert string) []byte {
	t.Helper()
	base, err := service.LoadState(context.Background(), noteID)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	update := crdttest.NewClient(t, base).Splice(pos, del, insert)
	merged, err := crdt.Merge(base, update)
	if err != nil {
		t.Fatalf("failed to merge update: %v", err)
	}
	return merged
}

func TestReconcileAppendsHistoryWithSemanticDiff(t *testing.T) {
	service := newTestService(t, ServiceConfig{})
	noteID := createTestDocument(t, service, "note-hello", "Hello")
	editor := mustUserID(t, "user-a")

	state := editedState(t, service, noteID, 5, 0, " world")
	result, err := service.Reconcile(context.Background(), noteID, state, &editor)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if !result.Changed || result.HistoryID <= 0 {
		t.Fatalf("expected a new history record, got %+v", result)
	}

	document, err := service.GetDocument(context.Background(), noteID)
	if err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	if document.Content != "Hello world" {
		t.Fatalf("expected content to be updated, got %q", document.Content)
	}
	storedText, err := crdt.DecodeText(mustDecodeState(t, document.CrdtStateB64))
	if err != nil || storedText != document.Content {
		t.Fatalf("expected stored state to match content, got %q (%v)", storedText, err)
	}

	history, err := service.ListHistory(context.Background(), noteID, 10)
	if err != nil {
		t.Fatalf("list history failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one history entry, got %d", len(history))
	}
	entry := history[0]
	if entry.Snapshot != "Hello world" {
		t.Fatalf("unexpected snapshot %q", entry.Snapshot)
	}
	if entry.EditorID == nil || *entry.EditorID != "user-a" {
		t.Fatalf("expected editor user-a, got %v", entry.EditorID)
	}
	expectedDiff := []DiffSegment{
		{Type: DiffEqual, Text: "Hello"},
		{Type: DiffInsert, Text: " world"},
	}
	if !reflect.DeepEqual(entry.Diff, expectedDiff) {
		t.Fatalf("unexpected diff %+v", entry.Diff)
	}
}

func TestReconcileSuppressesWhitespaceOnlyChanges(t *testing.T) {
	service := newTestService(t, ServiceConfig{})
	noteID := createTestDocument(t, service, "note-noop", "Hello")

	unchanged, err := service.LoadState(context.Background(), noteID)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	padded := editedState(t, service, noteID, 5, 0, "   \n")

	for name, state := range map[string][]byte{"unchanged": unchanged, "trailing whitespace": padded} {
		result, err := service.Reconcile(context.Background(), noteID, state, nil)
		if err != nil {
			t.Fatalf("%s: reconcile failed: %v", name, err)
		}
		if result.Changed {
			t.Fatalf("%s: expected no change", name)
		}
	}

	history, err := service.ListHistory(context.Background(), noteID, 10)
	if err != nil {
		t.Fatalf("list history failed: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected no history records, got %d", len(history))
	}
	document, err := service.GetDocument(context.Background(), noteID)
	if err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	if document.Content != "Hello" {
		t.Fatalf("expected content to stay unchanged, got %q", document.Content)
	}
}

func TestReconcileMissingDocument(t *testing.T) {
	service := newTestService(t, ServiceConfig{})
	state := crdttest.Seed(t, "orphan")

	_, err := service.Reconcile(context.Background(), mustNoteID(t, "missing"), state, nil)
	if !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("expected ErrNoteNotFound, got %v", err)
	}
}

func TestReconcileRejectsCorruptState(t *testing.T) {
	service := newTestService(t, ServiceConfig{})
	noteID := createTestDocument(t, service, "note-corrupt", "Hello")

	_, err := service.Reconcile(context.Background(), noteID, []byte("not a state"), nil)
	if !errors.Is(err, ErrInvalidCrdtState) {
		t.Fatalf("expected ErrInvalidCrdtState, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "notes.reconcile.state_decode_failed" {
		t.Fatalf("unexpected error code: %v", err)
	}
}

func TestReconcileInvokesMentionScannerOnlyOnChange(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	scanner := &recordingScanner{err: errors.New("sink offline")}
	service := newTestService(t, ServiceConfig{Logger: zap.New(core), Mentions: scanner})
	noteID := createTestDocument(t, service, "note-mentions", "hi")

	unchanged, err := service.LoadState(context.Background(), noteID)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if _, err := service.Reconcile(context.Background(), noteID, unchanged, nil); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if len(scanner.calls) != 0 {
		t.Fatalf("expected no scan for unchanged text")
	}

	state := editedState(t, service, noteID, 2, 0, " @bob")
	result, err := service.Reconcile(context.Background(), noteID, state, nil)
	if err != nil {
		t.Fatalf("scanner failure must not fail reconcile: %v", err)
	}
	if !result.Changed {
		t.Fatalf("expected change")
	}
	if len(scanner.calls) != 1 || scanner.calls[0] != "hi @bob" {
		t.Fatalf("unexpected scanner calls %v", scanner.calls)
	}
	if logs.FilterField(zap.String("reason", "mention_scan_failed")).Len() != 1 {
		t.Fatalf("expected scanner failure to be logged")
	}
}

func TestListHistoryOrdersNewestFirst(t *testing.T) {
	service := newTestService(t, ServiceConfig{})
	noteID := createTestDocument(t, service, "note-order", "")

	texts := []string{"one", "one two", "one two three"}
	state, err := service.LoadState(context.Background(), noteID)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	client := crdttest.NewClient(t, state)
	previous := ""
	for _, text := range texts {
		update := client.Splice(len(previous), 0, text[len(previous):])
		previous = text
		state, err = crdt.Merge(state, update)
		if err != nil {
			t.Fatalf("merge failed: %v", err)
		}
		if _, err := service.Reconcile(context.Background(), noteID, state, nil); err != nil {
			t.Fatalf("reconcile failed: %v", err)
		}
	}

	history, err := service.ListHistory(context.Background(), noteID, 0)
	if err != nil {
		t.Fatalf("list history failed: %v", err)
	}
	if len(history) != len(texts) {
		t.Fatalf("expected %d records, got %d", len(texts), len(history))
	}
	for index := 1; index < len(history); index++ {
		if history[index].CreatedAt.After(history[index-1].CreatedAt) {
			t.Fatalf("history not ordered by creation time: %+v", history)
		}
	}
	if history[0].Snapshot != "one two three" || history[2].Snapshot != "one" {
		t.Fatalf("unexpected order %q, %q", history[0].Snapshot, history[2].Snapshot)
	}
	if history[2].EditorID != nil {
		t.Fatalf("expected system snapshot without editor")
	}

	limited, err := service.ListHistory(context.Background(), noteID, 2)
	if err != nil {
		t.Fatalf("list history failed: %v", err)
	}
	if len(limited) != 2 || limited[0].HistoryID != history[0].HistoryID {
		t.Fatalf("unexpected limited history %+v", limited)
	}
}

func mustDecodeState(t *testing.T, raw string) []byte {
	t.Helper()
	state, err := CrdtStateBase64(raw).Bytes()
	if err != nil {
		t.Fatalf("failed to decode state: %v", err)
	}
	return state
}
