package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/quire/internal/access"
	"github.com/MarcoPoloResearchLab/quire/internal/crdt/crdttest"
	"github.com/MarcoPoloResearchLab/quire/internal/notes"
)

func TestHealthAndMetricsArePublic(testContext *testing.T) {
	stack := newTestStack(testContext)

	if recorder := stack.do(testContext, http.MethodGet, "/healthz", "", nil); recorder.Code != http.StatusOK {
		testContext.Fatalf("expected health ok, got %d", recorder.Code)
	}
	if recorder := stack.do(testContext, http.MethodGet, "/metrics", "", nil); recorder.Code != http.StatusOK {
		testContext.Fatalf("expected metrics ok, got %d", recorder.Code)
	}
	if recorder := stack.do(testContext, http.MethodGet, "/notes/n1/history", "", nil); recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected unauthorized without a session, got %d", recorder.Code)
	}
}

func TestCreateNote(testContext *testing.T) {
	stack := newTestStack(testContext)

	recorder := stack.do(testContext, http.MethodPost, "/notes", "alice", map[string]any{
		"note_id": "n1",
		"title":   "Groceries",
		"content": "milk",
	})
	if recorder.Code != http.StatusCreated {
		testContext.Fatalf("expected created, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(testContext, recorder)
	if payload["owner_id"] != "alice" || payload["content"] != "milk" || payload["title"] != "Groceries" {
		testContext.Fatalf("unexpected note payload %v", payload)
	}

	state, err := stack.notes.LoadState(context.Background(), notes.NoteID("n1"))
	if err != nil || len(state) == 0 {
		testContext.Fatalf("expected seeded state, got %d bytes (%v)", len(state), err)
	}

	recorder = stack.do(testContext, http.MethodPost, "/notes", "alice", map[string]any{"note_id": "n1"})
	if recorder.Code != http.StatusConflict {
		testContext.Fatalf("expected conflict for duplicate note, got %d", recorder.Code)
	}
	if decodeBody(testContext, recorder)["error"] != "note_exists" {
		testContext.Fatalf("unexpected duplicate body %s", recorder.Body.String())
	}

	recorder = stack.do(testContext, http.MethodPost, "/notes", "alice", map[string]any{"title": "untitled"})
	if recorder.Code != http.StatusCreated {
		testContext.Fatalf("expected generated note id, got %d", recorder.Code)
	}
	if generated, _ := decodeBody(testContext, recorder)["note_id"].(string); generated == "" {
		testContext.Fatalf("expected a generated note id")
	}
}

func TestHistoryEndpointEnforcesAccess(testContext *testing.T) {
	stack := newTestStack(testContext)
	stack.createNote(testContext, "n1", "alice", "Hello")

	testCases := []struct {
		name       string
		path       string
		userID     string
		wantStatus int
		wantError  string
	}{
		{name: "owner", path: "/notes/n1/history", userID: "alice", wantStatus: http.StatusOK},
		{name: "stranger", path: "/notes/n1/history", userID: "mallory", wantStatus: http.StatusForbidden, wantError: "forbidden"},
		{name: "missing note", path: "/notes/missing/history", userID: "alice", wantStatus: http.StatusNotFound, wantError: "note_not_found"},
		{name: "bad limit", path: "/notes/n1/history?limit=abc", userID: "alice", wantStatus: http.StatusBadRequest, wantError: "invalid_limit"},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			recorder := stack.do(t, http.MethodGet, testCase.path, testCase.userID, nil)
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected %d, got %d: %s", testCase.wantStatus, recorder.Code, recorder.Body.String())
			}
			if testCase.wantError != "" && decodeBody(t, recorder)["error"] != testCase.wantError {
				t.Fatalf("unexpected body %s", recorder.Body.String())
			}
		})
	}
}

func TestHistoryListsNewestFirst(testContext *testing.T) {
	stack := newTestStack(testContext)
	stack.createNote(testContext, "n1", "alice", "Hello")

	editor := notes.UserID("alice")
	for _, text := range []string{"Hello world", "Hello world!"} {
		if _, err := stack.notes.Reconcile(context.Background(), notes.NoteID("n1"), crdttest.Seed(testContext, text), &editor); err != nil {
			testContext.Fatalf("reconcile failed: %v", err)
		}
	}

	recorder := stack.do(testContext, http.MethodGet, "/notes/n1/history?limit=1", "alice", nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected ok, got %d", recorder.Code)
	}
	history, _ := decodeBody(testContext, recorder)["history"].([]any)
	if len(history) != 1 {
		testContext.Fatalf("expected one entry, got %v", history)
	}
	newest, _ := history[0].(map[string]any)
	if newest["snapshot"] != "Hello world!" {
		testContext.Fatalf("expected newest snapshot first, got %v", newest)
	}
}

func TestRestoreEndpoint(testContext *testing.T) {
	stack := newTestStack(testContext)
	stack.createNote(testContext, "n1", "alice", "v1")

	editor := notes.UserID("alice")
	first, err := stack.notes.Reconcile(context.Background(), notes.NoteID("n1"), crdttest.Seed(testContext, "v2"), &editor)
	if err != nil {
		testContext.Fatalf("reconcile failed: %v", err)
	}
	if _, err := stack.notes.Reconcile(context.Background(), notes.NoteID("n1"), crdttest.Seed(testContext, "v3"), &editor); err != nil {
		testContext.Fatalf("reconcile failed: %v", err)
	}

	recorder := stack.do(testContext, http.MethodPost, "/notes/n1/restore", "alice", map[string]any{"history_id": first.HistoryID})
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected ok, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(testContext, recorder)
	if payload["success"] != true || payload["content"] != "v2" {
		testContext.Fatalf("unexpected restore payload %v", payload)
	}

	document, err := stack.notes.GetDocument(context.Background(), notes.NoteID("n1"))
	if err != nil || document.Content != "v2" {
		testContext.Fatalf("expected restored content, got %q (%v)", document.Content, err)
	}

	recorder = stack.do(testContext, http.MethodPost, "/notes/n1/restore", "alice", map[string]any{"history_id": 9999})
	if recorder.Code != http.StatusNotFound {
		testContext.Fatalf("expected not found for unknown history, got %d", recorder.Code)
	}
	body := decodeBody(testContext, recorder)
	if body["error"] != "history_not_found" || body["code"] != "notes.restore.history_not_found" {
		testContext.Fatalf("unexpected body %v", body)
	}

	recorder = stack.do(testContext, http.MethodPost, "/notes/n1/restore", "alice", map[string]any{"history_id": 0})
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad request for zero history id, got %d", recorder.Code)
	}
	recorder = stack.do(testContext, http.MethodPost, "/notes/n1/restore", "mallory", map[string]any{"history_id": first.HistoryID})
	if recorder.Code != http.StatusForbidden {
		testContext.Fatalf("expected forbidden for stranger, got %d", recorder.Code)
	}
}

func TestAddCollaboratorRequiresOwner(testContext *testing.T) {
	stack := newTestStack(testContext)
	stack.createNote(testContext, "n1", "alice", "Hello")

	recorder := stack.do(testContext, http.MethodPost, "/notes/n1/collaborators", "bob", map[string]any{"user_id": "bob"})
	if recorder.Code != http.StatusForbidden {
		testContext.Fatalf("expected forbidden for non-owner, got %d", recorder.Code)
	}

	recorder = stack.do(testContext, http.MethodPost, "/notes/n1/collaborators", "alice", map[string]any{"user_id": "Bob@Example.com", "role": "viewer"})
	if recorder.Code != http.StatusCreated {
		testContext.Fatalf("expected created, got %d: %s", recorder.Code, recorder.Body.String())
	}
	recorder = stack.do(testContext, http.MethodPost, "/notes/n1/collaborators", "alice", map[string]any{"user_id": "bob@example.com"})
	if recorder.Code != http.StatusOK || decodeBody(testContext, recorder)["added"] != false {
		testContext.Fatalf("expected idempotent grant, got %d: %s", recorder.Code, recorder.Body.String())
	}
	recorder = stack.do(testContext, http.MethodPost, "/notes/n1/collaborators", "alice", map[string]any{"user_id": "carol", "role": "admin"})
	if recorder.Code != http.StatusBadRequest || decodeBody(testContext, recorder)["error"] != "invalid_role" {
		testContext.Fatalf("expected invalid role, got %d: %s", recorder.Code, recorder.Body.String())
	}
	recorder = stack.do(testContext, http.MethodPost, "/notes/missing/collaborators", "alice", map[string]any{"user_id": "carol"})
	if recorder.Code != http.StatusNotFound {
		testContext.Fatalf("expected not found, got %d", recorder.Code)
	}

	if err := stack.gate.Authorize(context.Background(), "n1", access.Viewer{UserID: "bob", Email: "bob@example.com"}); err != nil {
		testContext.Fatalf("expected collaborator access, got %v", err)
	}
	recorder = stack.do(testContext, http.MethodGet, "/notes/n1/history", "bob", nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected collaborator to read history, got %d", recorder.Code)
	}
}

func TestPresenceEndpointListsOnlineParticipants(testContext *testing.T) {
	stack := newTestStack(testContext)
	stack.createNote(testContext, "n1", "alice", "")

	// Authenticating registers the profile the participant list is decorated with.
	stack.do(testContext, http.MethodGet, "/notes/n1/presence", "alice", nil)
	if _, err := stack.tracker.Join(context.Background(), "n1", "alice", "conn-1", "#ff0000"); err != nil {
		testContext.Fatalf("join failed: %v", err)
	}

	recorder := stack.do(testContext, http.MethodGet, "/notes/n1/presence", "alice", nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected ok, got %d", recorder.Code)
	}
	participants, _ := decodeBody(testContext, recorder)["participants"].([]any)
	if len(participants) != 1 {
		testContext.Fatalf("expected one participant, got %v", participants)
	}
	participant, _ := participants[0].(map[string]any)
	if participant["userId"] != "alice" || participant["displayName"] != "Alice" || participant["status"] != "online" {
		testContext.Fatalf("unexpected participant %s", fmt.Sprint(participant))
	}
}
