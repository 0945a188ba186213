package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/access"
	"github.com/MarcoPoloResearchLab/quire/internal/auth"
	"github.com/MarcoPoloResearchLab/quire/internal/database"
	"github.com/MarcoPoloResearchLab/quire/internal/mentions"
	"github.com/MarcoPoloResearchLab/quire/internal/notes"
	"github.com/MarcoPoloResearchLab/quire/internal/presence"
	"github.com/MarcoPoloResearchLab/quire/internal/rooms"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "quire_session"
	testFrameTimeout  = 5 * time.Second
)

type testStack struct {
	handler       http.Handler
	db            *gorm.DB
	issuer        *auth.TokenIssuer
	notes         *notes.Service
	gate          *access.Gate
	registry      *rooms.Registry
	tracker       *presence.Tracker
	notifications *NotificationDispatcher
}

func newTestStack(testContext *testing.T) *testStack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.ReplaceAll(testContext.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db, nil); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build user service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to build session validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}

	dispatcher := NewNotificationDispatcher()
	scanner, err := mentions.NewScanner(mentions.ScannerConfig{Database: db, Users: userService, Notifier: dispatcher})
	if err != nil {
		testContext.Fatalf("failed to build mention scanner: %v", err)
	}
	noteService, err := notes.NewService(notes.ServiceConfig{Database: db, Mentions: scanner})
	if err != nil {
		testContext.Fatalf("failed to build notes service: %v", err)
	}
	gate, err := access.NewGate(access.GateConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build access gate: %v", err)
	}
	registry, err := rooms.NewRegistry(rooms.Config{Seeder: noteService, Reconciler: noteService})
	if err != nil {
		testContext.Fatalf("failed to build room registry: %v", err)
	}
	testContext.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Close(ctx)
	})
	tracker, err := presence.NewTracker(presence.TrackerConfig{Database: db, Profiles: userService})
	if err != nil {
		testContext.Fatalf("failed to build presence tracker: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:      validator,
		Users:         userService,
		NotesService:  noteService,
		Access:        gate,
		Rooms:         registry,
		Presence:      tracker,
		Notifications: dispatcher,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct http handler: %v", err)
	}

	return &testStack{
		handler:       handler,
		db:            db,
		issuer:        issuer,
		notes:         noteService,
		gate:          gate,
		registry:      registry,
		tracker:       tracker,
		notifications: dispatcher,
	}
}

func (s *testStack) token(testContext *testing.T, userID string) string {
	testContext.Helper()
	token, _, err := s.issuer.Issue(auth.SessionIdentity{
		UserID:      userID,
		Email:       userID + "@example.com",
		UserName:    userID,
		DisplayName: strings.ToUpper(userID[:1]) + userID[1:],
	})
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testStack) createNote(testContext *testing.T, noteID, ownerID, content string) {
	testContext.Helper()
	_, err := s.notes.CreateDocument(context.Background(), notes.DocumentInput{
		NoteID:  notes.NoteID(noteID),
		OwnerID: notes.UserID(ownerID),
		Content: content,
	})
	if err != nil {
		testContext.Fatalf("failed to create note: %v", err)
	}
}

// do runs a request through the handler with the bearer token of userID.
// An empty userID sends no credentials.
func (s *testStack) do(testContext *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	testContext.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			testContext.Fatalf("failed to encode body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &payload)
	request.Header.Set("Content-Type", "application/json")
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+s.token(testContext, userID))
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(testContext *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	testContext.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func (s *testStack) serve(testContext *testing.T) *httptest.Server {
	testContext.Helper()
	server := httptest.NewServer(s.handler)
	testContext.Cleanup(server.Close)
	return server
}

func dialSocket(testContext *testing.T, server *httptest.Server, path, token string) *websocket.Conn {
	testContext.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testFrameTimeout)
	defer cancel()
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path + separator + auth.AccessTokenQueryParam + "=" + token
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		testContext.Fatalf("failed to dial %s: %v", path, err)
	}
	testContext.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func writeFrame(testContext *testing.T, conn *websocket.Conn, frame any) {
	testContext.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testFrameTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		testContext.Fatalf("failed to write frame: %v", err)
	}
}

func readCollabFrame(testContext *testing.T, conn *websocket.Conn) collabFrame {
	testContext.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testFrameTimeout)
	defer cancel()
	var frame collabFrame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		testContext.Fatalf("failed to read frame: %v", err)
	}
	return frame
}

// presenceReply decodes any frame the presence channel sends.
type presenceReply struct {
	Type         string                 `json:"type"`
	NoteID       string                 `json:"noteId"`
	Participants []presence.Participant `json:"participants"`
	Code         string                 `json:"code"`
	Message      string                 `json:"message"`
}

func readPresenceFrame(testContext *testing.T, conn *websocket.Conn) presenceReply {
	testContext.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testFrameTimeout)
	defer cancel()
	var frame presenceReply
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		testContext.Fatalf("failed to read frame: %v", err)
	}
	return frame
}
