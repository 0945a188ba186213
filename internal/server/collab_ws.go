package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/quire/internal/access"
	"github.com/MarcoPoloResearchLab/quire/internal/rooms"
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	frameJoin   = "join"
	frameSync   = "sync"
	frameUpdate = "update"
	frameReset  = "reset"
	frameError  = "error"

	codeNotJoined       = "not_joined"
	codeForbidden       = "forbidden"
	codeNotFound        = "not_found"
	codeMalformedUpdate = "malformed_update"
	codeBadEnvelope     = "bad_envelope"
	codeInternal        = "internal"
)

// collabFrame is the JSON envelope of the collaboration channel. Update
// carries CRDT bytes and travels base64 encoded.
type collabFrame struct {
	Type     string `json:"type"`
	NoteID   string `json:"noteId,omitempty"`
	Update   []byte `json:"update,omitempty"`
	EditorID string `json:"editorId,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

func errorFrame(code, message string) collabFrame {
	return collabFrame{Type: frameError, Code: code, Message: message}
}

// collabSession is one collaboration socket. It joins at most one note at a
// time; noteID is only touched from the read loop.
type collabSession struct {
	*socket
	email  string
	noteID string
}

// Deliver implements rooms.Peer.
func (s *collabSession) Deliver(event rooms.Event) bool {
	return s.enqueue(collabFrame{Type: string(event.Kind), NoteID: event.NoteID, Update: event.Payload})
}

func (h *httpHandler) handleCollabSocket(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	sessionID, err := h.ids.NewID()
	if err != nil {
		h.logger.Error("failed to allocate session id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Info("collaboration upgrade rejected", zap.Error(err))
		return
	}
	socketsOpen.WithLabelValues(channelCollab).Inc()
	defer socketsOpen.WithLabelValues(channelCollab).Dec()

	session := &collabSession{
		socket: newSocket(sessionID, userID, conn, h.socketConfig, h.logger),
		email:  c.GetString(userEmailContextKey),
	}
	defer func() {
		if session.noteID != "" {
			h.rooms.Leave(session.noteID, session.id)
		}
	}()

	session.serve(c.Request.Context(), func(ctx context.Context, raw []byte) {
		h.handleCollabFrame(ctx, session, raw)
	}, nil)
}

func (h *httpHandler) handleCollabFrame(ctx context.Context, session *collabSession, raw []byte) {
	var frame collabFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		session.enqueue(errorFrame(codeBadEnvelope, "invalid JSON"))
		return
	}

	switch frame.Type {
	case frameJoin:
		h.collabJoin(ctx, session, strings.TrimSpace(frame.NoteID))
	case frameUpdate:
		h.collabUpdate(ctx, session, frame)
	default:
		session.enqueue(errorFrame(codeBadEnvelope, "unsupported type: "+frame.Type))
	}
}

func (h *httpHandler) collabJoin(ctx context.Context, session *collabSession, noteID string) {
	if noteID == "" {
		session.enqueue(errorFrame(codeBadEnvelope, "noteId is required"))
		return
	}
	if err := h.access.Authorize(ctx, noteID, access.Viewer{UserID: session.userID, Email: session.email}); err != nil {
		session.enqueue(collabErrorFrame(err))
		if !errors.Is(err, access.ErrAccessDenied) && !errors.Is(err, access.ErrNoteNotFound) {
			session.logger.Error("access check failed", zap.String("note_id", noteID), zap.Error(err))
		}
		return
	}

	if session.noteID != "" && session.noteID != noteID {
		h.rooms.Leave(session.noteID, session.id)
		session.noteID = ""
	}

	state, err := h.rooms.Join(ctx, noteID, rooms.Member{SessionID: session.id, UserID: session.userID, Peer: session})
	if err != nil {
		session.logger.Error("room join failed", zap.String("note_id", noteID), zap.Error(err))
		session.enqueue(collabErrorFrame(err))
		return
	}
	session.noteID = noteID
	session.enqueue(collabFrame{Type: frameSync, NoteID: noteID, Update: state})
}

func (h *httpHandler) collabUpdate(ctx context.Context, session *collabSession, frame collabFrame) {
	noteID := strings.TrimSpace(frame.NoteID)
	if noteID == "" {
		noteID = session.noteID
	}
	if session.noteID == "" || noteID != session.noteID {
		session.enqueue(errorFrame(codeNotJoined, "join the note before sending updates"))
		return
	}
	if len(frame.Update) == 0 {
		session.enqueue(errorFrame(codeBadEnvelope, "update is required"))
		return
	}

	// History is attributed to the authenticated user only.
	if claimed := strings.TrimSpace(frame.EditorID); claimed != "" && claimed != session.userID {
		session.logger.Warn("ignoring editor id that does not match the session",
			zap.String("note_id", noteID),
			zap.String("editor_id", claimed))
	}

	recipients, err := h.rooms.ApplyIncoming(ctx, noteID, session.id, frame.Update, session.userID)
	if err != nil {
		session.enqueue(collabErrorFrame(err))
		return
	}
	event := rooms.Event{Kind: rooms.EventUpdate, NoteID: noteID, Payload: frame.Update}
	for _, member := range recipients {
		if !member.Peer.Deliver(event) {
			session.logger.Debug("update not delivered", zap.String("note_id", noteID), zap.String("recipient", member.SessionID))
		}
	}
}

func collabErrorFrame(err error) collabFrame {
	switch {
	case errors.Is(err, access.ErrAccessDenied):
		return errorFrame(codeForbidden, "access denied")
	case errors.Is(err, access.ErrNoteNotFound):
		return errorFrame(codeNotFound, "note not found")
	case errors.Is(err, rooms.ErrNotJoined):
		return errorFrame(codeNotJoined, "join the note before sending updates")
	case errors.Is(err, rooms.ErrMalformedUpdate):
		return errorFrame(codeMalformedUpdate, "update could not be applied")
	case errors.Is(err, rooms.ErrMissingNoteID):
		return errorFrame(codeBadEnvelope, "noteId is required")
	default:
		return errorFrame(codeInternal, "internal error")
	}
}
