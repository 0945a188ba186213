package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/access"
	"github.com/MarcoPoloResearchLab/quire/internal/presence"
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	framePresenceUpdate = "presence:update"
	frameCursorMove     = "cursor:move"

	presenceLeaveTimeout = 5 * time.Second
)

// presenceFrame is the inbound envelope and the error reply.
type presenceFrame struct {
	Type    string           `json:"type"`
	NoteID  string           `json:"noteId,omitempty"`
	Cursor  *presence.Cursor `json:"cursor,omitempty"`
	Code    string           `json:"code,omitempty"`
	Message string           `json:"message,omitempty"`
}

// presenceUpdateFrame always carries the participant array, even when empty.
type presenceUpdateFrame struct {
	Type         string                 `json:"type"`
	NoteID       string                 `json:"noteId"`
	Participants []presence.Participant `json:"participants"`
}

// PresenceHub tracks the presence sockets open on each note and pushes the
// participant list to them whenever it changes.
type PresenceHub struct {
	tracker *presence.Tracker
	logger  *zap.Logger

	mu    sync.RWMutex
	notes map[string]map[string]*socket
}

func NewPresenceHub(tracker *presence.Tracker, logger *zap.Logger) *PresenceHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceHub{
		tracker: tracker,
		logger:  logger,
		notes:   make(map[string]map[string]*socket),
	}
}

func (p *PresenceHub) add(noteID string, s *socket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.notes[noteID]; !ok {
		p.notes[noteID] = make(map[string]*socket)
	}
	p.notes[noteID][s.id] = s
}

func (p *PresenceHub) remove(noteID, socketID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sockets := p.notes[noteID]
	if sockets == nil {
		return
	}
	delete(sockets, socketID)
	if len(sockets) == 0 {
		delete(p.notes, noteID)
	}
}

func (p *PresenceHub) sockets(noteID string) []*socket {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*socket, 0, len(p.notes[noteID]))
	for _, s := range p.notes[noteID] {
		out = append(out, s)
	}
	return out
}

// Broadcast sends the current participant list of noteID to every presence
// socket open on it.
func (p *PresenceHub) Broadcast(ctx context.Context, noteID string) {
	targets := p.sockets(noteID)
	if len(targets) == 0 {
		return
	}
	participants, err := p.tracker.ActiveParticipants(ctx, noteID)
	if err != nil {
		p.logger.Error("failed to list participants", zap.String("note_id", noteID), zap.Error(err))
		return
	}
	frame := presenceUpdateFrame{Type: framePresenceUpdate, NoteID: noteID, Participants: participants}
	if frame.Participants == nil {
		frame.Participants = []presence.Participant{}
	}
	for _, target := range targets {
		target.enqueue(frame)
	}
}

// ExpireStale marks participants unseen for staleAfter offline and refreshes
// the affected notes.
func (p *PresenceHub) ExpireStale(ctx context.Context, now time.Time, staleAfter time.Duration) error {
	noteIDs, err := p.tracker.ExpireStale(ctx, now.Add(-staleAfter))
	if err != nil {
		return err
	}
	for _, noteID := range noteIDs {
		p.Broadcast(ctx, noteID)
	}
	return nil
}

// Run expires stale presence every interval until ctx ends. It returns
// immediately when staleAfter is zero.
func (p *PresenceHub) Run(ctx context.Context, interval, staleAfter time.Duration) error {
	if staleAfter <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = staleAfter / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := p.ExpireStale(ctx, now, staleAfter); err != nil {
				p.logger.Error("presence expiry failed", zap.Error(err))
			}
		}
	}
}

func (h *httpHandler) handlePresenceSocket(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	noteID := strings.TrimSpace(c.Query("noteId"))
	participantID := strings.TrimSpace(c.Query("participantId"))
	color := strings.TrimSpace(c.Query("color"))

	if noteID == "" || participantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_parameters"})
		return
	}
	if participantID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "participant_mismatch"})
		return
	}
	if err := (presence.Cursor{Color: color}).Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_color"})
		return
	}
	if err := h.access.Authorize(c.Request.Context(), noteID, access.Viewer{UserID: userID, Email: c.GetString(userEmailContextKey)}); err != nil {
		h.respondError(c, "presence access check failed", err)
		return
	}

	connectionID, err := h.ids.NewID()
	if err != nil {
		h.logger.Error("failed to allocate connection id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Info("presence upgrade rejected", zap.Error(err))
		return
	}
	socketsOpen.WithLabelValues(channelPresence).Inc()
	defer socketsOpen.WithLabelValues(channelPresence).Dec()

	sock := newSocket(connectionID, userID, conn, h.socketConfig, h.logger)
	ctx := c.Request.Context()

	if _, err := h.presence.Join(ctx, noteID, userID, connectionID, color); err != nil {
		sock.logger.Error("presence join failed", zap.String("note_id", noteID), zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "presence unavailable")
		return
	}
	h.presenceHub.add(noteID, sock)
	defer func() {
		h.presenceHub.remove(noteID, sock.id)
		leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceLeaveTimeout)
		defer cancel()
		if _, _, err := h.presence.Leave(leaveCtx, connectionID); err != nil {
			sock.logger.Error("presence leave failed", zap.String("note_id", noteID), zap.Error(err))
		}
		h.presenceHub.Broadcast(leaveCtx, noteID)
	}()
	h.presenceHub.Broadcast(ctx, noteID)

	var onPing func(context.Context)
	if h.socketConfig.TouchPresence {
		onPing = func(ctx context.Context) {
			if err := h.presence.Touch(ctx, connectionID); err != nil {
				sock.logger.Warn("presence touch failed", zap.Error(err))
			}
		}
	}

	sock.serve(ctx, func(ctx context.Context, raw []byte) {
		h.handlePresenceFrame(ctx, sock, noteID, raw)
	}, onPing)
}

func (h *httpHandler) handlePresenceFrame(ctx context.Context, sock *socket, noteID string, raw []byte) {
	var frame presenceFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		sock.enqueue(presenceFrame{Type: frameError, Code: codeBadEnvelope, Message: "invalid JSON"})
		return
	}
	if frame.Type != frameCursorMove || frame.Cursor == nil {
		sock.enqueue(presenceFrame{Type: frameError, Code: codeBadEnvelope, Message: "expected cursor:move with a cursor"})
		return
	}

	_, found, err := h.presence.UpdateCursor(ctx, sock.id, *frame.Cursor)
	switch {
	case errors.Is(err, presence.ErrInvalidCursor):
		sock.enqueue(presenceFrame{Type: frameError, Code: codeBadEnvelope, Message: err.Error()})
		return
	case err != nil:
		sock.logger.Error("cursor update failed", zap.String("note_id", noteID), zap.Error(err))
		sock.enqueue(presenceFrame{Type: frameError, Code: codeInternal, Message: "cursor update failed"})
		return
	case !found:
		// Superseded by a newer connection of the same participant.
		return
	}
	h.presenceHub.Broadcast(ctx, noteID)
}
