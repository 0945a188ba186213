package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/access"
	"github.com/MarcoPoloResearchLab/quire/internal/auth"
	"github.com/MarcoPoloResearchLab/quire/internal/notes"
	"github.com/MarcoPoloResearchLab/quire/internal/presence"
	"github.com/MarcoPoloResearchLab/quire/internal/rooms"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "quire_user_id"
	userEmailContextKey = "quire_user_email"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingNotesService     = errors.New("notes service dependency required")
	errMissingAccessGate       = errors.New("access gate dependency required")
	errMissingRoomRegistry     = errors.New("room registry dependency required")
	errMissingPresenceTracker  = errors.New("presence tracker dependency required")
)

// SessionValidator authenticates a request from its session token.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps session claims to the canonical user id.
type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

type Dependencies struct {
	Sessions        SessionValidator
	Users           UserResolver
	NotesService    *notes.Service
	Access          *access.Gate
	Rooms           *rooms.Registry
	Presence        *presence.Tracker
	PresenceHub     *PresenceHub
	Notifications   *NotificationDispatcher
	IDs             IDProvider
	Logger          *zap.Logger
	AllowedOrigins  []string
	WebSocket       WebSocketConfig
	StreamHeartbeat time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}
	if deps.Access == nil {
		return nil, errMissingAccessGate
	}
	if deps.Rooms == nil {
		return nil, errMissingRoomRegistry
	}
	if deps.Presence == nil {
		return nil, errMissingPresenceTracker
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	presenceHub := deps.PresenceHub
	if presenceHub == nil {
		presenceHub = NewPresenceHub(deps.Presence, logger)
	}
	notifications := deps.Notifications
	if notifications == nil {
		notifications = NewNotificationDispatcher()
	}
	ids := deps.IDs
	if ids == nil {
		ids = NewUUIDProvider()
	}
	streamHeartbeat := deps.StreamHeartbeat
	if streamHeartbeat <= 0 {
		streamHeartbeat = defaultStreamHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:        deps.Sessions,
		users:           deps.Users,
		notesService:    deps.NotesService,
		access:          deps.Access,
		rooms:           deps.Rooms,
		presence:        deps.Presence,
		presenceHub:     presenceHub,
		notifications:   notifications,
		ids:             ids,
		logger:          logger,
		socketConfig:    deps.WebSocket.withDefaults(),
		originPatterns:  originPatterns(deps.AllowedOrigins),
		streamHeartbeat: streamHeartbeat,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/notes", handler.handleCreateNote)
	protected.GET("/notes/:noteId/history", handler.handleListHistory)
	protected.POST("/notes/:noteId/restore", handler.handleRestore)
	protected.GET("/notes/:noteId/presence", handler.handleListPresence)
	protected.POST("/notes/:noteId/collaborators", handler.handleAddCollaborator)
	protected.GET("/notifications/stream", handler.handleNotificationStream)
	protected.GET("/ws/notes", handler.handleCollabSocket)
	protected.GET("/ws/presence", handler.handlePresenceSocket)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	wildcard := len(allowedOrigins) == 0
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			wildcard = true
		}
		if origin != "" {
			origins = append(origins, origin)
		}
	}
	if wildcard || len(origins) == 0 {
		// Credentials rule out "*", so any origin is reflected instead.
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	sessions        SessionValidator
	users           UserResolver
	notesService    *notes.Service
	access          *access.Gate
	rooms           *rooms.Registry
	presence        *presence.Tracker
	presenceHub     *PresenceHub
	notifications   *NotificationDispatcher
	ids             IDProvider
	logger          *zap.Logger
	socketConfig    WebSocketConfig
	originPatterns  []string
	streamHeartbeat time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("failed to resolve user identity", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_failed"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Set(userEmailContextKey, strings.TrimSpace(claims.UserEmail))
	c.Next()
}

func (h *httpHandler) viewer(c *gin.Context) access.Viewer {
	return access.Viewer{UserID: c.GetString(userIDContextKey), Email: c.GetString(userEmailContextKey)}
}

type createNoteRequest struct {
	NoteID   string `json:"note_id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	IsPublic bool   `json:"is_public"`
	TeamID   string `json:"team_id"`
}

type noteResponse struct {
	NoteID    string    `json:"note_id"`
	OwnerID   string    `json:"owner_id"`
	TeamID    string    `json:"team_id,omitempty"`
	Title     string    `json:"title"`
	IsPublic  bool      `json:"is_public"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	var request createNoteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	rawNoteID := strings.TrimSpace(request.NoteID)
	if rawNoteID == "" {
		generated, err := h.ids.NewID()
		if err != nil {
			h.logger.Error("failed to allocate note id", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
			return
		}
		rawNoteID = generated
	}
	noteID, err := notes.NewNoteID(rawNoteID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return
	}
	ownerID, err := notes.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	document, err := h.notesService.CreateDocument(c.Request.Context(), notes.DocumentInput{
		NoteID:   noteID,
		OwnerID:  ownerID,
		TeamID:   strings.TrimSpace(request.TeamID),
		Title:    strings.TrimSpace(request.Title),
		IsPublic: request.IsPublic,
		Content:  request.Content,
	})
	if err != nil {
		h.respondError(c, "create_failed", err)
		return
	}
	c.JSON(http.StatusCreated, noteResponse{
		NoteID:    document.NoteID,
		OwnerID:   document.OwnerID,
		TeamID:    document.TeamID,
		Title:     document.Title,
		IsPublic:  document.IsPublic,
		Content:   document.Content,
		CreatedAt: time.Unix(document.CreatedAtSeconds, 0).UTC(),
		UpdatedAt: time.Unix(document.UpdatedAtSeconds, 0).UTC(),
	})
}

// authorizedNote parses the :noteId path parameter and runs the access gate.
// It writes the error response and reports false when the request must stop.
func (h *httpHandler) authorizedNote(c *gin.Context) (notes.NoteID, bool) {
	noteID, err := notes.NewNoteID(c.Param("noteId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return "", false
	}
	if err := h.access.Authorize(c.Request.Context(), noteID.String(), h.viewer(c)); err != nil {
		h.respondError(c, "access_check_failed", err)
		return "", false
	}
	return noteID, true
}

func (h *httpHandler) handleListHistory(c *gin.Context) {
	limit := 0
	if rawLimit := strings.TrimSpace(c.Query("limit")); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	noteID, ok := h.authorizedNote(c)
	if !ok {
		return
	}

	entries, err := h.notesService.ListHistory(c.Request.Context(), noteID, limit)
	if err != nil {
		h.respondError(c, "history_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"note_id": noteID.String(), "history": entries})
}

type restoreRequest struct {
	HistoryID int64 `json:"history_id"`
}

func (h *httpHandler) handleRestore(c *gin.Context) {
	var request restoreRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	historyID, err := notes.NewHistoryID(request.HistoryID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_history_id"})
		return
	}
	noteID, ok := h.authorizedNote(c)
	if !ok {
		return
	}
	restorerID, err := notes.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	// Restore on the note's reconcile queue so no reconcile of the replaced
	// state lands after it.
	var result notes.RestoreResult
	err = h.rooms.Ordered(c.Request.Context(), noteID.String(), func(ctx context.Context) error {
		restored, restoreErr := h.notesService.Restore(ctx, noteID, historyID, &restorerID)
		if restoreErr != nil {
			return restoreErr
		}
		result = restored
		h.resetRoom(noteID.String(), restored.State)
		return nil
	})
	if err != nil {
		h.respondError(c, "restore_failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     result.Success,
		"restored_at": result.RestoredAt,
		"content":     result.Content,
	})
}

// resetRoom swaps the restored state into a resident room and tells every
// member to replace its replica.
func (h *httpHandler) resetRoom(noteID string, state []byte) {
	if len(state) == 0 {
		return
	}
	members, err := h.rooms.Reset(noteID, state)
	if err != nil {
		h.logger.Error("failed to reset room after restore", zap.String("note_id", noteID), zap.Error(err))
		return
	}
	event := rooms.Event{Kind: rooms.EventReset, NoteID: noteID, Payload: state}
	for _, member := range members {
		member.Peer.Deliver(event)
	}
}

func (h *httpHandler) handleListPresence(c *gin.Context) {
	noteID, ok := h.authorizedNote(c)
	if !ok {
		return
	}
	participants, err := h.presence.ActiveParticipants(c.Request.Context(), noteID.String())
	if err != nil {
		h.respondError(c, "presence_failed", err)
		return
	}
	if participants == nil {
		participants = []presence.Participant{}
	}
	c.JSON(http.StatusOK, gin.H{"note_id": noteID.String(), "participants": participants})
}

type addCollaboratorRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (h *httpHandler) handleAddCollaborator(c *gin.Context) {
	var request addCollaboratorRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	noteID, err := notes.NewNoteID(c.Param("noteId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return
	}

	ownerID, err := h.access.OwnerOf(c.Request.Context(), noteID.String())
	if err != nil {
		h.respondError(c, "collaborator_failed", err)
		return
	}
	viewer := h.viewer(c)
	if ownerID != viewer.UserID && (viewer.Email == "" || !strings.EqualFold(ownerID, viewer.Email)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	role := access.Role(strings.ToLower(strings.TrimSpace(request.Role)))
	if role == "" {
		role = access.RoleEditor
	}
	added, err := h.access.AddCollaborator(c.Request.Context(), noteID.String(), request.UserID, role)
	if err != nil {
		h.respondError(c, "collaborator_failed", err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"note_id": noteID.String(), "added": added})
}

// respondError maps domain errors onto HTTP statuses. Unclassified errors
// answer 500 with fallback and are logged.
func (h *httpHandler) respondError(c *gin.Context, fallback string, err error) {
	status, reason := classifyError(err)
	if status == http.StatusInternalServerError {
		reason = fallback
		h.logger.Error("request failed", zap.String("reason", fallback), zap.String("path", c.FullPath()), zap.Error(err))
	}
	body := gin.H{"error": reason}
	var serviceErr *notes.ServiceError
	if errors.As(err, &serviceErr) && serviceErr.Code() != "" {
		body["code"] = serviceErr.Code()
	}
	c.JSON(status, body)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, access.ErrAccessDenied):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, access.ErrNoteNotFound), errors.Is(err, notes.ErrNoteNotFound):
		return http.StatusNotFound, "note_not_found"
	case errors.Is(err, notes.ErrHistoryNotFound):
		return http.StatusNotFound, "history_not_found"
	case errors.Is(err, notes.ErrNoteExists):
		return http.StatusConflict, "note_exists"
	case errors.Is(err, notes.ErrInvalidNoteID):
		return http.StatusBadRequest, "invalid_note_id"
	case errors.Is(err, notes.ErrInvalidUserID):
		return http.StatusBadRequest, "invalid_user_id"
	case errors.Is(err, notes.ErrInvalidHistoryID):
		return http.StatusBadRequest, "invalid_history_id"
	case errors.Is(err, access.ErrInvalidRole):
		return http.StatusBadRequest, "invalid_role"
	case errors.Is(err, access.ErrMissingCollaborator):
		return http.StatusBadRequest, "missing_collaborator"
	case errors.Is(err, presence.ErrMissingNoteID):
		return http.StatusBadRequest, "invalid_note_id"
	default:
		return http.StatusInternalServerError, ""
	}
}
