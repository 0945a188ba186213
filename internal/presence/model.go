package presence

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultColor is assigned to participants that join without a cursor color.
const DefaultColor = "#00BFFF"

var (
	// ErrMissingNoteID indicates that a presence call named no note.
	ErrMissingNoteID = errors.New("presence: missing note id")
	// ErrMissingParticipantID indicates that a presence call named no participant.
	ErrMissingParticipantID = errors.New("presence: missing participant id")
	// ErrMissingConnectionID indicates that a presence call named no connection.
	ErrMissingConnectionID = errors.New("presence: missing connection id")
	// ErrInvalidCursor indicates a negative position or an unparseable color.
	ErrInvalidCursor = errors.New("presence: invalid cursor")

	colorPattern = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)
)

// Status is the connectivity state of a participant.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Cursor is a caret position in the document text with the color it is drawn in.
type Cursor struct {
	Position int    `json:"position"`
	Color    string `json:"color"`
}

// Validate checks the cursor at the boundary. An empty color is allowed and
// means "keep the current color".
func (c Cursor) Validate() error {
	if c.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidCursor, c.Position)
	}
	if c.Color != "" && !colorPattern.MatchString(c.Color) {
		return fmt.Errorf("%w: color %q", ErrInvalidCursor, c.Color)
	}
	return nil
}

// Record is the durable presence row of one participant on one note.
type Record struct {
	PresenceID      int64  `gorm:"column:presence_id;primaryKey;autoIncrement"`
	NoteID          string `gorm:"column:note_id;size:190;not null;uniqueIndex:idx_presence_note_user,priority:1"`
	UserID          string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_presence_note_user,priority:2"`
	ConnectionID    string `gorm:"column:connection_id;size:64;not null;index:idx_presence_connection"`
	Status          Status `gorm:"column:status;size:16;not null"`
	CursorPosition  int    `gorm:"column:cursor_position;not null;default:0"`
	CursorColor     string `gorm:"column:cursor_color;size:16;not null"`
	LastSeenSeconds int64  `gorm:"column:last_seen_s;not null;index:idx_presence_last_seen"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "note_presences"
}

// Cursor returns the typed cursor of the record.
func (r Record) Cursor() Cursor {
	return Cursor{Position: r.CursorPosition, Color: r.CursorColor}
}

// Participant is an online record decorated with display attributes.
type Participant struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl"`
	Status      Status    `json:"status"`
	Cursor      Cursor    `json:"cursor"`
	LastSeen    time.Time `json:"lastSeen"`
}

func requireID(value string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", sentinel
	}
	return trimmed, nil
}
