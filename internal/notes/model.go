package notes

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidHistoryID indicates that a history identifier is not positive.
	ErrInvalidHistoryID = errors.New("notes: invalid history id")
	// ErrNoteNotFound indicates that no document row exists for the note id.
	ErrNoteNotFound = errors.New("notes: note not found")
	// ErrHistoryNotFound indicates that no history record exists for the note and history id.
	ErrHistoryNotFound = errors.New("notes: history not found")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// OptionalUserID validates raw input when present. Blank input yields nil.
func OptionalUserID(rawInput string) (*UserID, error) {
	if strings.TrimSpace(rawInput) == "" {
		return nil, nil
	}
	id, err := NewUserID(rawInput)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// HistoryID represents a validated history record identifier.
type HistoryID int64

// NewHistoryID validates the value and returns a HistoryID.
func NewHistoryID(value int64) (HistoryID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidHistoryID, value)
	}
	return HistoryID(value), nil
}

// Int64 exposes the raw identifier.
func (id HistoryID) Int64() int64 {
	return int64(id)
}

// Document is the durable row for a collaborative note. Content is always
// derived from the CRDT state; the two are written together.
type Document struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;default:'';index:idx_notes_owner"`
	TeamID           string `gorm:"column:team_id;size:190;not null;default:'';index:idx_notes_team"`
	Title            string `gorm:"column:title;size:512;not null;default:''"`
	IsPublic         bool   `gorm:"column:is_public;not null;default:false"`
	Content          string `gorm:"column:content;type:text;not null;default:''"`
	CrdtStateB64     string `gorm:"column:crdt_state_b64;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "notes"
}

// HistoryRecord is an immutable snapshot of a note's text with the diff
// against the snapshot before it.
type HistoryRecord struct {
	HistoryID        int64   `gorm:"column:history_id;primaryKey;autoIncrement"`
	NoteID           string  `gorm:"column:note_id;size:190;not null;index:idx_history_note_created,priority:1"`
	EditorID         *string `gorm:"column:editor_id;size:190"`
	Snapshot         string  `gorm:"column:snapshot;type:text;not null"`
	DiffJSON         string  `gorm:"column:diff_json;type:text;not null"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null;index:idx_history_note_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (HistoryRecord) TableName() string {
	return "note_histories"
}

func userIDColumn(id *UserID) *string {
	if id == nil {
		return nil
	}
	value := id.String()
	return &value
}
