// Package access decides whether a viewer may open a note.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/quire/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNoteNotFound indicates that the note does not exist.
	ErrNoteNotFound = errors.New("access: note not found")
	// ErrAccessDenied indicates that the viewer may not open the note.
	ErrAccessDenied = errors.New("access: access denied")
	// ErrInvalidRole indicates an unknown collaborator role.
	ErrInvalidRole = errors.New("access: invalid role")
	// ErrMissingCollaborator indicates an empty collaborator identifier.
	ErrMissingCollaborator = errors.New("access: missing collaborator")
)

// Role is the permission level of a collaborator.
type Role string

const (
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Collaborator grants a user, named by id or email, access to a note.
type Collaborator struct {
	NoteID string `gorm:"column:note_id;primaryKey;size:190;not null"`
	UserID string `gorm:"column:user_id;primaryKey;size:320;not null"`
	Role   Role   `gorm:"column:role;size:16;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Collaborator) TableName() string {
	return "note_collaborators"
}

// TeamMember records membership of a user in a team.
type TeamMember struct {
	TeamID string `gorm:"column:team_id;primaryKey;size:190;not null"`
	UserID string `gorm:"column:user_id;primaryKey;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TeamMember) TableName() string {
	return "team_members"
}

// Viewer identifies who is asking. Either field may be empty.
type Viewer struct {
	UserID string
	Email  string
}

func (v Viewer) anonymous() bool {
	return strings.TrimSpace(v.UserID) == "" && strings.TrimSpace(v.Email) == ""
}

type GateConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Gate evaluates note access rules against the notes, collaborator and team tables.
type Gate struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Database == nil {
		return nil, errors.New("access: database connection required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{db: cfg.Database, logger: logger}, nil
}

// Authorize returns nil when viewer may open noteID. Public notes are open to
// everyone. Otherwise the owner, matched by id or email, and collaborators
// listed by id or by case-insensitive email are allowed. Members of the
// owning team are allowed on team notes.
func (g *Gate) Authorize(ctx context.Context, noteID string, viewer Viewer) error {
	db := g.db.WithContext(ctx)

	var document notes.Document
	err := db.Select("note_id", "owner_id", "team_id", "is_public").
		Where("note_id = ?", strings.TrimSpace(noteID)).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNoteNotFound
	}
	if err != nil {
		g.logger.Error("access lookup failed", zap.String("note_id", noteID), zap.Error(err))
		return fmt.Errorf("access: load note: %w", err)
	}

	if document.IsPublic {
		return nil
	}
	if viewer.anonymous() {
		return ErrAccessDenied
	}

	userID := strings.TrimSpace(viewer.UserID)
	email := strings.ToLower(strings.TrimSpace(viewer.Email))
	if document.OwnerID != "" && (document.OwnerID == userID || strings.EqualFold(document.OwnerID, email)) {
		return nil
	}

	collaborator, err := g.isCollaborator(ctx, document.NoteID, userID, email)
	if err != nil {
		return err
	}
	if collaborator {
		return nil
	}

	if document.TeamID != "" && userID != "" {
		var count int64
		if err := db.Model(&TeamMember{}).
			Where("team_id = ? AND user_id = ?", document.TeamID, userID).
			Count(&count).Error; err != nil {
			g.logger.Error("team membership lookup failed", zap.String("team_id", document.TeamID), zap.Error(err))
			return fmt.Errorf("access: team membership: %w", err)
		}
		if count > 0 {
			return nil
		}
	}
	return ErrAccessDenied
}

func (g *Gate) isCollaborator(ctx context.Context, noteID, userID, email string) (bool, error) {
	candidates := make([]string, 0, 2)
	if userID != "" {
		candidates = append(candidates, strings.ToLower(userID))
	}
	if email != "" {
		candidates = append(candidates, email)
	}
	if len(candidates) == 0 {
		return false, nil
	}
	var count int64
	if err := g.db.WithContext(ctx).Model(&Collaborator{}).
		Where("note_id = ? AND LOWER(TRIM(user_id)) IN ?", noteID, candidates).
		Count(&count).Error; err != nil {
		g.logger.Error("collaborator lookup failed", zap.String("note_id", noteID), zap.Error(err))
		return false, fmt.Errorf("access: collaborator lookup: %w", err)
	}
	return count > 0, nil
}

// AddCollaborator grants access to noteID. Adding an existing collaborator
// leaves the original grant untouched and reports false.
func (g *Gate) AddCollaborator(ctx context.Context, noteID, collaborator string, role Role) (bool, error) {
	collaborator = strings.ToLower(strings.TrimSpace(collaborator))
	if collaborator == "" {
		return false, ErrMissingCollaborator
	}
	if role != RoleEditor && role != RoleViewer {
		return false, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	db := g.db.WithContext(ctx)
	var count int64
	if err := db.Model(&notes.Document{}).Where("note_id = ?", noteID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("access: load note: %w", err)
	}
	if count == 0 {
		return false, ErrNoteNotFound
	}

	result := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Collaborator{NoteID: noteID, UserID: collaborator, Role: role})
	if result.Error != nil {
		g.logger.Error("collaborator insert failed", zap.String("note_id", noteID), zap.Error(result.Error))
		return false, fmt.Errorf("access: add collaborator: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// OwnerOf returns the owner id of noteID.
func (g *Gate) OwnerOf(ctx context.Context, noteID string) (string, error) {
	var document notes.Document
	err := g.db.WithContext(ctx).Select("note_id", "owner_id").Where("note_id = ?", noteID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNoteNotFound
	}
	if err != nil {
		return "", fmt.Errorf("access: load note: %w", err)
	}
	return document.OwnerID, nil
}
