// Package mentions detects @username references in note text and notifies
// each mentioned user once per note.
package mentions

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const mentionMessage = "You were mentioned in a note"

var mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9_]+)`)

// Mention records that a user has been mentioned in a note.
type Mention struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	MentionedUserID  string `gorm:"column:mentioned_user_id;primaryKey;size:190;not null"`
	ByUserID         string `gorm:"column:by_user_id;size:190;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Mention) TableName() string {
	return "note_mentions"
}

// Notification is handed to the Notifier for every new mention.
type Notification struct {
	Type            string    `json:"type"`
	NoteID          string    `json:"note_id"`
	MentionedUserID string    `json:"user_id"`
	ByUserID        string    `json:"sender_id,omitempty"`
	Message         string    `json:"message"`
	CreatedAt       time.Time `json:"created_at"`
}

// Notifier delivers mention notifications.
type Notifier interface {
	NotifyMention(ctx context.Context, notification Notification) error
}

// UsernameResolver maps lowercased usernames to user ids.
type UsernameResolver interface {
	ResolveUsernames(ctx context.Context, usernames []string) (map[string]string, error)
}

type ScannerConfig struct {
	Database *gorm.DB
	Users    UsernameResolver
	Notifier Notifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Scanner implements notes.MentionScanner.
type Scanner struct {
	db       *gorm.DB
	users    UsernameResolver
	notifier Notifier
	clock    func() time.Time
	logger   *zap.Logger
}

func NewScanner(cfg ScannerConfig) (*Scanner, error) {
	if cfg.Database == nil {
		return nil, errors.New("mentions: database connection required")
	}
	if cfg.Users == nil {
		return nil, errors.New("mentions: username resolver required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		db:       cfg.Database,
		users:    cfg.Users,
		notifier: cfg.Notifier,
		clock:    clock,
		logger:   logger,
	}, nil
}

// ExtractUsernames returns the distinct lowercased usernames referenced in
// text, in order of first appearance.
func ExtractUsernames(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]struct{}, len(matches))
	usernames := make([]string, 0, len(matches))
	for _, match := range matches {
		username := strings.ToLower(match[1])
		if _, ok := seen[username]; ok {
			continue
		}
		seen[username] = struct{}{}
		usernames = append(usernames, username)
	}
	return usernames
}

// ScanMentions records every user mentioned in text and notifies those not
// mentioned in the note before. Unknown usernames are skipped.
func (s *Scanner) ScanMentions(ctx context.Context, noteID notes.NoteID, authorID *notes.UserID, text string) error {
	usernames := ExtractUsernames(text)
	if len(usernames) == 0 {
		return nil
	}

	resolved, err := s.users.ResolveUsernames(ctx, usernames)
	if err != nil {
		return fmt.Errorf("mentions: resolve usernames: %w", err)
	}

	byUserID := ""
	if authorID != nil {
		byUserID = authorID.String()
	}

	var errs []error
	for _, username := range usernames {
		mentionedUserID, ok := resolved[username]
		if !ok {
			s.logger.Debug("mentioned user not found", zap.String("note_id", noteID.String()), zap.String("username", username))
			continue
		}

		now := s.clock().UTC()
		result := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Mention{
				NoteID:           noteID.String(),
				MentionedUserID:  mentionedUserID,
				ByUserID:         byUserID,
				CreatedAtSeconds: now.Unix(),
			})
		if result.Error != nil {
			errs = append(errs, fmt.Errorf("mentions: record %s: %w", username, result.Error))
			continue
		}
		if result.RowsAffected == 0 || s.notifier == nil {
			continue
		}

		if err := s.notifier.NotifyMention(ctx, Notification{
			Type:            "mention",
			NoteID:          noteID.String(),
			MentionedUserID: mentionedUserID,
			ByUserID:        byUserID,
			Message:         mentionMessage,
			CreatedAt:       now,
		}); err != nil {
			errs = append(errs, fmt.Errorf("mentions: notify %s: %w", username, err))
		}
	}
	return errors.Join(errs...)
}
