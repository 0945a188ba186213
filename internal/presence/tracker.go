// Package presence tracks which participants are connected to a note and
// where their cursors are.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProfileSource supplies display attributes for participants.
type ProfileSource interface {
	Profiles(ctx context.Context, userIDs []string) (map[string]users.Profile, error)
}

type TrackerConfig struct {
	Database     *gorm.DB
	Profiles     ProfileSource
	Clock        func() time.Time
	Logger       *zap.Logger
	DefaultColor string
}

// Tracker persists presence records.
type Tracker struct {
	db           *gorm.DB
	profiles     ProfileSource
	clock        func() time.Time
	logger       *zap.Logger
	defaultColor string
}

func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Database == nil {
		return nil, errors.New("presence: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	defaultColor := cfg.DefaultColor
	if defaultColor == "" {
		defaultColor = DefaultColor
	}
	if !colorPattern.MatchString(defaultColor) {
		return nil, fmt.Errorf("%w: default color %q", ErrInvalidCursor, defaultColor)
	}
	return &Tracker{
		db:           cfg.Database,
		profiles:     cfg.Profiles,
		clock:        clock,
		logger:       logger,
		defaultColor: defaultColor,
	}, nil
}

// Join marks participantID online on noteID through connectionID. There is
// exactly one record per note and participant; rejoining replaces the
// connection and resets the cursor to the start of the text.
func (t *Tracker) Join(ctx context.Context, noteID, participantID, connectionID, color string) (Record, error) {
	noteID, err := requireID(noteID, ErrMissingNoteID)
	if err != nil {
		return Record{}, err
	}
	participantID, err = requireID(participantID, ErrMissingParticipantID)
	if err != nil {
		return Record{}, err
	}
	connectionID, err = requireID(connectionID, ErrMissingConnectionID)
	if err != nil {
		return Record{}, err
	}
	cursor := Cursor{Position: 0, Color: color}
	if err := cursor.Validate(); err != nil {
		return Record{}, err
	}
	if cursor.Color == "" {
		cursor.Color = t.defaultColor
	}

	record := Record{
		NoteID:          noteID,
		UserID:          participantID,
		ConnectionID:    connectionID,
		Status:          StatusOnline,
		CursorPosition:  cursor.Position,
		CursorColor:     cursor.Color,
		LastSeenSeconds: t.clock().UTC().Unix(),
	}
	db := t.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "note_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"connection_id", "status", "cursor_position", "cursor_color", "last_seen_s",
		}),
	}).Create(&record).Error; err != nil {
		t.logger.Error("presence upsert failed",
			zap.String("note_id", noteID),
			zap.String("user_id", participantID),
			zap.Error(err))
		return Record{}, fmt.Errorf("presence: join: %w", err)
	}

	var stored Record
	if err := db.Where("note_id = ? AND user_id = ?", noteID, participantID).Take(&stored).Error; err != nil {
		return Record{}, fmt.Errorf("presence: join: %w", err)
	}
	return stored, nil
}

// UpdateCursor moves the cursor of the record bound to connectionID. A cursor
// without color keeps the stored color. Unknown connections are ignored.
func (t *Tracker) UpdateCursor(ctx context.Context, connectionID string, cursor Cursor) (Record, bool, error) {
	connectionID, err := requireID(connectionID, ErrMissingConnectionID)
	if err != nil {
		return Record{}, false, err
	}
	if err := cursor.Validate(); err != nil {
		return Record{}, false, err
	}

	updates := map[string]any{
		"cursor_position": cursor.Position,
		"last_seen_s":     t.clock().UTC().Unix(),
	}
	if cursor.Color != "" {
		updates["cursor_color"] = cursor.Color
	}
	return t.updateByConnection(ctx, connectionID, updates)
}

// Touch refreshes last_seen for connectionID.
func (t *Tracker) Touch(ctx context.Context, connectionID string) error {
	connectionID, err := requireID(connectionID, ErrMissingConnectionID)
	if err != nil {
		return err
	}
	_, _, err = t.updateByConnection(ctx, connectionID, map[string]any{
		"last_seen_s": t.clock().UTC().Unix(),
	})
	return err
}

// Leave marks the record bound to connectionID offline. Records are never deleted.
func (t *Tracker) Leave(ctx context.Context, connectionID string) (Record, bool, error) {
	connectionID, err := requireID(connectionID, ErrMissingConnectionID)
	if err != nil {
		return Record{}, false, err
	}
	return t.updateByConnection(ctx, connectionID, map[string]any{
		"status":      StatusOffline,
		"last_seen_s": t.clock().UTC().Unix(),
	})
}

func (t *Tracker) updateByConnection(ctx context.Context, connectionID string, updates map[string]any) (Record, bool, error) {
	db := t.db.WithContext(ctx)
	result := db.Model(&Record{}).Where("connection_id = ?", connectionID).Updates(updates)
	if result.Error != nil {
		t.logger.Error("presence update failed", zap.String("connection_id", connectionID), zap.Error(result.Error))
		return Record{}, false, fmt.Errorf("presence: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return Record{}, false, nil
	}
	var stored Record
	if err := db.Where("connection_id = ?", connectionID).Take(&stored).Error; err != nil {
		return Record{}, false, fmt.Errorf("presence: update: %w", err)
	}
	return stored, true, nil
}

// ActiveParticipants lists online participants of noteID ordered by user id.
func (t *Tracker) ActiveParticipants(ctx context.Context, noteID string) ([]Participant, error) {
	noteID, err := requireID(noteID, ErrMissingNoteID)
	if err != nil {
		return nil, err
	}
	var records []Record
	if err := t.db.WithContext(ctx).
		Where("note_id = ? AND status = ?", noteID, StatusOnline).
		Order("user_id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("presence: active participants: %w", err)
	}

	profiles := map[string]users.Profile{}
	if t.profiles != nil && len(records) > 0 {
		ids := make([]string, 0, len(records))
		for _, record := range records {
			ids = append(ids, record.UserID)
		}
		loaded, err := t.profiles.Profiles(ctx, ids)
		if err != nil {
			t.logger.Warn("participant profiles unavailable", zap.String("note_id", noteID), zap.Error(err))
		} else {
			profiles = loaded
		}
	}

	participants := make([]Participant, 0, len(records))
	for _, record := range records {
		profile := profiles[record.UserID]
		participants = append(participants, Participant{
			UserID:      record.UserID,
			DisplayName: profile.DisplayName,
			AvatarURL:   profile.AvatarURL,
			Status:      record.Status,
			Cursor:      record.Cursor(),
			LastSeen:    time.Unix(record.LastSeenSeconds, 0).UTC(),
		})
	}
	return participants, nil
}

// ExpireStale marks online records not seen since cutoff offline and returns
// the notes that changed.
func (t *Tracker) ExpireStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	db := t.db.WithContext(ctx)
	var stale []Record
	if err := db.Where("status = ? AND last_seen_s < ?", StatusOnline, cutoff.UTC().Unix()).Find(&stale).Error; err != nil {
		return nil, fmt.Errorf("presence: expire stale: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(stale))
	seen := make(map[string]struct{})
	noteIDs := make([]string, 0)
	for _, record := range stale {
		ids = append(ids, record.PresenceID)
		if _, ok := seen[record.NoteID]; !ok {
			seen[record.NoteID] = struct{}{}
			noteIDs = append(noteIDs, record.NoteID)
		}
	}
	if err := db.Model(&Record{}).
		Where("presence_id IN ? AND status = ?", ids, StatusOnline).
		Update("status", StatusOffline).Error; err != nil {
		return nil, fmt.Errorf("presence: expire stale: %w", err)
	}
	t.logger.Info("expired stale presence", zap.Int("records", len(ids)))
	return noteIDs, nil
}
