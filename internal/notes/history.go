package notes

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// HistoryEntry is a decoded history record.
type HistoryEntry struct {
	HistoryID int64         `json:"history_id"`
	NoteID    string        `json:"note_id"`
	EditorID  *string       `json:"editor_id"`
	Snapshot  string        `json:"snapshot"`
	Diff      []DiffSegment `json:"diff"`
	CreatedAt time.Time     `json:"created_at"`
}

// ListHistory returns up to limit records for noteID, newest first.
func (s *Service) ListHistory(ctx context.Context, noteID NoteID, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var records []HistoryRecord
	if err := s.db.WithContext(ctx).
		Where(queryNoteID, noteID.String()).
		Order("created_at_s DESC").
		Order("history_id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		s.logError(opListHistory, "query_failed", err, zap.String("note_id", noteID.String()))
		return nil, newServiceError(opListHistory, "query_failed", err)
	}

	entries := make([]HistoryEntry, 0, len(records))
	for _, record := range records {
		diff, err := decodeDiff(record.DiffJSON)
		if err != nil {
			s.logError(opListHistory, "diff_decode_failed", err,
				zap.String("note_id", noteID.String()),
				zap.Int64("history_id", record.HistoryID))
			return nil, newServiceError(opListHistory, "diff_decode_failed", err)
		}
		entries = append(entries, HistoryEntry{
			HistoryID: record.HistoryID,
			NoteID:    record.NoteID,
			EditorID:  record.EditorID,
			Snapshot:  record.Snapshot,
			Diff:      diff,
			CreatedAt: time.Unix(record.CreatedAtSeconds, 0).UTC(),
		})
	}
	return entries, nil
}
