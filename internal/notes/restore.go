package notes

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/crdt"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var encodeInitialState = crdt.EncodeInitialState

// RestoreResult describes a completed restore. State is the document state
// resident rooms should adopt.
type RestoreResult struct {
	Success    bool
	RestoredAt time.Time
	Content    string
	State      []byte
}

// Restore rewinds a note to the snapshot of historyID. The content being
// replaced is first saved as a history record attributed to the restorer so
// the restore can itself be undone.
func (s *Service) Restore(ctx context.Context, noteID NoteID, historyID HistoryID, restorerID *UserID) (RestoreResult, error) {
	restoredAt := s.clock().UTC()
	result := RestoreResult{}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target HistoryRecord
		err := tx.Where("history_id = ? AND note_id = ?", historyID.Int64(), noteID.String()).Take(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opRestore, "history_not_found", ErrHistoryNotFound)
		}
		if err != nil {
			s.logError(opRestore, "history_select_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opRestore, "history_select_failed", err)
		}

		var document Document
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryNoteID, noteID.String()).
			Take(&document).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opRestore, "not_found", ErrNoteNotFound)
		}
		if err != nil {
			s.logError(opRestore, "document_select_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opRestore, "document_select_failed", err)
		}

		emptyDiff, err := encodeDiff(nil)
		if err != nil {
			return newServiceError(opRestore, "diff_encode_failed", err)
		}
		preRestore := HistoryRecord{
			NoteID:           noteID.String(),
			EditorID:         userIDColumn(restorerID),
			Snapshot:         document.Content,
			DiffJSON:         emptyDiff,
			CreatedAtSeconds: restoredAt.Unix(),
		}
		if err := tx.Create(&preRestore).Error; err != nil {
			s.logError(opRestore, "history_insert_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opRestore, "history_insert_failed", err)
		}

		stateB64 := document.CrdtStateB64
		state, encodeErr := encodeInitialState(target.Snapshot)
		if encodeErr != nil {
			// Content and state diverge until the next edit reconciles them.
			s.logError(opRestore, "state_encode_failed", encodeErr,
				zap.String("note_id", noteID.String()),
				zap.Int64("history_id", historyID.Int64()))
			state, err = storedState(stateB64)
			if err != nil {
				state = nil
			}
		} else {
			stateB64 = EncodeCrdtState(state).String()
		}

		if err := tx.Model(&Document{}).
			Where(queryNoteID, noteID.String()).
			Updates(map[string]any{
				"content":        target.Snapshot,
				"crdt_state_b64": stateB64,
				"updated_at_s":   restoredAt.Unix(),
			}).Error; err != nil {
			s.logError(opRestore, "document_save_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opRestore, "document_save_failed", err)
		}

		result = RestoreResult{
			Success:    true,
			RestoredAt: restoredAt,
			Content:    target.Snapshot,
			State:      state,
		}
		return nil
	})
	if txErr != nil {
		return RestoreResult{}, txErr
	}
	return result, nil
}
