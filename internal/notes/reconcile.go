package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/quire/internal/crdt"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReconcileResult reports whether a reconcile wrote a new snapshot.
type ReconcileResult struct {
	Changed   bool
	HistoryID int64
}

// Reconcile derives the text of state and, when it differs from the stored
// content after trimming surrounding whitespace, appends a history record and
// updates the document in one transaction. Whitespace-only edits are not
// persisted.
func (s *Service) Reconcile(ctx context.Context, noteID NoteID, state []byte, editorID *UserID) (ReconcileResult, error) {
	text, err := crdt.DecodeText(state)
	if err != nil {
		wrapped := fmt.Errorf("%w: %w", ErrInvalidCrdtState, err)
		s.logError(opReconcile, "state_decode_failed", wrapped, zap.String("note_id", noteID.String()))
		return ReconcileResult{}, newServiceError(opReconcile, "state_decode_failed", wrapped)
	}

	result := ReconcileResult{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var document Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryNoteID, noteID.String()).
			Take(&document).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opReconcile, "not_found", ErrNoteNotFound)
		}
		if err != nil {
			s.logError(opReconcile, "document_select_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opReconcile, "document_select_failed", err)
		}

		if strings.TrimSpace(text) == strings.TrimSpace(document.Content) {
			return nil
		}

		diffJSON, err := encodeDiff(ComputeDiff(document.Content, text))
		if err != nil {
			s.logError(opReconcile, "diff_encode_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opReconcile, "diff_encode_failed", err)
		}

		now := s.clock().UTC().Unix()
		record := HistoryRecord{
			NoteID:           noteID.String(),
			EditorID:         userIDColumn(editorID),
			Snapshot:         text,
			DiffJSON:         diffJSON,
			CreatedAtSeconds: now,
		}
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opReconcile, "history_insert_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opReconcile, "history_insert_failed", err)
		}

		if err := tx.Model(&Document{}).
			Where(queryNoteID, noteID.String()).
			Updates(map[string]any{
				"content":        text,
				"crdt_state_b64": EncodeCrdtState(state).String(),
				"updated_at_s":   now,
			}).Error; err != nil {
			s.logError(opReconcile, "document_update_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opReconcile, "document_update_failed", err)
		}

		result = ReconcileResult{Changed: true, HistoryID: record.HistoryID}
		return nil
	})
	if txErr != nil {
		return ReconcileResult{}, txErr
	}

	if result.Changed && s.mentions != nil {
		if err := s.mentions.ScanMentions(ctx, noteID, editorID, text); err != nil {
			s.logError(opReconcile, "mention_scan_failed", err, zap.String("note_id", noteID.String()))
		}
	}
	return result, nil
}
