package notes

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DocumentInput describes a note to create.
type DocumentInput struct {
	NoteID   NoteID
	OwnerID  UserID
	TeamID   string
	Title    string
	IsPublic bool
	Content  string
}

// CreateDocument inserts a new note whose CRDT state is seeded from Content.
// Blank content is seeded too, so every replica edits the same text object.
func (s *Service) CreateDocument(ctx context.Context, input DocumentInput) (Document, error) {
	raw, err := encodeInitialState(input.Content)
	if err != nil {
		s.logError(opCreateDocument, "state_encode_failed", err, zap.String("note_id", input.NoteID.String()))
		return Document{}, newServiceError(opCreateDocument, "state_encode_failed", err)
	}
	state := EncodeCrdtState(raw)

	now := s.clock().UTC().Unix()
	document := Document{
		NoteID:           input.NoteID.String(),
		OwnerID:          input.OwnerID.String(),
		TeamID:           input.TeamID,
		Title:            input.Title,
		IsPublic:         input.IsPublic,
		Content:          input.Content,
		CrdtStateB64:     state.String(),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Document{}).Where(queryNoteID, document.NoteID).Count(&count).Error; err != nil {
			s.logError(opCreateDocument, "lookup_failed", err, zap.String("note_id", document.NoteID))
			return newServiceError(opCreateDocument, "lookup_failed", err)
		}
		if count > 0 {
			return newServiceError(opCreateDocument, "exists", ErrNoteExists)
		}
		if err := tx.Create(&document).Error; err != nil {
			s.logError(opCreateDocument, "insert_failed", err, zap.String("note_id", document.NoteID))
			return newServiceError(opCreateDocument, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Document{}, txErr
	}
	return document, nil
}

// GetDocument returns the stored row for noteID.
func (s *Service) GetDocument(ctx context.Context, noteID NoteID) (Document, error) {
	var document Document
	err := s.db.WithContext(ctx).Where(queryNoteID, noteID.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, newServiceError(opGetDocument, "not_found", ErrNoteNotFound)
	}
	if err != nil {
		s.logError(opGetDocument, "query_failed", err, zap.String("note_id", noteID.String()))
		return Document{}, newServiceError(opGetDocument, "query_failed", err)
	}
	return document, nil
}

// LoadState returns the stored CRDT state for noteID. A missing document or
// a row without state yields nil; a state column that is not valid base64
// fails with ErrInvalidCrdtState.
func (s *Service) LoadState(ctx context.Context, noteID NoteID) ([]byte, error) {
	var document Document
	err := s.db.WithContext(ctx).
		Select("note_id", "crdt_state_b64").
		Where(queryNoteID, noteID.String()).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opLoadState, "query_failed", err, zap.String("note_id", noteID.String()))
		return nil, newServiceError(opLoadState, "query_failed", err)
	}

	state, err := storedState(document.CrdtStateB64)
	if err != nil {
		s.logError(opLoadState, "state_decode_failed", err, zap.String("note_id", noteID.String()))
		return nil, newServiceError(opLoadState, "state_decode_failed", err)
	}
	return state, nil
}

// storedState validates a persisted state column and decodes it.
func storedState(column string) ([]byte, error) {
	payload, err := NewCrdtStateBase64(column)
	if err != nil {
		return nil, err
	}
	return payload.Bytes()
}
