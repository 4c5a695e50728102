package store

import (
	"context"
	"errors"

	"e2ee-session/internal/domain"
	"e2ee-session/internal/serializer"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StateStore persists conversation state blobs in the conversation_states
// table. It joins a transaction carried by the context.
type StateStore struct{ db *gorm.DB }

var _ serializer.StateStore = (*StateStore)(nil)

func (s *Store) States() *StateStore { return &StateStore{db: s.DB} }

func (s *StateStore) Load(ctx context.Context, conversationID string) ([]byte, error) {
	var row domain.ConversationState
	err := conn(ctx, s.db).First(&row, "conversation_id = ?", conversationID).Error
	if err != nil {
		if errors.Is(mapErr(err), ErrRecordNotFound) {
			return nil, serializer.ErrNotFound
		}
		return nil, err
	}
	return row.State, nil
}

func (s *StateStore) Save(ctx context.Context, conversationID string, state []byte) error {
	row := domain.ConversationState{ConversationID: conversationID, State: state}
	return conn(ctx, s.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "conversation_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
		}).
		Create(&row).Error
}

func (s *StateStore) Delete(ctx context.Context, conversationID string) error {
	return conn(ctx, s.db).Where("conversation_id = ?", conversationID).Delete(&domain.ConversationState{}).Error
}
