// Package gormstore implements the messaging store on top of GORM. The postgres and
// sqlite plugins share it and differ only in their Dialect.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/messaging-service/internal/model"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Dialect captures the backend differences the store cares about.
type Dialect struct {
	Name string
	// Precision is the timestamp resolution the backend round-trips without loss.
	Precision time.Duration
	// LockRows adds SELECT ... FOR UPDATE on the conversation row during an append.
	LockRows bool
	// IsUniqueViolation recognizes the driver's unique constraint error.
	IsUniqueViolation func(error) bool
}

// Store implements registrystore.MessagingStore using GORM.
type Store struct {
	db            *gorm.DB
	dialect       Dialect
	previewLength int
	now           func() time.Time
}

// New wraps an open GORM handle.
func New(db *gorm.DB, dialect Dialect, previewLength int) *Store {
	if dialect.Precision <= 0 {
		dialect.Precision = time.Microsecond
	}
	return &Store{
		db:            db,
		dialect:       dialect,
		previewLength: previewLength,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// DB exposes the underlying handle for plugins that share the connection pool.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Conversations ---

func (s *Store) GetOrCreateConversation(ctx context.Context, a, b string) (*model.Conversation, bool, error) {
	first, second := model.CanonicalPair(a, b)
	key := model.PairKey(first, second)

	var existing model.Conversation
	res := s.db.WithContext(ctx).Where("pair_key = ?", key).Limit(1).Find(&existing)
	if res.Error != nil {
		return nil, false, fmt.Errorf("%s: lookup conversation: %w", s.dialect.Name, res.Error)
	}
	if res.RowsAffected > 0 {
		return &existing, false, nil
	}

	conv := model.Conversation{
		ID:           uuid.Must(uuid.NewV7()),
		PairKey:      key,
		ParticipantA: first,
		ParticipantB: second,
		CreatedAt:    s.now().Truncate(s.dialect.Precision),
	}
	err := s.db.WithContext(ctx).Create(&conv).Error
	if err == nil {
		return &conv, true, nil
	}
	if s.dialect.IsUniqueViolation == nil || !s.dialect.IsUniqueViolation(err) {
		return nil, false, fmt.Errorf("%s: create conversation: %w", s.dialect.Name, err)
	}

	// Lost the race: the unique pair index already holds the winner's row.
	if err := s.db.WithContext(ctx).Where("pair_key = ?", key).Take(&existing).Error; err != nil {
		return nil, false, fmt.Errorf("%s: reload conversation: %w", s.dialect.Name, err)
	}
	return &existing, false, nil
}

func (s *Store) GetConversation(ctx context.Context, userID string, conversationID uuid.UUID) (*model.Conversation, error) {
	return s.participantConversation(s.db.WithContext(ctx), userID, conversationID)
}

func (s *Store) participantConversation(tx *gorm.DB, userID string, conversationID uuid.UUID) (*model.Conversation, error) {
	var conv model.Conversation
	res := tx.Where("id = ?", conversationID).Limit(1).Find(&conv)
	if res.Error != nil {
		return nil, fmt.Errorf("%s: get conversation: %w", s.dialect.Name, res.Error)
	}
	if res.RowsAffected == 0 || !conv.HasParticipant(userID) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	return &conv, nil
}

const activityExpr = "COALESCE(last_message_at, created_at)"

func (s *Store) ListConversations(ctx context.Context, userID string, afterCursor *string, limit int) (*registrystore.ConversationPage, error) {
	if limit <= 0 {
		limit = 20
	}
	tx := s.db.WithContext(ctx).
		Where("participant_a = ? OR participant_b = ?", userID, userID)
	if afterCursor != nil {
		cur, err := model.DecodeCursor(*afterCursor)
		if err != nil {
			return nil, &registrystore.ValidationError{Field: "afterCursor", Message: err.Error()}
		}
		at := cur.CreatedAt.UTC()
		tx = tx.Where("("+activityExpr+" < ? OR ("+activityExpr+" = ? AND id < ?))", at, at, cur.ID)
	}

	var convs []model.Conversation
	if err := tx.Order(activityExpr + " DESC").Order("id DESC").Limit(limit + 1).Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("%s: list conversations: %w", s.dialect.Name, err)
	}

	page := &registrystore.ConversationPage{Conversations: convs}
	if len(convs) > limit {
		page.Conversations = convs[:limit]
		last := page.Conversations[limit-1]
		next := last.ActivityCursor().Encode()
		page.AfterCursor = &next
	}
	return page, nil
}

// --- Messages ---

func (s *Store) AppendMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if s.dialect.LockRows {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		conv, err := s.participantConversation(q, msg.SenderID, msg.ConversationID)
		if err != nil {
			return err
		}

		status, err := s.blockStatus(tx, conv.ParticipantA, conv.ParticipantB)
		if err != nil {
			return err
		}
		if status.Gated() {
			senderIsA := conv.ParticipantA == msg.SenderID
			return &registrystore.BlockedError{
				ConversationID: conv.ID.String(),
				Status: registrystore.BlockedBy{
					Sender:    (senderIsA && status.BlockedByA) || (!senderIsA && status.BlockedByB),
					Recipient: (senderIsA && status.BlockedByB) || (!senderIsA && status.BlockedByA),
				},
			}
		}

		msg.ID = uuid.Must(uuid.NewV7())
		msg.Status = model.StatusSent
		msg.CreatedAt = model.NextTimestamp(s.now(), conv.LastMessageAt, s.dialect.Precision)
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("%s: insert message: %w", s.dialect.Name, err)
		}

		summary := model.SummaryFor(msg, s.previewLength)
		if err := tx.Model(&model.Conversation{}).Where("id = ?", conv.ID).Updates(map[string]interface{}{
			"last_message":    summary.LastMessage,
			"last_message_at": summary.LastMessageAt,
			"last_writer":     summary.LastWriter,
		}).Error; err != nil {
			return fmt.Errorf("%s: update summary: %w", s.dialect.Name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID, q registrystore.MessageQuery) ([]model.Message, error) {
	tx := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if q.Before != nil {
		at := q.Before.CreatedAt.UTC()
		tx = tx.Where("(created_at < ? OR (created_at = ? AND id < ?))", at, at, q.Before.ID)
	}
	if q.After != nil {
		at := q.After.CreatedAt.UTC()
		tx = tx.Where("(created_at > ? OR (created_at = ? AND id > ?))", at, at, q.After.ID)
	}
	if q.Descending {
		tx = tx.Order("created_at DESC").Order("id DESC")
	} else {
		tx = tx.Order("created_at ASC").Order("id ASC")
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var msgs []model.Message
	if err := tx.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("%s: list messages: %w", s.dialect.Name, err)
	}
	for i := range msgs {
		msgs[i].CreatedAt = msgs[i].CreatedAt.UTC()
	}
	return msgs, nil
}

func (s *Store) MarkSeen(ctx context.Context, userID string, conversationID uuid.UUID) (int64, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND status = ?", conversationID, userID, model.StatusSent).
		Update("status", model.StatusSeen)
	if res.Error != nil {
		return 0, fmt.Errorf("%s: mark seen: %w", s.dialect.Name, res.Error)
	}
	return res.RowsAffected, nil
}

// --- Blocks ---

func (s *Store) Block(ctx context.Context, blockerID, blockedID string) error {
	rel := model.BlockRelation{BlockerID: blockerID, BlockedID: blockedID, CreatedAt: s.now().Truncate(s.dialect.Precision)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rel).Error
	if err != nil {
		return fmt.Errorf("%s: block: %w", s.dialect.Name, err)
	}
	return nil
}

func (s *Store) Unblock(ctx context.Context, blockerID, blockedID string) error {
	err := s.db.WithContext(ctx).
		Where("blocker_id = ? AND blocked_id = ?", blockerID, blockedID).
		Delete(&model.BlockRelation{}).Error
	if err != nil {
		return fmt.Errorf("%s: unblock: %w", s.dialect.Name, err)
	}
	return nil
}

func (s *Store) BlockStatus(ctx context.Context, a, b string) (model.BlockStatus, error) {
	return s.blockStatus(s.db.WithContext(ctx), a, b)
}

func (s *Store) blockStatus(tx *gorm.DB, a, b string) (model.BlockStatus, error) {
	var edges []model.BlockRelation
	err := tx.Where("(blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)", a, b, b, a).
		Find(&edges).Error
	if err != nil {
		return model.BlockStatus{}, fmt.Errorf("%s: block status: %w", s.dialect.Name, err)
	}
	var status model.BlockStatus
	for _, e := range edges {
		if e.BlockerID == a {
			status.BlockedByA = true
		} else {
			status.BlockedByB = true
		}
	}
	return status, nil
}

func (s *Store) ListBlocked(ctx context.Context, blockerID string) ([]model.BlockRelation, error) {
	var rels []model.BlockRelation
	err := s.db.WithContext(ctx).Where("blocker_id = ?", blockerID).
		Order("created_at DESC").Find(&rels).Error
	if err != nil {
		return nil, fmt.Errorf("%s: list blocked: %w", s.dialect.Name, err)
	}
	return rels, nil
}

// --- Profiles ---

func (s *Store) UpsertProfile(ctx context.Context, profile model.Profile) (*model.Profile, error) {
	profile.UpdatedAt = s.now().Truncate(s.dialect.Precision)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "avatar_url", "updated_at"}),
	}).Create(&profile).Error
	if err != nil {
		return nil, fmt.Errorf("%s: upsert profile: %w", s.dialect.Name, err)
	}
	return &profile, nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var p model.Profile
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "profile", ID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: get profile: %w", s.dialect.Name, err)
	}
	return &p, nil
}

var _ registrystore.MessagingStore = (*Store)(nil)
