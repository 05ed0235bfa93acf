package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/config"
	"github.com/chirino/messaging-service/internal/model"
	registrymigrate "github.com/chirino/messaging-service/internal/registry/migrate"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Precision is the timestamp resolution of BSON dates.
const Precision = time.Millisecond

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.MessagingStore, error) {
			cfg := config.FromContext(ctx)
			client, err := Connect(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return New(client, cfg.MongoDatabase, cfg.SummaryPreviewLength), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

// Connect opens and pings a client using the datastore pool settings.
func Connect(ctx context.Context, cfg *config.Config) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(cfg.DBURL)
	if cfg.DBMaxOpenConns > 0 {
		opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
	}
	if cfg.DBMaxIdleConns > 0 {
		opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "mongo" {
		return nil // skip if not using mongo
	}

	log.Info("Running migration", "name", m.Name())
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(cfg.MongoDatabase)

	collections := map[string][]mongo.IndexModel{
		"conversations": {
			{
				Keys:    bson.D{{Key: "pair_key", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("conversations_pair_key_idx"),
			},
			{Keys: bson.D{{Key: "participant_a", Value: 1}, {Key: "activity_at", Value: -1}, {Key: "_id", Value: -1}}},
			{Keys: bson.D{{Key: "participant_b", Value: 1}, {Key: "activity_at", Value: -1}, {Key: "_id", Value: -1}}},
		},
		"messages": {
			{
				Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}},
				Options: options.Index().SetName("messages_conversation_order_idx"),
			},
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "status", Value: 1}, {Key: "sender_id", Value: 1}}},
		},
		"block_relations": {
			{
				Keys:    bson.D{{Key: "blocker_id", Value: 1}, {Key: "blocked_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "blocked_id", Value: 1}}},
		},
		"profiles": nil,
	}

	for name, indexes := range collections {
		// Ensure collection exists; transactions cannot create collections on older servers.
		_ = db.CreateCollection(ctx, name)
		if len(indexes) > 0 {
			if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
				return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", name, err)
			}
		}
	}

	log.Info("MongoDB schema migration complete")
	return nil
}

// MongoStore implements MessagingStore using MongoDB. Appends run in a multi-document
// transaction, so the server must be a replica set.
type MongoStore struct {
	client        *mongo.Client
	db            *mongo.Database
	previewLength int
	now           func() time.Time
}

// New wraps a connected client.
func New(client *mongo.Client, database string, previewLength int) *MongoStore {
	return &MongoStore{
		client:        client,
		db:            client.Database(database),
		previewLength: previewLength,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Database exposes the database for plugins that share the client.
func (s *MongoStore) Database() *mongo.Database {
	return s.db
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// --- MongoDB document types ---

type convDoc struct {
	ID            string     `bson:"_id"`
	PairKey       string     `bson:"pair_key"`
	ParticipantA  string     `bson:"participant_a"`
	ParticipantB  string     `bson:"participant_b"`
	LastMessage   *string    `bson:"last_message,omitempty"`
	LastMessageAt *time.Time `bson:"last_message_at,omitempty"`
	LastWriter    *string    `bson:"last_writer,omitempty"`
	ActivityAt    time.Time  `bson:"activity_at"`
	CreatedAt     time.Time  `bson:"created_at"`
}

type messageDoc struct {
	ID             string              `bson:"_id"`
	ConversationID string              `bson:"conversation_id"`
	SenderID       string              `bson:"sender_id"`
	Kind           model.MessageKind   `bson:"kind"`
	Text           string              `bson:"text,omitempty"`
	MediaURL       string              `bson:"media_url,omitempty"`
	Status         model.MessageStatus `bson:"status"`
	CreatedAt      time.Time           `bson:"created_at"`
}

type blockDoc struct {
	BlockerID string    `bson:"blocker_id"`
	BlockedID string    `bson:"blocked_id"`
	CreatedAt time.Time `bson:"created_at"`
}

type profileDoc struct {
	ID          string    `bson:"_id"`
	DisplayName string    `bson:"display_name"`
	AvatarURL   string    `bson:"avatar_url"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func strToUUID(s string) uuid.UUID { u, _ := uuid.Parse(s); return u }

func (d convDoc) toModel() model.Conversation {
	c := model.Conversation{
		ID:           strToUUID(d.ID),
		PairKey:      d.PairKey,
		ParticipantA: d.ParticipantA,
		ParticipantB: d.ParticipantB,
		LastMessage:  d.LastMessage,
		LastWriter:   d.LastWriter,
		CreatedAt:    d.CreatedAt.UTC(),
	}
	if d.LastMessageAt != nil {
		t := d.LastMessageAt.UTC()
		c.LastMessageAt = &t
	}
	return c
}

func (d messageDoc) toModel() model.Message {
	return model.Message{
		ID:             strToUUID(d.ID),
		ConversationID: strToUUID(d.ConversationID),
		SenderID:       d.SenderID,
		Kind:           d.Kind,
		Text:           d.Text,
		MediaURL:       d.MediaURL,
		Status:         d.Status,
		CreatedAt:      d.CreatedAt.UTC(),
	}
}

func (d profileDoc) toModel() model.Profile {
	return model.Profile{ID: d.ID, DisplayName: d.DisplayName, AvatarURL: d.AvatarURL, UpdatedAt: d.UpdatedAt.UTC()}
}

// --- Conversations ---

func (s *MongoStore) GetOrCreateConversation(ctx context.Context, a, b string) (*model.Conversation, bool, error) {
	first, second := model.CanonicalPair(a, b)
	key := model.PairKey(first, second)
	now := s.now().Truncate(Precision)
	id := uuid.Must(uuid.NewV7()).String()

	filter := bson.M{"pair_key": key}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":           id,
		"pair_key":      key,
		"participant_a": first,
		"participant_b": second,
		"activity_at":   now,
		"created_at":    now,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc convDoc
	err := s.db.Collection("conversations").FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		// Two upserts raced on the unique pair index; the loser reads the winner.
		err = s.db.Collection("conversations").FindOne(ctx, filter).Decode(&doc)
	}
	if err != nil {
		return nil, false, fmt.Errorf("mongo: get or create conversation: %w", err)
	}
	conv := doc.toModel()
	return &conv, doc.ID == id, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, userID string, conversationID uuid.UUID) (*model.Conversation, error) {
	doc, err := s.participantConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	conv := doc.toModel()
	return &conv, nil
}

func (s *MongoStore) participantConversation(ctx context.Context, userID string, conversationID uuid.UUID) (*convDoc, error) {
	var doc convDoc
	err := s.db.Collection("conversations").FindOne(ctx, bson.M{"_id": conversationID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) || (err == nil && doc.ParticipantA != userID && doc.ParticipantB != userID) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: get conversation: %w", err)
	}
	return &doc, nil
}

func (s *MongoStore) ListConversations(ctx context.Context, userID string, afterCursor *string, limit int) (*registrystore.ConversationPage, error) {
	if limit <= 0 {
		limit = 20
	}
	filter := bson.M{"$or": bson.A{bson.M{"participant_a": userID}, bson.M{"participant_b": userID}}}
	if afterCursor != nil {
		cur, err := model.DecodeCursor(*afterCursor)
		if err != nil {
			return nil, &registrystore.ValidationError{Field: "afterCursor", Message: err.Error()}
		}
		at := cur.CreatedAt.UTC()
		filter = bson.M{"$and": bson.A{filter, bson.M{"$or": bson.A{
			bson.M{"activity_at": bson.M{"$lt": at}},
			bson.M{"activity_at": at, "_id": bson.M{"$lt": cur.ID.String()}},
		}}}}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "activity_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit + 1))

	cursor, err := s.db.Collection("conversations").Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: list conversations: %w", err)
	}
	var docs []convDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: list conversations: %w", err)
	}

	convs := make([]model.Conversation, 0, len(docs))
	for _, d := range docs {
		convs = append(convs, d.toModel())
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

func (s *MongoStore) AppendMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	result, err := sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		conv, err := s.participantConversation(ctx, msg.SenderID, msg.ConversationID)
		if err != nil {
			return nil, err
		}
		status, err := s.BlockStatus(ctx, conv.ParticipantA, conv.ParticipantB)
		if err != nil {
			return nil, err
		}
		if status.Gated() {
			senderIsA := conv.ParticipantA == msg.SenderID
			return nil, &registrystore.BlockedError{
				ConversationID: conv.ID,
				Status: registrystore.BlockedBy{
					Sender:    (senderIsA && status.BlockedByA) || (!senderIsA && status.BlockedByB),
					Recipient: (senderIsA && status.BlockedByB) || (!senderIsA && status.BlockedByA),
				},
			}
		}

		out := msg
		out.ID = uuid.Must(uuid.NewV7())
		out.Status = model.StatusSent
		out.CreatedAt = model.NextTimestamp(s.now(), conv.LastMessageAt, Precision)
		summary := model.SummaryFor(out, s.previewLength)

		// Writing the conversation first makes a concurrent append on the same
		// conversation fail with a transient write conflict and retry.
		_, err = s.db.Collection("conversations").UpdateOne(ctx, bson.M{"_id": conv.ID}, bson.M{"$set": bson.M{
			"last_message":    summary.LastMessage,
			"last_message_at": summary.LastMessageAt,
			"last_writer":     summary.LastWriter,
			"activity_at":     summary.LastMessageAt,
		}})
		if err != nil {
			return nil, fmt.Errorf("mongo: update summary: %w", err)
		}
		_, err = s.db.Collection("messages").InsertOne(ctx, messageDoc{
			ID:             out.ID.String(),
			ConversationID: out.ConversationID.String(),
			SenderID:       out.SenderID,
			Kind:           out.Kind,
			Text:           out.Text,
			MediaURL:       out.MediaURL,
			Status:         out.Status,
			CreatedAt:      out.CreatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("mongo: insert message: %w", err)
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*model.Message), nil
}

func (s *MongoStore) ListMessages(ctx context.Context, conversationID uuid.UUID, q registrystore.MessageQuery) ([]model.Message, error) {
	clauses := bson.A{bson.M{"conversation_id": conversationID.String()}}
	if q.Before != nil {
		at := q.Before.CreatedAt.UTC()
		clauses = append(clauses, bson.M{"$or": bson.A{
			bson.M{"created_at": bson.M{"$lt": at}},
			bson.M{"created_at": at, "_id": bson.M{"$lt": q.Before.ID.String()}},
		}})
	}
	if q.After != nil {
		at := q.After.CreatedAt.UTC()
		clauses = append(clauses, bson.M{"$or": bson.A{
			bson.M{"created_at": bson.M{"$gt": at}},
			bson.M{"created_at": at, "_id": bson.M{"$gt": q.After.ID.String()}},
		}})
	}
	dir := 1
	if q.Descending {
		dir = -1
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: dir}, {Key: "_id", Value: dir}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := s.db.Collection("messages").Find(ctx, bson.M{"$and": clauses}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: list messages: %w", err)
	}
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: list messages: %w", err)
	}
	msgs := make([]model.Message, 0, len(docs))
	for _, d := range docs {
		msgs = append(msgs, d.toModel())
	}
	return msgs, nil
}

func (s *MongoStore) MarkSeen(ctx context.Context, userID string, conversationID uuid.UUID) (int64, error) {
	if _, err := s.participantConversation(ctx, userID, conversationID); err != nil {
		return 0, err
	}
	res, err := s.db.Collection("messages").UpdateMany(ctx,
		bson.M{"conversation_id": conversationID.String(), "status": model.StatusSent, "sender_id": bson.M{"$ne": userID}},
		bson.M{"$set": bson.M{"status": model.StatusSeen}},
	)
	if err != nil {
		return 0, fmt.Errorf("mongo: mark seen: %w", err)
	}
	return res.ModifiedCount, nil
}

// --- Blocks ---

func (s *MongoStore) Block(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.db.Collection("block_relations").UpdateOne(ctx,
		bson.M{"blocker_id": blockerID, "blocked_id": blockedID},
		bson.M{"$setOnInsert": bson.M{"blocker_id": blockerID, "blocked_id": blockedID, "created_at": s.now().Truncate(Precision)}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("mongo: block: %w", err)
	}
	return nil
}

func (s *MongoStore) Unblock(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.db.Collection("block_relations").DeleteOne(ctx, bson.M{"blocker_id": blockerID, "blocked_id": blockedID})
	if err != nil {
		return fmt.Errorf("mongo: unblock: %w", err)
	}
	return nil
}

func (s *MongoStore) BlockStatus(ctx context.Context, a, b string) (model.BlockStatus, error) {
	cursor, err := s.db.Collection("block_relations").Find(ctx, bson.M{"$or": bson.A{
		bson.M{"blocker_id": a, "blocked_id": b},
		bson.M{"blocker_id": b, "blocked_id": a},
	}})
	if err != nil {
		return model.BlockStatus{}, fmt.Errorf("mongo: block status: %w", err)
	}
	var docs []blockDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return model.BlockStatus{}, fmt.Errorf("mongo: block status: %w", err)
	}
	var status model.BlockStatus
	for _, d := range docs {
		if d.BlockerID == a {
			status.BlockedByA = true
		} else {
			status.BlockedByB = true
		}
	}
	return status, nil
}

func (s *MongoStore) ListBlocked(ctx context.Context, blockerID string) ([]model.BlockRelation, error) {
	cursor, err := s.db.Collection("block_relations").Find(ctx, bson.M{"blocker_id": blockerID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: list blocked: %w", err)
	}
	var docs []blockDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: list blocked: %w", err)
	}
	rels := make([]model.BlockRelation, 0, len(docs))
	for _, d := range docs {
		rels = append(rels, model.BlockRelation{BlockerID: d.BlockerID, BlockedID: d.BlockedID, CreatedAt: d.CreatedAt.UTC()})
	}
	return rels, nil
}

// --- Profiles ---

func (s *MongoStore) UpsertProfile(ctx context.Context, profile model.Profile) (*model.Profile, error) {
	profile.UpdatedAt = s.now().Truncate(Precision)
	_, err := s.db.Collection("profiles").UpdateOne(ctx,
		bson.M{"_id": profile.ID},
		bson.M{"$set": bson.M{
			"display_name": profile.DisplayName,
			"avatar_url":   profile.AvatarURL,
			"updated_at":   profile.UpdatedAt,
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return nil, fmt.Errorf("mongo: upsert profile: %w", err)
	}
	return &profile, nil
}

func (s *MongoStore) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var doc profileDoc
	err := s.db.Collection("profiles").FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "profile", ID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: get profile: %w", err)
	}
	p := doc.toModel()
	return &p, nil
}

var _ registrystore.MessagingStore = (*MongoStore)(nil)
