package mongo

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/thread-service/internal/config"
	"github.com/chirino/thread-service/internal/model"
	registrycache "github.com/chirino/thread-service/internal/registry/cache"
	registrymigrate "github.com/chirino/thread-service/internal/registry/migrate"
	registrystore "github.com/chirino/thread-service/internal/registry/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const databaseName = "thread_service"

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.ChatStore, error) {
			cfg := config.FromContext(ctx)
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
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}

			store := &MongoStore{
				client:   client,
				db:       client.Database(databaseName),
				cfg:      cfg,
				msgCache: registrycache.MessagesCacheFromContext(ctx),
			}
			if cfg.EncryptionKey != "" {
				keys, err := config.DecodeEncryptionKeysCSV(cfg.EncryptionKey)
				if err != nil {
					return nil, fmt.Errorf("invalid encryption key list: %w", err)
				}
				for _, key := range keys {
					gcm, gcmErr := newGCM(key)
					if gcmErr != nil {
						return nil, fmt.Errorf("failed to create GCM: %w", gcmErr)
					}
					store.gcms = append(store.gcms, gcm)
				}
			}
			return store, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
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

	db := client.Database(databaseName)

	collections := map[string][]mongo.IndexModel{
		"conversations": {
			{Keys: bson.D{{Key: "owner_user_id", Value: 1}, {Key: "updated_at", Value: -1}}},
		},
		"branches": {
			{
				Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "branch_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		"messages": {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "branch_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		},
	}

	for name, indexes := range collections {
		db.CreateCollection(ctx, name)
		if len(indexes) > 0 {
			if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
				return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", name, err)
			}
		}
	}

	log.Info("MongoDB schema migration complete")
	return nil
}

// MongoStore implements ChatStore using MongoDB.
type MongoStore struct {
	client   *mongo.Client
	db       *mongo.Database
	cfg      *config.Config
	gcms     []cipher.AEAD
	msgCache registrycache.MessagesCache
}

// ForceImport can be referenced to ensure this package's init() runs.
var ForceImport = 0

// --- Encryption helpers ---

func (s *MongoStore) encrypt(plaintext []byte) []byte {
	if len(s.gcms) == 0 || plaintext == nil {
		return plaintext
	}
	gcm := s.gcms[0]
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		panic(fmt.Sprintf("failed to generate nonce: %v", err))
	}
	return gcm.Seal(nonce, nonce, plaintext, nil)
}

func (s *MongoStore) decrypt(ciphertext []byte) ([]byte, error) {
	if len(s.gcms) == 0 || ciphertext == nil {
		return ciphertext, nil
	}
	var lastErr error
	for _, gcm := range s.gcms {
		nonceSize := gcm.NonceSize()
		if len(ciphertext) < nonceSize {
			lastErr = fmt.Errorf("ciphertext too short")
			continue
		}
		nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
		plaintext, err := gcm.Open(nil, nonce, ct, nil)
		if err == nil {
			return plaintext, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm, nil
}

func (s *MongoStore) decryptString(data []byte) string {
	plain, err := s.decrypt(data)
	if err != nil {
		return string(data)
	}
	return string(plain)
}

// --- MongoDB document types ---

type convDoc struct {
	ID          string    `bson:"_id"`
	OwnerUserID string    `bson:"owner_user_id"`
	Title       []byte    `bson:"title,omitempty"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

type branchDoc struct {
	BranchID        string    `bson:"branch_id"`
	ConversationID  string    `bson:"conversation_id"`
	Name            *string   `bson:"name,omitempty"`
	ParentBranchID  *string   `bson:"parent_branch_id,omitempty"`
	ParentMessageID *string   `bson:"parent_message_id,omitempty"`
	CreatedAt       time.Time `bson:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

type messageDoc struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	BranchID       string    `bson:"branch_id"`
	Role           string    `bson:"role"`
	Content        []byte    `bson:"content"`
	Timestamp      time.Time `bson:"timestamp"`
}

// --- Collection accessors ---

func (s *MongoStore) conversations() *mongo.Collection { return s.db.Collection("conversations") }
func (s *MongoStore) branches() *mongo.Collection      { return s.db.Collection("branches") }
func (s *MongoStore) messages() *mongo.Collection      { return s.db.Collection("messages") }

// --- Access control ---

// requireOwner loads the conversation and enforces ownership.
func (s *MongoStore) requireOwner(ctx context.Context, userID string, conversationID string) (*convDoc, error) {
	var doc convDoc
	err := s.conversations().FindOne(ctx, bson.M{"_id": conversationID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID}
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if doc.OwnerUserID != userID {
		return nil, &registrystore.ForbiddenError{}
	}
	return &doc, nil
}

// --- Conversations ---

func (s *MongoStore) GetOrCreateConversation(ctx context.Context, userID string, conversationID string) (*registrystore.ConversationSummary, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, &registrystore.ValidationError{Field: "conversationId", Message: "must not be empty"}
	}

	doc, err := s.requireOwner(ctx, userID, conversationID)
	if err == nil {
		return s.toConversationSummary(doc), nil
	}
	if !registrystore.IsNotFound(err) {
		return nil, err
	}

	now := time.Now()
	created := convDoc{
		ID:          conversationID,
		OwnerUserID: userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.conversations().InsertOne(ctx, created); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			doc, err = s.requireOwner(ctx, userID, conversationID)
			if err != nil {
				return nil, err
			}
			return s.toConversationSummary(doc), nil
		}
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return s.toConversationSummary(&created), nil
}

func (s *MongoStore) IsOwner(ctx context.Context, conversationID string, userID string) (bool, error) {
	var doc convDoc
	err := s.conversations().FindOne(ctx, bson.M{"_id": conversationID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load conversation: %w", err)
	}
	return doc.OwnerUserID == userID, nil
}

func (s *MongoStore) ListConversations(ctx context.Context, userID string) ([]registrystore.ConversationSummary, error) {
	cursor, err := s.conversations().Find(ctx,
		bson.M{"owner_user_id": userID},
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	summaries := []registrystore.ConversationSummary{}
	for cursor.Next(ctx) {
		var doc convDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode conversation: %w", err)
		}
		summaries = append(summaries, *s.toConversationSummary(&doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	return summaries, nil
}

func (s *MongoStore) TouchConversation(ctx context.Context, userID string, conversationID string) error {
	if _, err := s.requireOwner(ctx, userID, conversationID); err != nil {
		return err
	}
	_, err := s.conversations().UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{"updated_at": time.Now()}})
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

func (s *MongoStore) SetTitleIfEmpty(ctx context.Context, userID string, conversationID string, title string) error {
	if _, err := s.requireOwner(ctx, userID, conversationID); err != nil {
		return err
	}
	_, err := s.conversations().UpdateOne(ctx,
		bson.M{
			"_id": conversationID,
			"$or": []bson.M{
				{"title": bson.M{"$exists": false}},
				{"title": nil},
				{"title": []byte{}},
			},
		},
		bson.M{"$set": bson.M{"title": s.encrypt([]byte(title))}})
	if err != nil {
		return fmt.Errorf("failed to set title: %w", err)
	}
	return nil
}

func (s *MongoStore) DeleteConversation(ctx context.Context, userID string, conversationID string) error {
	if _, err := s.requireOwner(ctx, userID, conversationID); err != nil {
		return err
	}

	// Leaf-first so a partial failure never orphans reachable data: the
	// conversation record goes away last.
	if _, err := s.messages().DeleteMany(ctx, bson.M{"conversation_id": conversationID}); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := s.branches().DeleteMany(ctx, bson.M{"conversation_id": conversationID}); err != nil {
		return fmt.Errorf("failed to delete branches: %w", err)
	}
	if _, err := s.conversations().DeleteOne(ctx, bson.M{"_id": conversationID}); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	s.dropConversationCache(ctx, conversationID)
	return nil
}

func (s *MongoStore) toConversationSummary(doc *convDoc) *registrystore.ConversationSummary {
	return &registrystore.ConversationSummary{
		ID:          doc.ID,
		Title:       s.decryptString(doc.Title),
		OwnerUserID: doc.OwnerUserID,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}

// --- Branches ---

func (s *MongoStore) GetOrCreateBranch(ctx context.Context, userID string, conversationID string, branchID string, opts registrystore.BranchOptions) (*registrystore.BranchSummary, error) {
	if strings.TrimSpace(branchID) == "" {
		return nil, &registrystore.ValidationError{Field: "branchId", Message: "must not be empty"}
	}
	if (opts.ParentBranchID == nil) != (opts.ParentMessageID == nil) {
		return nil, &registrystore.ValidationError{Field: "parentBranchId", Message: "parentBranchId and parentMessageId must be set together"}
	}
	if _, err := s.requireOwner(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	filter := bson.M{"conversation_id": conversationID, "branch_id": branchID}
	var doc branchDoc
	err := s.branches().FindOne(ctx, filter).Decode(&doc)
	if err == nil {
		return toBranchSummary(&doc), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to load branch: %w", err)
	}

	now := time.Now()
	doc = branchDoc{
		BranchID:        branchID,
		ConversationID:  conversationID,
		Name:            opts.Name,
		ParentBranchID:  opts.ParentBranchID,
		ParentMessageID: opts.ParentMessageID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, err := s.branches().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if err := s.branches().FindOne(ctx, filter).Decode(&doc); err == nil {
				return toBranchSummary(&doc), nil
			}
		}
		return nil, fmt.Errorf("failed to create branch: %w", err)
	}
	return toBranchSummary(&doc), nil
}

func (s *MongoStore) ListBranches(ctx context.Context, userID string, conversationID string) ([]registrystore.BranchSummary, error) {
	_, err := s.requireOwner(ctx, userID, conversationID)
	if registrystore.IsNotFound(err) {
		return []registrystore.BranchSummary{}, nil
	}
	if err != nil {
		return nil, err
	}

	cursor, err := s.branches().Find(ctx, bson.M{"conversation_id": conversationID})
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer cursor.Close(ctx)

	summaries := []registrystore.BranchSummary{}
	for cursor.Next(ctx) {
		var doc branchDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode branch: %w", err)
		}
		summaries = append(summaries, *toBranchSummary(&doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate branches: %w", err)
	}
	return summaries, nil
}

func (s *MongoStore) TouchBranch(ctx context.Context, userID string, conversationID string, branchID string) error {
	if _, err := s.requireOwner(ctx, userID, conversationID); err != nil {
		return err
	}
	result, err := s.branches().UpdateOne(ctx,
		bson.M{"conversation_id": conversationID, "branch_id": branchID},
		bson.M{"$set": bson.M{"updated_at": time.Now()}})
	if err != nil {
		return fmt.Errorf("failed to touch branch: %w", err)
	}
	if result.MatchedCount == 0 {
		return &registrystore.NotFoundError{Resource: "branch", ID: branchID}
	}
	return nil
}

func toBranchSummary(doc *branchDoc) *registrystore.BranchSummary {
	return &registrystore.BranchSummary{
		ID:              doc.BranchID,
		ConversationID:  doc.ConversationID,
		Name:            doc.Name,
		ParentBranchID:  doc.ParentBranchID,
		ParentMessageID: doc.ParentMessageID,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
}

// --- Messages ---

func (s *MongoStore) AppendMessage(ctx context.Context, userID string, conversationID string, branchID string, role model.Role, content string) (*registrystore.ChatMessage, error) {
	if !role.Valid() {
		return nil, &registrystore.ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", role)}
	}
	if _, err := s.requireOwner(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	branchFilter := bson.M{"conversation_id": conversationID, "branch_id": branchID}
	var branch branchDoc
	if err := s.branches().FindOne(ctx, branchFilter).Decode(&branch); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &registrystore.NotFoundError{Resource: "branch", ID: branchID}
		}
		return nil, fmt.Errorf("failed to load branch: %w", err)
	}

	now := time.Now()
	ts := now

	// Per-branch timestamps never go backwards: appends landing within the
	// same tick get a microsecond bump past the previous message.
	var last messageDoc
	err := s.messages().FindOne(ctx,
		bson.M{"conversation_id": conversationID, "branch_id": branchID},
		options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})).Decode(&last)
	if err == nil && !last.Timestamp.Before(ts) {
		ts = last.Timestamp.Add(time.Microsecond)
	} else if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to load last message: %w", err)
	}

	doc := messageDoc{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		BranchID:       branchID,
		Role:           string(role),
		Content:        s.encrypt([]byte(content)),
		Timestamp:      ts,
	}
	if _, err := s.messages().InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	if _, err := s.branches().UpdateOne(ctx, branchFilter,
		bson.M{"$set": bson.M{"updated_at": now}}); err != nil {
		return nil, fmt.Errorf("failed to touch branch: %w", err)
	}
	if _, err := s.conversations().UpdateOne(ctx, bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{"updated_at": now}}); err != nil {
		return nil, fmt.Errorf("failed to touch conversation: %w", err)
	}

	s.dropBranchCache(ctx, conversationID, branchID)

	return &registrystore.ChatMessage{
		ID:        doc.ID,
		Role:      role,
		Content:   content,
		Timestamp: ts,
	}, nil
}

func (s *MongoStore) ListMessages(ctx context.Context, userID string, conversationID string, branchID string) ([]registrystore.ChatMessage, error) {
	_, err := s.requireOwner(ctx, userID, conversationID)
	if registrystore.IsNotFound(err) {
		return []registrystore.ChatMessage{}, nil
	}
	if err != nil {
		return nil, err
	}

	if s.msgCache != nil && s.msgCache.Available() {
		cached, err := s.msgCache.Get(ctx, conversationID, branchID)
		if err != nil {
			log.Warn("messages cache get failed", "error", err)
		} else if cached != nil {
			return cached.Messages, nil
		}
	}

	cursor, err := s.messages().Find(ctx,
		bson.M{"conversation_id": conversationID, "branch_id": branchID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer cursor.Close(ctx)

	result := []registrystore.ChatMessage{}
	for cursor.Next(ctx) {
		var doc messageDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		result = append(result, registrystore.ChatMessage{
			ID:        doc.ID,
			Role:      model.Role(doc.Role),
			Content:   s.decryptString(doc.Content),
			Timestamp: doc.Timestamp,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	if s.msgCache != nil && s.msgCache.Available() {
		ttl := time.Minute
		if s.cfg != nil && s.cfg.CacheConversationsTTL > 0 {
			ttl = s.cfg.CacheConversationsTTL
		}
		if err := s.msgCache.Set(ctx, conversationID, branchID, registrycache.CachedMessages{Messages: result}, ttl); err != nil {
			log.Warn("messages cache set failed", "error", err)
		}
	}
	return result, nil
}

// --- Forking ---

func (s *MongoStore) CreateBranchFromMessage(ctx context.Context, userID string, req registrystore.ForkRequest) (*registrystore.BranchSummary, error) {
	if _, err := s.requireOwner(ctx, userID, req.ConversationID); err != nil {
		return nil, err
	}

	cursor, err := s.messages().Find(ctx,
		bson.M{"conversation_id": req.ConversationID, "branch_id": req.SourceBranchID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to load source messages: %w", err)
	}
	var msgs []messageDoc
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("failed to decode source messages: %w", err)
	}

	cut := -1
	for i := range msgs {
		if msgs[i].ID == req.MessageID {
			cut = i
			break
		}
	}
	if cut < 0 {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: req.MessageID}
	}

	newBranchID := ""
	if req.BranchID != nil {
		newBranchID = strings.TrimSpace(*req.BranchID)
	}
	if newBranchID == "" {
		newBranchID = registrystore.DeriveBranchID(req.Name, req.MessageID)
	}
	if newBranchID == model.MainBranchID {
		return nil, &registrystore.ValidationError{Field: "branchId", Message: `"main" is reserved`}
	}

	parentBranchID := req.SourceBranchID
	parentMessageID := req.MessageID
	branch, err := s.GetOrCreateBranch(ctx, userID, req.ConversationID, newBranchID, registrystore.BranchOptions{
		Name:            req.Name,
		ParentBranchID:  &parentBranchID,
		ParentMessageID: &parentMessageID,
	})
	if err != nil {
		return nil, err
	}

	// Copy the prefix one message at a time so each copy gets a fresh id
	// and timestamp. A mid-copy fault leaves the partial prefix in place.
	for i := 0; i <= cut; i++ {
		content := s.decryptString(msgs[i].Content)
		if _, err := s.AppendMessage(ctx, userID, req.ConversationID, newBranchID, model.Role(msgs[i].Role), content); err != nil {
			return nil, fmt.Errorf("failed to copy message %s: %w", msgs[i].ID, err)
		}
	}

	s.dropBranchCache(ctx, req.ConversationID, newBranchID)
	return branch, nil
}

// --- Cache invalidation ---

func (s *MongoStore) dropBranchCache(ctx context.Context, conversationID string, branchID string) {
	if s.msgCache == nil || !s.msgCache.Available() {
		return
	}
	if err := s.msgCache.Remove(ctx, conversationID, branchID); err != nil {
		log.Warn("messages cache remove failed", "error", err)
	}
}

func (s *MongoStore) dropConversationCache(ctx context.Context, conversationID string) {
	if s.msgCache == nil || !s.msgCache.Available() {
		return
	}
	if err := s.msgCache.RemoveConversation(ctx, conversationID); err != nil {
		log.Warn("messages cache remove failed", "error", err)
	}
}
