package postgres

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
	"github.com/chirino/thread-service/internal/security"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.ChatStore, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			if security.DBPoolMaxConnections != nil {
				security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
			}

			// Periodically update the open connections gauge.
			go func() {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if security.DBPoolOpenConnections != nil {
							security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
						}
					}
				}
			}()

			return NewStore(db, cfg, registrycache.MessagesCacheFromContext(ctx))
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &postgresMigrator{}})
}

// NewStore builds a PostgresStore over an open gorm connection. The msgCache
// may be nil when no cache plugin is configured.
func NewStore(db *gorm.DB, cfg *config.Config, msgCache registrycache.MessagesCache) (*PostgresStore, error) {
	store := &PostgresStore{
		db:       db,
		cfg:      cfg,
		msgCache: msgCache,
	}
	if err := store.setupEncryption(cfg.EncryptionKey); err != nil {
		return nil, err
	}
	return store, nil
}

type postgresMigrator struct{}

func (m *postgresMigrator) Name() string { return "postgres-schema" }
func (m *postgresMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "" && cfg.DatastoreType != "postgres" {
		return nil // skip if not using postgres
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	log.Info("Postgres schema migration complete")
	return nil
}

// PostgresStore implements ChatStore using GORM + PostgreSQL. All queries go
// through the gorm API so the same store runs on the sqlite driver in tests.
type PostgresStore struct {
	db       *gorm.DB
	cfg      *config.Config
	gcms     []cipher.AEAD
	msgCache registrycache.MessagesCache
}

// setupEncryption parses the comma-separated key list; the first key
// encrypts, every key decrypts.
func (s *PostgresStore) setupEncryption(keysCSV string) error {
	if keysCSV == "" {
		return nil
	}
	keys, err := config.DecodeEncryptionKeysCSV(keysCSV)
	if err != nil {
		return fmt.Errorf("invalid encryption key list: %w", err)
	}
	for _, key := range keys {
		gcm, err := newGCM(key)
		if err != nil {
			return fmt.Errorf("failed to create GCM: %w", err)
		}
		s.gcms = append(s.gcms, gcm)
	}
	return nil
}

func (s *PostgresStore) encrypt(plaintext []byte) ([]byte, error) {
	if len(s.gcms) == 0 || plaintext == nil {
		return plaintext, nil
	}
	gcm := s.gcms[0]
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *PostgresStore) decrypt(ciphertext []byte) ([]byte, error) {
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
		nonce, payload := ciphertext[:nonceSize], ciphertext[nonceSize:]
		plaintext, err := gcm.Open(nil, nonce, payload, nil)
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

func (s *PostgresStore) decryptString(data []byte) string {
	plain, err := s.decrypt(data)
	if err != nil {
		return string(data) // fallback for unencrypted data
	}
	return string(plain)
}

// requireOwner loads the conversation and enforces ownership. An absent
// conversation is a NotFoundError; a different owner is a ForbiddenError.
func (s *PostgresStore) requireOwner(ctx context.Context, userID string, conversationID string) (*model.Conversation, error) {
	var conv model.Conversation
	result := s.db.WithContext(ctx).Where("id = ?", conversationID).Limit(1).Find(&conv)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "conversation", ID: conversationID}
	}
	if conv.OwnerUserID != userID {
		return nil, &ForbiddenError{}
	}
	return &conv, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed")
}

// --- Conversations ---

func (s *PostgresStore) GetOrCreateConversation(ctx context.Context, userID string, conversationID string) (*registrystore.ConversationSummary, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, &ValidationError{Field: "conversationId", Message: "must not be empty"}
	}

	conv, err := s.requireOwner(ctx, userID, conversationID)
	if err == nil {
		return s.toConversationSummary(conv), nil
	}
	if !registrystore.IsNotFound(err) {
		return nil, err
	}

	now := time.Now()
	created := model.Conversation{
		ID:          conversationID,
		OwnerUserID: userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&created).Error; err != nil {
		if isDuplicateKey(err) {
			// Lost a create race; the winner's row decides ownership.
			conv, err = s.requireOwner(ctx, userID, conversationID)
			if err != nil {
				return nil, err
			}
			return s.toConversationSummary(conv), nil
		}
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return s.toConversationSummary(&created), nil
}

func (s *PostgresStore) IsOwner(ctx context.Context, conversationID string, userID string) (bool, error) {
	var conv model.Conversation
	result := s.db.WithContext(ctx).Select("id", "owner_user_id").Where("id = ?", conversationID).Limit(1).Find(&conv)
	if result.Error != nil {
		return false, fmt.Errorf("failed to load conversation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	return conv.OwnerUserID == userID, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]registrystore.ConversationSummary, error) {
	var convs []model.Conversation
	if err := s.db.WithContext(ctx).
		Where("owner_user_id = ?", userID).
		Order("updated_at DESC").
		Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	summaries := make([]registrystore.ConversationSummary, len(convs))
	for i := range convs {
		summaries[i] = *s.toConversationSummary(&convs[i])
	}
	return summaries, nil
}

func (s *PostgresStore) TouchConversation(ctx context.Context, userID string, conversationID string) error {
	if _, err := s.requireOwner(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("id = ?", conversationID).
		Update("updated_at", time.Now()).Error; err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetTitleIfEmpty(ctx context.Context, userID string, conversationID string, title string) error {
	if _, err := s.requireOwner(ctx, userID, conversationID); err != nil {
		return err
	}
	encTitle, err := s.encrypt([]byte(title))
	if err != nil {
		return fmt.Errorf("failed to encrypt title: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("id = ? AND (title IS NULL OR length(title) = 0)", conversationID).
		Update("title", encTitle).Error; err != nil {
		return fmt.Errorf("failed to set title: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, userID string, conversationID string) error {
	if _, err := s.requireOwner(ctx, userID, conversationID); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", conversationID).
			Delete(&model.Message{}).Error; err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		if err := tx.Where("conversation_id = ?", conversationID).
			Delete(&model.Branch{}).Error; err != nil {
			return fmt.Errorf("failed to delete branches: %w", err)
		}
		if err := tx.Where("id = ?", conversationID).
			Delete(&model.Conversation{}).Error; err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.dropConversationCache(ctx, conversationID)
	return nil
}

func (s *PostgresStore) toConversationSummary(conv *model.Conversation) *registrystore.ConversationSummary {
	return &registrystore.ConversationSummary{
		ID:          conv.ID,
		Title:       s.decryptString(conv.Title),
		OwnerUserID: conv.OwnerUserID,
		CreatedAt:   conv.CreatedAt,
		UpdatedAt:   conv.UpdatedAt,
	}
}

// --- Branches ---

func (s *PostgresStore) GetOrCreateBranch(ctx context.Context, userID string, conversationID string, branchID string, opts registrystore.BranchOptions) (*registrystore.BranchSummary, error) {
	if strings.TrimSpace(branchID) == "" {
		return nil, &ValidationError{Field: "branchId", Message: "must not be empty"}
	}
	if (opts.ParentBranchID == nil) != (opts.ParentMessageID == nil) {
		return nil, &ValidationError{Field: "parentBranchId", Message: "parentBranchId and parentMessageId must be set together"}
	}
	if _, err := s.requireOwner(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	var branch model.Branch
	result := s.db.WithContext(ctx).
		Where("id = ? AND conversation_id = ?", branchID, conversationID).
		Limit(1).Find(&branch)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load branch: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return toBranchSummary(&branch), nil
	}

	now := time.Now()
	branch = model.Branch{
		ID:              branchID,
		ConversationID:  conversationID,
		Name:            opts.Name,
		ParentBranchID:  opts.ParentBranchID,
		ParentMessageID: opts.ParentMessageID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.db.WithContext(ctx).Create(&branch).Error; err != nil {
		if isDuplicateKey(err) {
			result = s.db.WithContext(ctx).
				Where("id = ? AND conversation_id = ?", branchID, conversationID).
				Limit(1).Find(&branch)
			if result.Error == nil && result.RowsAffected > 0 {
				return toBranchSummary(&branch), nil
			}
		}
		return nil, fmt.Errorf("failed to create branch: %w", err)
	}
	return toBranchSummary(&branch), nil
}

func (s *PostgresStore) ListBranches(ctx context.Context, userID string, conversationID string) ([]registrystore.BranchSummary, error) {
	_, err := s.requireOwner(ctx, userID, conversationID)
	if registrystore.IsNotFound(err) {
		return []registrystore.BranchSummary{}, nil
	}
	if err != nil {
		return nil, err
	}

	var branches []model.Branch
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Find(&branches).Error; err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}

	summaries := make([]registrystore.BranchSummary, len(branches))
	for i := range branches {
		summaries[i] = *toBranchSummary(&branches[i])
	}
	return summaries, nil
}

func (s *PostgresStore) TouchBranch(ctx context.Context, userID string, conversationID string, branchID string) error {
	if _, err := s.requireOwner(ctx, userID, conversationID); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Model(&model.Branch{}).
		Where("id = ? AND conversation_id = ?", branchID, conversationID).
		Update("updated_at", time.Now())
	if result.Error != nil {
		return fmt.Errorf("failed to touch branch: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return &NotFoundError{Resource: "branch", ID: branchID}
	}
	return nil
}

func toBranchSummary(branch *model.Branch) *registrystore.BranchSummary {
	return &registrystore.BranchSummary{
		ID:              branch.ID,
		ConversationID:  branch.ConversationID,
		Name:            branch.Name,
		ParentBranchID:  branch.ParentBranchID,
		ParentMessageID: branch.ParentMessageID,
		CreatedAt:       branch.CreatedAt,
		UpdatedAt:       branch.UpdatedAt,
	}
}

// --- Messages ---

func (s *PostgresStore) AppendMessage(ctx context.Context, userID string, conversationID string, branchID string, role model.Role, content string) (*registrystore.ChatMessage, error) {
	if !role.Valid() {
		return nil, &ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", role)}
	}
	if _, err := s.requireOwner(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	encContent, err := s.encrypt([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message content: %w", err)
	}

	msg := model.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		BranchID:       branchID,
		Role:           role,
		Content:        encContent,
	}
	now := time.Now()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var branch model.Branch
		result := tx.Where("id = ? AND conversation_id = ?", branchID, conversationID).Limit(1).Find(&branch)
		if result.Error != nil {
			return fmt.Errorf("failed to load branch: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return &NotFoundError{Resource: "branch", ID: branchID}
		}

		// Per-branch timestamps never go backwards, even when the wall
		// clock does: appends within the same tick get a microsecond bump.
		msg.Timestamp = now
		var last model.Message
		result = tx.Select("timestamp").
			Where("conversation_id = ? AND branch_id = ?", conversationID, branchID).
			Order("timestamp DESC").Limit(1).Find(&last)
		if result.Error != nil {
			return fmt.Errorf("failed to load last message: %w", result.Error)
		}
		if result.RowsAffected > 0 && !last.Timestamp.Before(msg.Timestamp) {
			msg.Timestamp = last.Timestamp.Add(time.Microsecond)
		}

		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("failed to append message: %w", err)
		}
		if err := tx.Model(&model.Branch{}).
			Where("id = ? AND conversation_id = ?", branchID, conversationID).
			Update("updated_at", now).Error; err != nil {
			return fmt.Errorf("failed to touch branch: %w", err)
		}
		if err := tx.Model(&model.Conversation{}).
			Where("id = ?", conversationID).
			Update("updated_at", now).Error; err != nil {
			return fmt.Errorf("failed to touch conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.dropBranchCache(ctx, conversationID, branchID)

	return &registrystore.ChatMessage{
		ID:        msg.ID.String(),
		Role:      role,
		Content:   content,
		Timestamp: msg.Timestamp,
	}, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, userID string, conversationID string, branchID string) ([]registrystore.ChatMessage, error) {
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

	var msgs []model.Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND branch_id = ?", conversationID, branchID).
		Order("timestamp ASC").
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	result := make([]registrystore.ChatMessage, len(msgs))
	for i := range msgs {
		result[i] = registrystore.ChatMessage{
			ID:        msgs[i].ID.String(),
			Role:      msgs[i].Role,
			Content:   s.decryptString(msgs[i].Content),
			Timestamp: msgs[i].Timestamp,
		}
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

func (s *PostgresStore) CreateBranchFromMessage(ctx context.Context, userID string, req registrystore.ForkRequest) (*registrystore.BranchSummary, error) {
	if _, err := s.requireOwner(ctx, userID, req.ConversationID); err != nil {
		return nil, err
	}

	var msgs []model.Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND branch_id = ?", req.ConversationID, req.SourceBranchID).
		Order("timestamp ASC").
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to load source messages: %w", err)
	}

	cut := -1
	for i := range msgs {
		if msgs[i].ID.String() == req.MessageID {
			cut = i
			break
		}
	}
	if cut < 0 {
		return nil, &NotFoundError{Resource: "message", ID: req.MessageID}
	}

	newBranchID := ""
	if req.BranchID != nil {
		newBranchID = strings.TrimSpace(*req.BranchID)
	}
	if newBranchID == "" {
		newBranchID = registrystore.DeriveBranchID(req.Name, req.MessageID)
	}
	if newBranchID == model.MainBranchID {
		return nil, &ValidationError{Field: "branchId", Message: `"main" is reserved`}
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
		if _, err := s.AppendMessage(ctx, userID, req.ConversationID, newBranchID, msgs[i].Role, content); err != nil {
			return nil, fmt.Errorf("failed to copy message %s: %w", msgs[i].ID, err)
		}
	}

	s.dropBranchCache(ctx, req.ConversationID, newBranchID)
	return branch, nil
}

// --- Cache invalidation ---

func (s *PostgresStore) dropBranchCache(ctx context.Context, conversationID string, branchID string) {
	if s.msgCache == nil || !s.msgCache.Available() {
		return
	}
	if err := s.msgCache.Remove(ctx, conversationID, branchID); err != nil {
		log.Warn("messages cache remove failed", "error", err)
	}
}

func (s *PostgresStore) dropConversationCache(ctx context.Context, conversationID string) {
	if s.msgCache == nil || !s.msgCache.Available() {
		return
	}
	if err := s.msgCache.RemoveConversation(ctx, conversationID); err != nil {
		log.Warn("messages cache remove failed", "error", err)
	}
}
