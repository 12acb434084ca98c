package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/changqingla/ireader/internal/cache"
	"github.com/changqingla/ireader/types"
)

// ErrSessionNotFound is returned when a session id has no row.
var ErrSessionNotFound = errors.New("session not found")

const (
	sessionKeyPrefix  = "ireader:session:"
	messagesKeyPrefix = "ireader:session:msgs:"
	cacheTTL          = 30 * time.Minute
)

// CacheRecorder receives cache hit/miss accounting for the store's hot
// read paths. The metrics collector implements it; nil disables recording.
type CacheRecorder interface {
	RecordCacheHit(cache string)
	RecordCacheMiss(cache string)
}

// Store is the sole writer of Session/Message/CompressionRecord rows.
// Reads go cache-then-durable-store; every durable write invalidates the
// related cache keys. A nil cache manager disables the hot path entirely.
type Store struct {
	db       *gorm.DB
	cache    *cache.Manager
	recorder CacheRecorder
	logger   *zap.Logger
}

// NewStore creates a store. cacheMgr may be nil.
func NewStore(db *gorm.DB, cacheMgr *cache.Manager, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, cache: cacheMgr, logger: logger.With(zap.String("component", "session_store"))}
}

// SetRecorder attaches hit/miss accounting.
func (s *Store) SetRecorder(r CacheRecorder) { s.recorder = r }

func (s *Store) recordCache(name string, hit bool) {
	if s.recorder == nil {
		return
	}
	if hit {
		s.recorder.RecordCacheHit(name)
	} else {
		s.recorder.RecordCacheMiss(name)
	}
}

// AutoMigrate creates the schema.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Session{}, &Message{}, &CompressionRecord{}); err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

// CreateSession inserts a new session row. A missing id is generated.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = StatusActive
	}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession reads a session, preferring the cache.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	if s.cache != nil {
		var cached Session
		err := s.cache.GetJSON(ctx, sessionKeyPrefix+id, &cached)
		if err == nil {
			s.recordCache("session", true)
			return &cached, nil
		}
		s.recordCache("session", false)
		if !cache.IsCacheMiss(err) {
			// Cache store unavailable: treat as a miss and fall through.
			s.logger.Warn("session cache read failed", zap.String("session_id", id), zap.Error(err))
		}
	}

	var sess Session
	err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	s.backfillSession(ctx, &sess)
	return &sess, nil
}

// UpdateStatus transitions a session's lifecycle state.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	res := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("update session status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	s.invalidate(ctx, id)
	return nil
}

// AddMessage inserts a message with a transactionally assigned sequence
// number and atomically bumps the session's stats. The unique
// (session_id, seq) index guarantees a total order under concurrent writers.
func (s *Store) AddMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess Session
		if err := lockSession(tx).First(&sess, "id = ?", msg.SessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}

		var maxSeq int
		if err := tx.Model(&Message{}).Where("session_id = ?", msg.SessionID).
			Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}
		msg.Seq = maxSeq + 1

		if err := tx.Create(msg).Error; err != nil {
			return err
		}

		updates := map[string]any{
			"total_token_count": gorm.Expr("total_token_count + ?", msg.TokenCount),
			"updated_at":        time.Now(),
		}
		if msg.IsTurn() {
			updates["message_count"] = gorm.Expr("message_count + 1")
		}
		return tx.Model(&Session{}).Where("id = ?", msg.SessionID).Updates(updates).Error
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("add message: %w", err)
	}

	s.invalidate(ctx, msg.SessionID)
	return nil
}

// ListActiveMessages returns non-compressed messages ordered by sequence,
// preferring the cached list.
func (s *Store) ListActiveMessages(ctx context.Context, sessionID string) ([]Message, error) {
	if s.cache != nil {
		var cached []Message
		err := s.cache.GetJSON(ctx, messagesKeyPrefix+sessionID, &cached)
		if err == nil {
			s.recordCache("session_messages", true)
			return cached, nil
		}
		s.recordCache("session_messages", false)
		if !cache.IsCacheMiss(err) {
			s.logger.Warn("message cache read failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	var msgs []Message
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND is_compressed = ?", sessionID, false).
		Order("seq ASC").Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, messagesKeyPrefix+sessionID, msgs, cacheTTL); err != nil {
			s.logger.Warn("message cache backfill failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return msgs, nil
}

// ListAllMessages returns every message row for the session, compressed
// included. Used by stats recalculation.
func (s *Store) ListAllMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var msgs []Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq ASC").Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list all messages: %w", err)
	}
	return msgs, nil
}

// ApplyCompression persists one compression round in a single transaction:
// the record, the summary message, the is_compressed/compression_id flip on
// the originals, and the session stat adjustments.
func (s *Store) ApplyCompression(ctx context.Context, rec *CompressionRecord, summary *Message) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	ids := rec.CompressedMessageIDs()
	if len(ids) == 0 {
		return fmt.Errorf("compression record has no message ids")
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return err
		}

		var maxSeq int
		if err := tx.Model(&Message{}).Where("session_id = ?", rec.SessionID).
			Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}
		summary.Seq = maxSeq + 1
		if err := tx.Create(summary).Error; err != nil {
			return err
		}

		var turns int64
		if err := tx.Model(&Message{}).
			Where("session_id = ? AND id IN ? AND type IN ?", rec.SessionID, ids,
				[]types.MessageType{types.MessageTypeUser, types.MessageTypeAssistant}).
			Count(&turns).Error; err != nil {
			return err
		}

		res := tx.Model(&Message{}).
			Where("session_id = ? AND id IN ?", rec.SessionID, ids).
			Updates(map[string]any{"is_compressed": true, "compression_id": rec.ID})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(ids)) {
			return fmt.Errorf("expected to mark %d messages, marked %d", len(ids), res.RowsAffected)
		}

		return tx.Model(&Session{}).Where("id = ?", rec.SessionID).Updates(map[string]any{
			"total_token_count": gorm.Expr("total_token_count - ? + ?", rec.SourceTokens, rec.SummaryTokens),
			"message_count":     gorm.Expr("message_count - ?", turns),
			"compression_count": gorm.Expr("compression_count + 1"),
			"updated_at":        time.Now(),
		}).Error
	})
	if err != nil {
		return fmt.Errorf("apply compression: %w", err)
	}

	s.invalidate(ctx, rec.SessionID)
	return nil
}

// RecalculateStats recomputes session counters from message rows. Repair
// path for drift correction.
func (s *Store) RecalculateStats(ctx context.Context, sessionID string) (*Session, error) {
	msgs, err := s.ListAllMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var totalTokens, turns int
	for i := range msgs {
		if msgs[i].IsCompressed {
			continue
		}
		totalTokens += msgs[i].TokenCount
		if msgs[i].IsTurn() {
			turns++
		}
	}

	res := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", sessionID).Updates(map[string]any{
		"total_token_count": totalTokens,
		"message_count":     turns,
		"updated_at":        time.Now(),
	})
	if res.Error != nil {
		return nil, fmt.Errorf("recalculate stats: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrSessionNotFound
	}

	s.invalidate(ctx, sessionID)
	return s.GetSession(ctx, sessionID)
}

// ListCompressionRecords returns the session's compression history.
func (s *Store) ListCompressionRecords(ctx context.Context, sessionID string) ([]CompressionRecord, error) {
	var recs []CompressionRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("round ASC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list compression records: %w", err)
	}
	return recs, nil
}

func (s *Store) invalidate(ctx context.Context, sessionID string) {
	if s.cache == nil {
		return
	}
	err := s.cache.Delete(ctx, sessionKeyPrefix+sessionID, messagesKeyPrefix+sessionID)
	if err != nil {
		s.logger.Warn("cache invalidation failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *Store) backfillSession(ctx context.Context, sess *Session) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJSON(ctx, sessionKeyPrefix+sess.ID, sess, cacheTTL); err != nil {
		s.logger.Warn("session cache backfill failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

// lockSession adds FOR UPDATE on dialects that support it. SQLite
// serializes writing transactions on its own, so the clause is skipped.
func lockSession(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
