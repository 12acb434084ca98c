package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/changqingla/ireader/internal/cache"
)

const summaryKeyPrefix = "ireader:docsum:"

// summaryCacheName labels this cache's hit/miss series.
const summaryCacheName = "doc_summary"

// CacheRecorder receives cache hit/miss accounting. The metrics collector
// implements it; a nil recorder disables recording.
type CacheRecorder interface {
	RecordCacheHit(cache string)
	RecordCacheMiss(cache string)
}

// DocSummary is one cached per-document condensed summary.
type DocSummary struct {
	DocID       string    `json:"doc_id"`
	ContentHash string    `json:"content_hash"`
	Summary     string    `json:"summary"`
	CreatedAt   time.Time `json:"created_at"`
}

// SummaryCache is the content-hash-keyed cache of per-document summaries.
// Keys include the document's content hash, so edits invalidate
// automatically. A failing cache store degrades to a miss.
type SummaryCache struct {
	cache    *cache.Manager
	ttl      time.Duration
	recorder CacheRecorder
	logger   *zap.Logger
}

// NewSummaryCache creates a summary cache. ttl == 0 disables expiry
// decisions here and defers to the cache manager default.
func NewSummaryCache(cacheMgr *cache.Manager, ttl time.Duration, logger *zap.Logger) *SummaryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SummaryCache{
		cache:  cacheMgr,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "summary_cache")),
	}
}

// SetRecorder attaches hit/miss accounting.
func (s *SummaryCache) SetRecorder(r CacheRecorder) { s.recorder = r }

// ContentHash returns the cache hash for a document body.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:16])
}

func summaryKey(docID, contentHash string) string {
	return summaryKeyPrefix + docID + ":" + contentHash
}

// GetBatch checks the cache for each (docID, contentHash) pair in one round
// trip. forceRefresh bypasses the cache entirely. The result maps docID to
// its cached summary; absent ids are misses.
func (s *SummaryCache) GetBatch(ctx context.Context, docs map[string]string, forceRefresh bool) map[string]DocSummary {
	hits := make(map[string]DocSummary)
	if s.cache == nil || forceRefresh || len(docs) == 0 {
		return hits
	}

	ids := make([]string, 0, len(docs))
	keys := make([]string, 0, len(docs))
	for docID, hash := range docs {
		ids = append(ids, docID)
		keys = append(keys, summaryKey(docID, hash))
	}

	vals, err := s.cache.MGet(ctx, keys...)
	if err != nil {
		s.logger.Warn("summary cache batch read failed, treating as miss", zap.Error(err))
		s.record(hits, ids)
		return hits
	}

	for i, val := range vals {
		if val == "" {
			continue
		}
		var sum DocSummary
		if err := json.Unmarshal([]byte(val), &sum); err != nil {
			s.logger.Warn("corrupt summary cache entry", zap.String("doc_id", ids[i]), zap.Error(err))
			continue
		}
		hits[ids[i]] = sum
	}
	s.record(hits, ids)
	return hits
}

// record accounts one hit or miss per looked-up document.
func (s *SummaryCache) record(hits map[string]DocSummary, ids []string) {
	if s.recorder == nil {
		return
	}
	for _, id := range ids {
		if _, ok := hits[id]; ok {
			s.recorder.RecordCacheHit(summaryCacheName)
		} else {
			s.recorder.RecordCacheMiss(summaryCacheName)
		}
	}
}

// PutBatch persists newly generated summaries in one write.
func (s *SummaryCache) PutBatch(ctx context.Context, summaries []DocSummary) {
	if s.cache == nil || len(summaries) == 0 {
		return
	}

	entries := make(map[string]any, len(summaries))
	for _, sum := range summaries {
		entries[summaryKey(sum.DocID, sum.ContentHash)] = sum
	}
	if err := s.cache.MSetJSON(ctx, entries, s.ttl); err != nil {
		s.logger.Warn("summary cache batch write failed", zap.Error(err))
	}
}
