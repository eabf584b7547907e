// Package knowledge holds the shared, versioned knowledge items exchanged
// over knowledge-sync and resolves conflicting submissions.
package knowledge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cognitivecities/neuralhub/internal/core"
	"github.com/cognitivecities/neuralhub/internal/logging"
	"github.com/cognitivecities/neuralhub/internal/metrics"
)

// DefaultDecayWindow is the age at which an item's effective score reaches zero
const DefaultDecayWindow = 30 * 24 * time.Hour

// Backend persists accepted items. The store holds the authoritative copy
// in memory and writes through on every accepted submission.
type Backend interface {
	Put(ctx context.Context, item core.KnowledgeItem) error
	All(ctx context.Context) ([]core.KnowledgeItem, error)
	Delete(ctx context.Context, id string) error
}

// Indexer receives accepted items, e.g. for similarity search. Index
// failures never fail a submission.
type Indexer interface {
	Index(ctx context.Context, item core.KnowledgeItem) error
	Remove(ctx context.Context, id string) error
}

// Config for the knowledge store
type Config struct {
	Backend     Backend // nil keeps items in memory only
	Indexer     Indexer
	DecayWindow time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Collector
	Now         func() time.Time
}

// Resolution describes how a submission was settled
type Resolution struct {
	Item           core.KnowledgeItem `json:"item"`
	Created        bool               `json:"created"`  // first submission for the id
	Accepted       bool               `json:"accepted"` // candidate's content is now stored
	CandidateScore float64            `json:"candidate_score"`
	ExistingScore  float64            `json:"existing_score"`
}

// Outcome names the resolution for logs and metrics
func (r Resolution) Outcome() string {
	switch {
	case r.Created:
		return "created"
	case r.Accepted:
		return "accepted"
	default:
		return "kept"
	}
}

// Store is the in-memory knowledge store
type Store struct {
	backend Backend
	indexer Indexer
	window  time.Duration
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	locks *keyedMutex

	mu    sync.RWMutex
	items map[string]core.KnowledgeItem
}

// New creates an empty store. Call Load to restore persisted items.
func New(cfg Config) *Store {
	if cfg.DecayWindow <= 0 {
		cfg.DecayWindow = DefaultDecayWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		backend: cfg.Backend,
		indexer: cfg.Indexer,
		window:  cfg.DecayWindow,
		logger:  logging.OrNop(cfg.Logger).Named("knowledge"),
		metrics: cfg.Metrics,
		now:     cfg.Now,
		locks:   newKeyedMutex(),
		items:   make(map[string]core.KnowledgeItem),
	}
}

// Load replaces the in-memory state with the backend's contents
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	items, err := s.backend.All(ctx)
	if err != nil {
		return fmt.Errorf("load knowledge: %w", err)
	}

	loaded := make(map[string]core.KnowledgeItem, len(items))
	for _, item := range items {
		loaded[item.ID] = item.Clone()
	}

	s.mu.Lock()
	s.items = loaded
	s.mu.Unlock()

	s.logger.Info("knowledge loaded", zap.Int("items", len(loaded)))
	return nil
}

// ValidateItem checks a candidate before it can touch any state
func ValidateItem(item core.KnowledgeItem) error {
	if strings.TrimSpace(item.ID) == "" {
		return core.Errorf(core.ErrInvalidKnowledgeItem, "id is empty")
	}
	if math.IsNaN(item.Confidence) || item.Confidence < 0 || item.Confidence > 1 {
		return core.Errorf(core.ErrInvalidKnowledgeItem, "confidence %v outside [0, 1]", item.Confidence)
	}
	return nil
}

// Score is the effective score: confidence decayed linearly to zero over
// window, measured from the item's last update. Submit never stores a future
// timestamp; one passed here directly counts as age zero.
func Score(item core.KnowledgeItem, now time.Time, window time.Duration) float64 {
	age := now.Sub(item.UpdatedAt)
	if age < 0 {
		age = 0
	}
	decay := math.Max(0, 1-float64(age)/float64(window))
	return item.Confidence * decay
}

// Get returns the current value for id
func (s *Store) Get(_ context.Context, id string) (core.KnowledgeItem, error) {
	s.mu.RLock()
	item, ok := s.items[id]
	s.mu.RUnlock()

	if !ok {
		return core.KnowledgeItem{}, core.Errorf(core.ErrNotFound, "%q", id)
	}
	return item.Clone(), nil
}

// Len returns the number of stored items
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Submit resolves candidate against the stored value for its id. The
// candidate wins when its effective score is at least the existing one; the
// version advances on every submission either way.
func (s *Store) Submit(ctx context.Context, candidate core.KnowledgeItem) (Resolution, error) {
	if err := ValidateItem(candidate); err != nil {
		s.metrics.KnowledgeSubmitted("rejected")
		return Resolution{}, err
	}

	unlock := s.locks.Lock(candidate.ID)
	defer unlock()

	now := s.now()
	candidate = candidate.Clone()
	candidate.Hash = core.ContentHash(candidate.Content)
	// Timestamps come from the sender; one in the future would hold off decay
	if candidate.UpdatedAt.IsZero() || candidate.UpdatedAt.After(now) {
		candidate.UpdatedAt = now
	}
	if candidate.CreatedAt.After(candidate.UpdatedAt) {
		candidate.CreatedAt = candidate.UpdatedAt
	}

	s.mu.RLock()
	existing, exists := s.items[candidate.ID]
	s.mu.RUnlock()

	res := Resolution{CandidateScore: Score(candidate, now, s.window)}

	switch {
	case !exists:
		res.Created = true
		res.Accepted = true
		res.Item = candidate
		res.Item.Version = 1
		if res.Item.CreatedAt.IsZero() {
			res.Item.CreatedAt = candidate.UpdatedAt
		}

	default:
		res.ExistingScore = Score(existing, now, s.window)
		if res.CandidateScore >= res.ExistingScore {
			res.Accepted = true
			res.Item = candidate
			res.Item.CreatedAt = existing.CreatedAt
		} else {
			res.Item = existing.Clone()
		}
		res.Item.Version = existing.Version + 1
	}

	if s.backend != nil {
		if err := s.backend.Put(ctx, res.Item); err != nil {
			return Resolution{}, fmt.Errorf("persist knowledge %q: %w", candidate.ID, err)
		}
	}

	s.mu.Lock()
	s.items[res.Item.ID] = res.Item
	s.mu.Unlock()

	s.metrics.KnowledgeSubmitted(res.Outcome())
	s.logger.Debug("knowledge submitted",
		zap.String("id", res.Item.ID),
		zap.String("outcome", res.Outcome()),
		zap.Uint64("version", res.Item.Version),
		zap.Float64("candidate_score", res.CandidateScore),
		zap.Float64("existing_score", res.ExistingScore),
	)

	if s.indexer != nil && res.Accepted {
		if err := s.indexer.Index(ctx, res.Item); err != nil {
			s.logger.Warn("knowledge not indexed", zap.String("id", res.Item.ID), zap.Error(err))
		}
	}

	res.Item = res.Item.Clone()
	return res, nil
}

// Evict drops items not updated since cutoff and returns how many went
func (s *Store) Evict(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.RLock()
	var stale []string
	for id, item := range s.items {
		if item.UpdatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(stale)

	evicted := 0
	for _, id := range stale {
		removed, err := s.evict(ctx, id, cutoff)
		if err != nil {
			return evicted, err
		}
		if removed {
			evicted++
		}
	}

	if evicted > 0 {
		s.logger.Info("knowledge evicted", zap.Int("items", evicted), zap.Time("cutoff", cutoff))
	}
	return evicted, nil
}

func (s *Store) evict(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	// A submission may have refreshed the item since the scan
	s.mu.RLock()
	item, ok := s.items[id]
	s.mu.RUnlock()
	if !ok || !item.UpdatedAt.Before(cutoff) {
		return false, nil
	}

	if s.backend != nil {
		if err := s.backend.Delete(ctx, id); err != nil {
			return false, fmt.Errorf("evict knowledge %q: %w", id, err)
		}
	}

	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()

	if s.indexer != nil {
		if err := s.indexer.Remove(ctx, id); err != nil {
			s.logger.Warn("knowledge not removed from index", zap.String("id", id), zap.Error(err))
		}
	}
	return true, nil
}
