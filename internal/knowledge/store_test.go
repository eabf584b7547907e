package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognitivecities/neuralhub/internal/core"
	"github.com/cognitivecities/neuralhub/internal/metrics"
	tu "github.com/cognitivecities/neuralhub/internal/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memBackend struct {
	mu     sync.Mutex
	items  map[string]core.KnowledgeItem
	putErr error
}

func newMemBackend() *memBackend {
	return &memBackend{items: make(map[string]core.KnowledgeItem)}
}

func (b *memBackend) Put(_ context.Context, item core.KnowledgeItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.putErr != nil {
		return b.putErr
	}
	b.items[item.ID] = item
	return nil
}

func (b *memBackend) All(_ context.Context) ([]core.KnowledgeItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []core.KnowledgeItem
	for _, item := range b.items {
		out = append(out, item)
	}
	return out, nil
}

func (b *memBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.items, id)
	return nil
}

type recordingIndexer struct {
	mu      sync.Mutex
	indexed []string
	removed []string
	err     error
}

func (r *recordingIndexer) Index(_ context.Context, item core.KnowledgeItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed = append(r.indexed, item.ID)
	return r.err
}

func (r *recordingIndexer) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
	return r.err
}

func newTestStore(t *testing.T, clock *tu.Clock, mutate func(*Config)) *Store {
	t.Helper()
	cfg := Config{Logger: tu.TestLogger(t), Now: clock.Now}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func TestSubmit_FirstSubmissionIsVersionOne(t *testing.T) {
	clock := tu.NewClock(epoch)
	s := newTestStore(t, clock, nil)
	ctx := context.Background()

	res, err := s.Submit(ctx, tu.NewKnowledge("k1").WithContent("draft").WithConfidence(0.4).Build())
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.True(t, res.Accepted)
	assert.Equal(t, uint64(1), res.Item.Version)
	assert.Equal(t, core.ContentHash("draft"), res.Item.Hash)
	assert.Equal(t, epoch, res.Item.UpdatedAt, "missing timestamp defaults to now")
	assert.Equal(t, epoch, res.Item.CreatedAt)

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, res.Item, got)
}

func TestSubmit_OrderIndependent(t *testing.T) {
	high := tu.NewKnowledge("k").WithContent("high").WithConfidence(0.9).UpdatedAt(epoch).Build()
	low := tu.NewKnowledge("k").WithContent("low").WithConfidence(0.3).UpdatedAt(epoch).Build()

	for name, order := range map[string][]core.KnowledgeItem{
		"high then low": {high, low},
		"low then high": {low, high},
	} {
		t.Run(name, func(t *testing.T) {
			s := newTestStore(t, tu.NewClock(epoch), nil)
			for _, item := range order {
				_, err := s.Submit(context.Background(), item)
				require.NoError(t, err)
			}

			got, err := s.Get(context.Background(), "k")
			require.NoError(t, err)
			assert.Equal(t, 0.9, got.Confidence)
			assert.Equal(t, "high", got.Content)
			assert.Equal(t, uint64(2), got.Version)
		})
	}
}

func TestSubmit_DecayFavorsFresherItem(t *testing.T) {
	clock := tu.NewClock(epoch)
	s := newTestStore(t, clock, nil)
	ctx := context.Background()

	// 0.9 written 20 days ago scores 0.3; a fresh 0.5 beats it
	old := tu.NewKnowledge("k").WithContent("old").WithConfidence(0.9).UpdatedAt(epoch.Add(-20 * 24 * time.Hour)).Build()
	_, err := s.Submit(ctx, old)
	require.NoError(t, err)

	res, err := s.Submit(ctx, tu.NewKnowledge("k").WithContent("fresh").WithConfidence(0.5).UpdatedAt(epoch).Build())
	require.NoError(t, err)

	assert.True(t, res.Accepted)
	assert.InDelta(t, 0.3, res.ExistingScore, 1e-9)
	assert.InDelta(t, 0.5, res.CandidateScore, 1e-9)
	assert.Equal(t, "fresh", res.Item.Content)
	assert.Equal(t, uint64(2), res.Item.Version)
	assert.Equal(t, old.CreatedAt, res.Item.CreatedAt, "creation time survives replacement")
}

func TestSubmit_LoserStillBumpsVersion(t *testing.T) {
	s := newTestStore(t, tu.NewClock(epoch), nil)
	ctx := context.Background()

	_, err := s.Submit(ctx, tu.NewKnowledge("k").WithContent("strong").WithConfidence(0.8).UpdatedAt(epoch).Build())
	require.NoError(t, err)

	res, err := s.Submit(ctx, tu.NewKnowledge("k").WithContent("weak").WithConfidence(0.2).UpdatedAt(epoch).Build())
	require.NoError(t, err)

	assert.False(t, res.Accepted)
	assert.Equal(t, "kept", res.Outcome())
	assert.Equal(t, "strong", res.Item.Content)
	assert.Equal(t, uint64(2), res.Item.Version)
	assert.Equal(t, epoch, res.Item.UpdatedAt, "kept item keeps its own timestamp")
}

func TestSubmit_TieGoesToCandidate(t *testing.T) {
	s := newTestStore(t, tu.NewClock(epoch), nil)
	ctx := context.Background()

	_, err := s.Submit(ctx, tu.NewKnowledge("k").WithContent("first").WithConfidence(0.6).UpdatedAt(epoch).Build())
	require.NoError(t, err)
	res, err := s.Submit(ctx, tu.NewKnowledge("k").WithContent("second").WithConfidence(0.6).UpdatedAt(epoch).Build())
	require.NoError(t, err)

	assert.True(t, res.Accepted)
	assert.Equal(t, "second", res.Item.Content)
}

func TestSubmit_ExpiredItemsScoreZero(t *testing.T) {
	s := newTestStore(t, tu.NewClock(epoch), nil)
	ctx := context.Background()

	_, err := s.Submit(ctx, tu.NewKnowledge("k").WithConfidence(1).UpdatedAt(epoch.Add(-45*24*time.Hour)).Build())
	require.NoError(t, err)

	// Also fully decayed: tie at zero, candidate wins
	res, err := s.Submit(ctx, tu.NewKnowledge("k").WithContent("also old").WithConfidence(0.1).UpdatedAt(epoch.Add(-31*24*time.Hour)).Build())
	require.NoError(t, err)
	assert.Zero(t, res.ExistingScore)
	assert.Zero(t, res.CandidateScore)
	assert.True(t, res.Accepted)
}

func TestSubmit_InvalidItemsLeaveStateUntouched(t *testing.T) {
	collector := metrics.NewCollector("test")
	s := newTestStore(t, tu.NewClock(epoch), func(cfg *Config) { cfg.Metrics = collector })
	ctx := context.Background()

	_, err := s.Submit(ctx, tu.NewKnowledge("k").WithContent("good").WithConfidence(0.5).Build())
	require.NoError(t, err)

	tests := []struct {
		name string
		item core.KnowledgeItem
	}{
		{"confidence above one", tu.NewKnowledge("k").WithConfidence(1.5).Build()},
		{"negative confidence", tu.NewKnowledge("k").WithConfidence(-0.1).Build()},
		{"NaN confidence", tu.NewKnowledge("k").WithConfidence(math.NaN()).Build()},
		{"empty id", tu.NewKnowledge("").Build()},
		{"blank id", tu.NewKnowledge("  ").Build()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Submit(ctx, tt.item)
			assert.ErrorIs(t, err, core.ErrInvalidKnowledgeItem)
		})
	}

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "good", got.Content)
	assert.Equal(t, uint64(1), got.Version)
	assert.Equal(t, float64(len(tests)), testutil.ToFloat64(collector.Submissions.WithLabelValues("rejected")))
}

func TestSubmit_BackendFailureLeavesStateUntouched(t *testing.T) {
	backend := newMemBackend()
	s := newTestStore(t, tu.NewClock(epoch), func(cfg *Config) { cfg.Backend = backend })
	ctx := context.Background()

	_, err := s.Submit(ctx, tu.NewKnowledge("k").WithContent("v1").Build())
	require.NoError(t, err)

	backend.putErr = errors.New("disk gone")
	_, err = s.Submit(ctx, tu.NewKnowledge("k").WithContent("v2").WithConfidence(1).Build())
	require.Error(t, err)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Content)
	assert.Equal(t, uint64(1), got.Version)
}

func TestSubmit_ConcurrentSameID(t *testing.T) {
	s := newTestStore(t, tu.NewClock(epoch), nil)
	ctx := context.Background()

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			item := tu.NewKnowledge("shared").
				WithContent(fmt.Sprintf("v%d", i)).
				WithConfidence(float64(i%10) / 10).
				UpdatedAt(epoch).
				Build()
			_, err := s.Submit(ctx, item)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, uint64(writers), got.Version, "every submission advances the version exactly once")
	assert.Equal(t, 0.9, got.Confidence)
	assert.Equal(t, 0, s.locks.size())
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t, tu.NewClock(epoch), nil)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, "not_found", core.Code(err))
}

func TestLoad_RestoresBackend(t *testing.T) {
	backend := newMemBackend()
	ctx := context.Background()

	first := newTestStore(t, tu.NewClock(epoch), func(cfg *Config) { cfg.Backend = backend })
	_, err := first.Submit(ctx, tu.NewKnowledge("a").Build())
	require.NoError(t, err)
	_, err = first.Submit(ctx, tu.NewKnowledge("a").WithConfidence(0.9).Build())
	require.NoError(t, err)

	second := newTestStore(t, tu.NewClock(epoch), func(cfg *Config) { cfg.Backend = backend })
	require.NoError(t, second.Load(ctx))

	got, err := second.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)
	assert.Equal(t, 0.9, got.Confidence)
}

func TestIndexer_OnlyAcceptedItems(t *testing.T) {
	indexer := &recordingIndexer{}
	s := newTestStore(t, tu.NewClock(epoch), func(cfg *Config) { cfg.Indexer = indexer })
	ctx := context.Background()

	_, err := s.Submit(ctx, tu.NewKnowledge("k").WithConfidence(0.9).UpdatedAt(epoch).Build())
	require.NoError(t, err)
	_, err = s.Submit(ctx, tu.NewKnowledge("k").WithConfidence(0.1).UpdatedAt(epoch).Build())
	require.NoError(t, err)

	indexer.err = errors.New("index offline")
	_, err = s.Submit(ctx, tu.NewKnowledge("j").Build())
	require.NoError(t, err, "index failures never fail a submission")

	assert.Equal(t, []string{"k", "j"}, indexer.indexed)
}

func TestEvict(t *testing.T) {
	clock := tu.NewClock(epoch)
	backend := newMemBackend()
	indexer := &recordingIndexer{}
	s := newTestStore(t, clock, func(cfg *Config) {
		cfg.Backend = backend
		cfg.Indexer = indexer
	})
	ctx := context.Background()

	_, err := s.Submit(ctx, tu.NewKnowledge("old").UpdatedAt(epoch.Add(-10*24*time.Hour)).Build())
	require.NoError(t, err)
	_, err = s.Submit(ctx, tu.NewKnowledge("new").UpdatedAt(epoch).Build())
	require.NoError(t, err)

	n, err := s.Evict(ctx, epoch.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, 1, s.Len())
	assert.NotContains(t, backend.items, "old")
	assert.Equal(t, []string{"old"}, indexer.removed)
}

func TestSubmit_FutureTimestampClampedToNow(t *testing.T) {
	clock := tu.NewClock(epoch)
	s := newTestStore(t, clock, nil)
	ctx := context.Background()

	future := epoch.AddDate(10, 0, 0)
	res, err := s.Submit(ctx, tu.NewKnowledge("k1").WithContent("forever").WithConfidence(0.8).UpdatedAt(future).Build())
	require.NoError(t, err)
	assert.Equal(t, epoch, res.Item.UpdatedAt)
	assert.False(t, res.Item.CreatedAt.After(res.Item.UpdatedAt))

	_, err = s.Submit(ctx, tu.NewKnowledge("k2").WithConfidence(0.8).UpdatedAt(future).Build())
	require.NoError(t, err)

	now := clock.Advance(90 * 24 * time.Hour)

	// The future-dated item has decayed like any other
	res, err = s.Submit(ctx, tu.NewKnowledge("k1").WithContent("fresh").WithConfidence(0.5).UpdatedAt(now).Build())
	require.NoError(t, err)
	assert.Zero(t, res.ExistingScore)
	assert.True(t, res.Accepted)
	assert.Equal(t, "fresh", res.Item.Content)
	assert.Equal(t, uint64(2), res.Item.Version)

	n, err := s.Evict(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.Get(ctx, "k2")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
