package vectors

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cognitivecities/neuralhub/internal/core"
	"github.com/cognitivecities/neuralhub/internal/logging"
	"github.com/cognitivecities/neuralhub/internal/metrics"
)

// Embedder turns text into vectors
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension(ctx context.Context) (uint64, error)
}

// Payload keys stored with every knowledge point
const (
	fieldID      = "knowledge_id"
	fieldKind    = "kind"
	fieldSource  = "source"
	fieldTags    = "tags"
	fieldVersion = "version"
)

// Match is one similarity search hit
type Match struct {
	ID    string  `json:"id"`
	Kind  string  `json:"kind,omitempty"`
	Score float32 `json:"score"`
}

// IndexConfig for the knowledge index
type IndexConfig struct {
	QueueSize int // pending updates before new ones are dropped, default 1024
	Logger    *zap.Logger
	Metrics   *metrics.Collector
}

type update struct {
	item   core.KnowledgeItem
	remove string
}

// Index keeps a similarity index of accepted knowledge items. Updates are
// queued and applied by Run, so slow embedding never holds up a submission.
type Index struct {
	store    *Store
	embedder Embedder
	logger   *zap.Logger
	metrics  *metrics.Collector
	updates  chan update
}

// NewIndex creates an index over store
func NewIndex(store *Store, embedder Embedder, cfg IndexConfig) *Index {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Index{
		store:    store,
		embedder: embedder,
		logger:   logging.OrNop(cfg.Logger).Named("vectors"),
		metrics:  cfg.Metrics,
		updates:  make(chan update, cfg.QueueSize),
	}
}

// Ensure creates the collection sized for the embedding model
func (x *Index) Ensure(ctx context.Context) error {
	dim, err := x.embedder.Dimension(ctx)
	if err != nil {
		return fmt.Errorf("embedding dimension: %w", err)
	}
	created, err := x.store.EnsureCollection(ctx, dim)
	if err != nil {
		return err
	}
	if created {
		x.logger.Info("created collection", zap.String("collection", x.store.collection), zap.Uint64("dimension", dim))
	}
	return nil
}

// Index queues item for embedding. It never blocks; a full queue drops the
// update and reports core.ErrBackpressure.
func (x *Index) Index(_ context.Context, item core.KnowledgeItem) error {
	return x.enqueue(update{item: item.Clone()}, "index")
}

// Remove queues removal of id from the index
func (x *Index) Remove(_ context.Context, id string) error {
	return x.enqueue(update{remove: id}, "remove")
}

func (x *Index) enqueue(u update, op string) error {
	select {
	case x.updates <- u:
		return nil
	default:
		x.metrics.Indexed(op, "dropped")
		return core.ErrBackpressure
	}
}

// Pending returns the number of queued updates
func (x *Index) Pending() int {
	return len(x.updates)
}

// Run applies queued updates in order until ctx is done
func (x *Index) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-x.updates:
			x.apply(ctx, u)
		}
	}
}

func (x *Index) apply(ctx context.Context, u update) {
	if u.remove != "" {
		err := x.store.Delete(ctx, []string{u.remove})
		x.record("remove", u.remove, err)
		return
	}
	x.record("index", u.item.ID, x.put(ctx, u.item))
}

func (x *Index) put(ctx context.Context, item core.KnowledgeItem) error {
	vec, err := x.embedder.Embed(ctx, embeddingText(item))
	if err != nil {
		return err
	}
	return x.store.Upsert(ctx, []Point{{
		ID:     item.ID,
		Vector: vec,
		Payload: map[string]interface{}{
			fieldID:      item.ID,
			fieldKind:    item.Kind,
			fieldSource:  item.Source,
			fieldTags:    item.Tags,
			fieldVersion: item.Version,
		},
	}})
}

func (x *Index) record(op, id string, err error) {
	if err != nil {
		x.metrics.Indexed(op, "error")
		x.logger.Warn("index update failed", zap.String("op", op), zap.String("id", id), zap.Error(err))
		return
	}
	x.metrics.Indexed(op, "ok")
}

// Similar returns the items closest to text, best first. kind narrows the
// search when not empty.
func (x *Index) Similar(ctx context.Context, text string, limit int, kind string) ([]Match, error) {
	if strings.TrimSpace(text) == "" {
		return nil, core.Errorf(core.ErrMalformedMessage, "empty similarity query")
	}
	if limit <= 0 {
		limit = 10
	}

	vec, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	results, err := x.store.Search(ctx, vec, uint64(limit), map[string]interface{}{fieldKind: kind})
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		id, _ := r.Payload[fieldID].(string)
		if id == "" {
			continue
		}
		k, _ := r.Payload[fieldKind].(string)
		matches = append(matches, Match{ID: id, Kind: k, Score: r.Score})
	}
	return matches, nil
}

// embeddingText is what gets embedded for an item
func embeddingText(item core.KnowledgeItem) string {
	var b strings.Builder
	if item.Kind != "" {
		b.WriteString(item.Kind)
		b.WriteString(": ")
	}
	b.WriteString(item.Content)
	if len(item.Tags) > 0 {
		b.WriteString("\ntags: ")
		b.WriteString(strings.Join(item.Tags, ", "))
	}
	return b.String()
}
