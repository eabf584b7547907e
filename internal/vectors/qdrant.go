// Package vectors indexes knowledge items in Qdrant for similarity search.
package vectors

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// Config for vector store
type Config struct {
	Host       string // Qdrant host, default "localhost"
	Port       int    // Qdrant gRPC port, default 6334
	UseTLS     bool
	Collection string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Host:       "localhost",
		Port:       6334,
		Collection: "neuralhub_knowledge",
	}
}

// pointsClient is the subset of *qdrant.Client the store uses
type pointsClient interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Close() error
}

// Store wraps the Qdrant client for one collection
type Store struct {
	client     pointsClient
	collection string
}

// NewStore connects to Qdrant
func NewStore(cfg Config) (*Store, error) {
	def := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.Collection == "" {
		cfg.Collection = def.Collection
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	return &Store{client: client, collection: cfg.Collection}, nil
}

// Close closes the Qdrant connection
func (s *Store) Close() error {
	return s.client.Close()
}

// EnsureCollection creates the collection when it does not exist
func (s *Store) EnsureCollection(ctx context.Context, dimension uint64) (created bool, err error) {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return false, fmt.Errorf("failed to check collection %s: %w", s.collection, err)
	}
	if exists {
		return false, nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     dimension,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return false, fmt.Errorf("failed to create collection %s: %w", s.collection, err)
	}
	return true, nil
}

// Point represents a vector point. ID is any stable string key.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// PointID maps a key to the UUID Qdrant stores it under
func PointID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("neuralhub:"+key)).String()
}

// Upsert inserts or updates vectors
func (s *Store) Upsert(ctx context.Context, points []Point) error {
	qdrantPoints := make([]*qdrant.PointStruct, len(points))

	for i, p := range points {
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(p.ID)),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: toQdrantPayload(p.Payload),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// SearchResult is a search result
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]interface{}
}

// Search performs semantic search
func (s *Store) Search(ctx context.Context, vector []float32, limit uint64, filter map[string]interface{}) ([]SearchResult, error) {
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(limit),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         buildFilter(filter),
	})
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	searchResults := make([]SearchResult, len(results))
	for i, r := range results {
		searchResults[i] = SearchResult{
			ID:      r.GetId().GetUuid(),
			Score:   r.GetScore(),
			Payload: fromQdrantPayload(r.GetPayload()),
		}
	}
	return searchResults, nil
}

// Delete removes points by key
func (s *Store) Delete(ctx context.Context, keys []string) error {
	pointIDs := make([]*qdrant.PointId, len(keys))
	for i, key := range keys {
		pointIDs[i] = qdrant.NewIDUUID(PointID(key))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: pointIDs,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	return nil
}

// Helper functions for payload conversion
func toQdrantPayload(payload map[string]interface{}) map[string]*qdrant.Value {
	result := make(map[string]*qdrant.Value)
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			result[k] = qdrant.NewValueString(val)
		case int:
			result[k] = qdrant.NewValueInt(int64(val))
		case int64:
			result[k] = qdrant.NewValueInt(val)
		case uint64:
			result[k] = qdrant.NewValueInt(int64(val))
		case float64:
			result[k] = qdrant.NewValueDouble(val)
		case float32:
			result[k] = qdrant.NewValueDouble(float64(val))
		case bool:
			result[k] = qdrant.NewValueBool(val)
		case []string:
			values := make([]*qdrant.Value, len(val))
			for i, s := range val {
				values[i] = qdrant.NewValueString(s)
			}
			result[k] = &qdrant.Value{Kind: &qdrant.Value_ListValue{
				ListValue: &qdrant.ListValue{Values: values},
			}}
		}
	}
	return result
}

func fromQdrantPayload(payload map[string]*qdrant.Value) map[string]interface{} {
	result := make(map[string]interface{})
	for k, v := range payload {
		switch val := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			result[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			result[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			result[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			result[k] = val.BoolValue
		case *qdrant.Value_ListValue:
			var list []string
			for _, item := range val.ListValue.GetValues() {
				if s, ok := item.GetKind().(*qdrant.Value_StringValue); ok {
					list = append(list, s.StringValue)
				}
			}
			result[k] = list
		}
	}
	return result
}

// buildFilter matches string values exactly; other types are ignored
func buildFilter(filter map[string]interface{}) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0)

	for k, v := range filter {
		if val, ok := v.(string); ok && val != "" {
			conditions = append(conditions, &qdrant.Condition{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key: k,
						Match: &qdrant.Match{
							MatchValue: &qdrant.Match_Keyword{Keyword: val},
						},
					},
				},
			})
		}
	}

	if len(conditions) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: conditions}
}
