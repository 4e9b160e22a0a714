package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	indexName = "idx:semantic_cache"
	keyPrefix = "cache:"
)

// RedisIndex stores entries as hashes under cache:* and searches them with a
// RediSearch HNSW vector index (cosine distance, FLOAT32).
type RedisIndex struct {
	rdb  *redis.Client
	dims int
	log  *slog.Logger
}

// NewRedisIndex creates the index if it does not exist yet. dims must match
// the embedding model's output dimension.
func NewRedisIndex(ctx context.Context, rdb *redis.Client, dims int, log *slog.Logger) (*RedisIndex, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("cache: embedding dims must be > 0, got %d", dims)
	}
	if log == nil {
		log = slog.Default()
	}

	err := rdb.FTCreate(ctx, indexName,
		&redis.FTCreateOptions{
			OnHash: true,
			Prefix: []interface{}{keyPrefix},
		},
		&redis.FieldSchema{FieldName: "model", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{
			FieldName: "embedding",
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{
				HNSWOptions: &redis.FTHNSWOptions{
					Type:           "FLOAT32",
					Dim:            dims,
					DistanceMetric: "COSINE",
				},
			},
		},
	).Err()
	if err != nil && !strings.Contains(err.Error(), "Index already exists") {
		return nil, fmt.Errorf("cache: create index: %w", err)
	}

	return &RedisIndex{rdb: rdb, dims: dims, log: log}, nil
}

// Add stores the entry as a hash with TTL. Index maintenance is Redis's job;
// expired keys fall out of the index automatically.
func (x *RedisIndex) Add(ctx context.Context, e Entry, ttl time.Duration) error {
	if len(e.Embedding) != x.dims {
		return fmt.Errorf("cache: embedding dims %d, index expects %d", len(e.Embedding), x.dims)
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: marshal entry: %w", err)
	}

	pipe := x.rdb.TxPipeline()
	pipe.HSet(ctx, e.Key, map[string]interface{}{
		"model":     e.Model,
		"embedding": vecBytes(e.Embedding),
		"payload":   payload,
	})
	pipe.Expire(ctx, e.Key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: store %s: %w", e.Key, err)
	}
	return nil
}

// Search runs a model-scoped KNN query. The model tag goes through the
// allow-list and escaping before entering the query string.
func (x *RedisIndex) Search(ctx context.Context, model string, vec []float32, k int) ([]Match, error) {
	if !ValidModelTag(model) {
		return nil, fmt.Errorf("cache: invalid model tag %q", model)
	}
	if len(vec) != x.dims {
		return nil, fmt.Errorf("cache: query dims %d, index expects %d", len(vec), x.dims)
	}

	query := fmt.Sprintf("(@model:{%s})=>[KNN %d @embedding $vec AS score]", EscapeTag(model), k)
	res, err := x.rdb.FTSearchWithArgs(ctx, indexName, query, &redis.FTSearchOptions{
		Params:         map[string]interface{}{"vec": vecBytes(vec)},
		SortBy:         []redis.FTSearchSortBy{{FieldName: "score", Asc: true}},
		DialectVersion: 2,
		LimitOffset:    0,
		Limit:          k,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: search: %w", err)
	}

	matches := make([]Match, 0, len(res.Docs))
	for _, doc := range res.Docs {
		scoreStr, ok := doc.Fields["score"]
		if !ok {
			continue
		}
		dist, err := strconv.ParseFloat(scoreStr, 64)
		if err != nil {
			continue
		}

		var e Entry
		if err := json.Unmarshal([]byte(doc.Fields["payload"]), &e); err != nil {
			x.log.Warn("cache_corrupt_entry",
				slog.String("key", doc.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.Key = doc.ID
		matches = append(matches, Match{Entry: e, Distance: dist})
	}
	return matches, nil
}

func (x *RedisIndex) Close() error {
	return x.rdb.Close()
}

// vecBytes encodes the vector as little-endian FLOAT32, the layout RediSearch
// expects for vector query params and hash fields.
func vecBytes(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}
