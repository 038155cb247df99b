package patternstore

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("github.com/fyrsmithlabs/autopilot/internal/patternstore")

const (
	collectionName = "failure_patterns"
	embeddingDims  = 256
)

// ChromemConfig configures the embedded vector store.
type ChromemConfig struct {
	// Path of the persistent database; empty keeps it in memory.
	Path string
	// Compress enables gzip compression of persisted documents.
	Compress bool
	// MinSimilarity filters weak matches (default 0.8).
	MinSimilarity float64
}

// ChromemStore keeps patterns in an embedded chromem-go database. Signatures
// are embedded with a local feature-hashing embedder, so no model or
// network access is needed.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	cfg        ChromemConfig
	logger     *zap.Logger
}

// NewChromemStore opens (or creates) the pattern collection.
func NewChromemStore(cfg ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = 0.8
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	collection, err := db.GetOrCreateCollection(collectionName, nil, embedSignature)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", collectionName, err)
	}

	logger.Info("pattern store initialized",
		zap.String("backend", "chromem"),
		zap.String("path", cfg.Path),
		zap.Int("patterns", collection.Count()),
	)
	return &ChromemStore{db: db, collection: collection, cfg: cfg, logger: logger}, nil
}

// Query implements Store.
func (s *ChromemStore) Query(ctx context.Context, signature string, limit int) ([]Match, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()

	// chromem requires nResults <= doc count.
	n := s.collection.Count()
	if n == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	results, err := s.collection.Query(ctx, signature, limit, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying patterns: %w", err)
	}

	var out []Match
	for _, r := range results {
		if float64(r.Similarity) < s.cfg.MinSimilarity {
			continue
		}
		p, err := fromMetadata(r.ID, r.Content, r.Metadata)
		if err != nil {
			s.logger.Warn("skipping malformed pattern", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		out = append(out, Match{Pattern: p, Similarity: float64(r.Similarity)})
	}
	sortMatches(out)

	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

// Write implements Store.
func (s *ChromemStore) Write(ctx context.Context, p Pattern) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Write")
	defer span.End()
	span.SetAttributes(attribute.String("pattern_id", p.ID))

	if err := s.collection.Delete(ctx, nil, nil, p.ID); err != nil {
		s.logger.Debug("delete before upsert failed", zap.String("id", p.ID), zap.Error(err))
	}
	doc := chromem.Document{
		ID:       p.ID,
		Content:  p.Signature,
		Metadata: toMetadata(p),
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding pattern: %w", err)
	}
	return nil
}

// Len returns the number of stored patterns.
func (s *ChromemStore) Len() int { return s.collection.Count() }

func toMetadata(p Pattern) map[string]string {
	return map[string]string{
		"category":      p.Category,
		"fix":           p.Fix,
		"confidence":    strconv.FormatFloat(p.Confidence, 'f', -1, 64),
		"success_count": strconv.Itoa(p.SuccessCount),
		"failure_count": strconv.Itoa(p.FailureCount),
		"created_at":    p.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":    p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func fromMetadata(id, content string, md map[string]string) (Pattern, error) {
	p := Pattern{ID: id, Signature: content, Category: md["category"], Fix: md["fix"]}
	var err error
	if p.Confidence, err = strconv.ParseFloat(md["confidence"], 64); err != nil {
		return p, fmt.Errorf("confidence: %w", err)
	}
	if p.SuccessCount, err = strconv.Atoi(md["success_count"]); err != nil {
		return p, fmt.Errorf("success_count: %w", err)
	}
	if p.FailureCount, err = strconv.Atoi(md["failure_count"]); err != nil {
		return p, fmt.Errorf("failure_count: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, md["created_at"])
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, md["updated_at"])
	return p, nil
}

// embedSignature is a chromem.EmbeddingFunc: unigram and bigram feature
// hashing into a normalized vector.
func embedSignature(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, embeddingDims)
	toks := strings.Fields(strings.ToLower(text))
	add := func(feature string, w float32) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(feature))
		sum := h.Sum32()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[(sum>>1)%embeddingDims] += sign * w
	}
	for i, t := range toks {
		add(t, 1)
		if i > 0 {
			add(toks[i-1]+" "+t, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// chromem rejects zero vectors; use a fixed unit vector for empty text.
		vec[0] = 1
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}
