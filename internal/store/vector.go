package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mindloop/internal/insight"
	"mindloop/internal/model"
)

// indexFlushTimeout bounds one background embed-and-write pass.
const indexFlushTimeout = 30 * time.Second

// indexer coalesces vector index writes with a trailing debounce: a pending
// set plus a single outstanding timer handle, cancelled and rearmed on each
// request. Bursty updates to the same Thought collapse into one embed call.
type indexer struct {
	store    *Store
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]string // thought id -> content awaiting indexing
	timer   *time.Timer
	stopped bool
}

func newIndexer(s *Store, debounce time.Duration) *indexer {
	return &indexer{
		store:    s,
		debounce: debounce,
		pending:  make(map[string]string),
	}
}

// schedule queues an index update and rearms the timer.
func (ix *indexer) schedule(thoughtID, content string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.stopped {
		return
	}
	ix.pending[thoughtID] = content
	if ix.timer != nil {
		ix.timer.Stop()
	}
	ix.timer = time.AfterFunc(ix.debounce, ix.fire)
}

func (ix *indexer) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), indexFlushTimeout)
	defer cancel()
	ix.Flush(ctx)
}

// Flush synchronously indexes everything pending. Failures are logged and
// degrade semantic search; they never surface to writers.
func (ix *indexer) Flush(ctx context.Context) {
	ix.mu.Lock()
	batch := ix.pending
	ix.pending = make(map[string]string)
	if ix.timer != nil {
		ix.timer.Stop()
		ix.timer = nil
	}
	ix.mu.Unlock()

	for id, content := range batch {
		if err := ix.store.IndexThought(ctx, id, content); err != nil {
			ix.store.logger.Warn("vector indexing failed",
				zap.String("thought", id), zap.Error(err))
		}
	}
}

// reset drops pending work without indexing it.
func (ix *indexer) reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.pending = make(map[string]string)
	if ix.timer != nil {
		ix.timer.Stop()
		ix.timer = nil
	}
}

func (ix *indexer) stop() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.stopped = true
	ix.pending = make(map[string]string)
	if ix.timer != nil {
		ix.timer.Stop()
		ix.timer = nil
	}
}

// FlushIndex forces any scheduled index work to run now. Used by tests and
// by tools that need the index current before searching.
func (s *Store) FlushIndex(ctx context.Context) {
	s.indexer.Flush(ctx)
}

// IndexThought embeds content and upserts the Thought's vector row.
func (s *Store) IndexThought(ctx context.Context, thoughtID, content string) error {
	vec, err := s.provider.Embed(ctx, content)
	if err != nil {
		return err
	}
	embeddingJSON, err := json.Marshal(vec)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO vectors (thought_id, content, embedding, updated_at)
		VALUES (?, ?, ?, ?)`,
		thoughtID, content, string(embeddingJSON), time.Now().UTC().Format(timeFormat),
	)
	return err
}

// SearchResult is one semantic search hit.
type SearchResult struct {
	Thought *model.Thought `json:"thought"`
	Score   float64        `json:"score"`
}

// SemanticSearch ranks Thoughts by cosine similarity of their indexed
// content to the query. When embeddings are unavailable or the query cannot
// be embedded, it returns an empty result set, never an error. Vector rows
// whose Thought has been deleted are filtered out by joining against the
// primary table; the index itself may lag behind deletes.
func (s *Store) SemanticSearch(ctx context.Context, query string, k int) ([]SearchResult, error) {
	if k <= 0 {
		k = 10
	}
	if !s.provider.EmbeddingsAvailable() {
		return []SearchResult{}, nil
	}

	queryVec, err := s.provider.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("query embedding failed", zap.Error(err))
		return []SearchResult{}, nil
	}

	s.mu.RLock()
	rows, err := s.db.Query(`
		SELECT v.thought_id, v.embedding FROM vectors v
		JOIN thoughts t ON t.id = v.thought_id`)
	if err != nil {
		s.mu.RUnlock()
		s.logger.Warn("vector scan failed", zap.Error(err))
		return []SearchResult{}, nil
	}

	type candidate struct {
		id    string
		score float64
	}
	var candidates []candidate
	for rows.Next() {
		var id, embeddingJSON string
		if err := rows.Scan(&id, &embeddingJSON); err != nil {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embeddingJSON), &vec); err != nil {
			continue
		}
		score, err := insight.CosineSimilarity(queryVec, vec)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{id: id, score: score})
	}
	rows.Close()
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		th, err := s.GetThought(c.id)
		if err != nil {
			continue // deleted between scan and load
		}
		results = append(results, SearchResult{Thought: th, Score: c.score})
	}
	return results, nil
}
