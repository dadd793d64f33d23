// Package index makes stored items discoverable by keyword even though
// the backing content store offers no query capability.
package index

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/filegram-io/filegram/core/infra/logging"
	"github.com/filegram-io/filegram/core/infra/metrics"
	"github.com/filegram-io/filegram/core/infra/redisutil"
	"github.com/filegram-io/filegram/core/store"
)

const (
	component = "index"

	entryKeyPrefix = "idx:entry:"
	termKeyPrefix  = "idx:kw:"
	termsKey       = "idx:terms"
	topKey         = "idx:top"
	cursorKey      = "idx:cursor"
)

// Entry is the index record for one stored item.
type Entry struct {
	Reference      int64     `json:"reference"`
	DisplayName    string    `json:"display_name"`
	Keywords       []string  `json:"keywords"`
	DownloadCount  int64     `json:"download_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Catalog is the slice of the content store the bulk reindex walks.
type Catalog interface {
	ListAfter(ctx context.Context, cursor int64, limit int) ([]*store.StoredItem, error)
}

// ReindexStats summarizes one bulk reindex run.
type ReindexStats struct {
	Scanned int
	Indexed int
	Skipped int
	Cursor  int64
}

// Engine maintains and queries the keyword index in Redis.
type Engine struct {
	client      *redis.Client
	norm        *Normalizer
	searchLimit int
	metrics     metrics.Metrics
}

// Option tunes an Engine.
type Option func(*Engine)

// WithMetrics attaches metrics.
func WithMetrics(m metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSearchLimit bounds the number of entries a search returns.
func WithSearchLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.searchLimit = n
		}
	}
}

// NewEngine connects the index at the given Redis URL.
func NewEngine(redisURL string, norm *Normalizer, opts ...Option) (*Engine, error) {
	client, err := redisutil.NewClient(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	e := &Engine{
		client:      client,
		norm:        norm,
		searchLimit: 50,
		metrics:     metrics.Noop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Close closes the index client.
func (e *Engine) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	return e.client.Close()
}

// Register indexes a stored item. Registering an already-indexed
// reference is a no-op so the bulk reindex path stays idempotent and
// never resets download counters.
func (e *Engine) Register(ctx context.Context, item *store.StoredItem) error {
	if item == nil {
		return fmt.Errorf("nil item")
	}
	exists, err := e.client.Exists(ctx, entryKey(item.Reference)).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}
	keywords := e.norm.Tokens(item.DisplayName)
	pipe := e.client.TxPipeline()
	pipe.HSet(ctx, entryKey(item.Reference), map[string]any{
		"name":        item.DisplayName,
		"keywords":    strings.Join(keywords, " "),
		"count":       0,
		"last_access": item.CreatedAt.Unix(),
	})
	for _, kw := range keywords {
		pipe.SAdd(ctx, termKeyPrefix+kw, item.Reference)
		pipe.SAdd(ctx, termsKey, kw)
	}
	pipe.ZAdd(ctx, topKey, redis.Z{Score: 0, Member: item.Reference})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index write: %w", err)
	}
	return nil
}

// Remove drops a reference from the index, cleaning up term sets that
// become empty. Called when an item is purged from the store.
func (e *Engine) Remove(ctx context.Context, ref int64) error {
	entry, err := e.get(ctx, ref)
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := e.client.TxPipeline()
	pipe.Del(ctx, entryKey(ref))
	pipe.ZRem(ctx, topKey, ref)
	for _, kw := range entry.Keywords {
		pipe.SRem(ctx, termKeyPrefix+kw, ref)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	for _, kw := range entry.Keywords {
		n, err := e.client.SCard(ctx, termKeyPrefix+kw).Result()
		if err == nil && n == 0 {
			e.client.SRem(ctx, termsKey, kw)
		}
	}
	return nil
}

// RecordAccess bumps the download counter and access time for a
// reference. Increments are atomic: concurrent calls never lose updates.
// Unindexed references are ignored.
func (e *Engine) RecordAccess(ctx context.Context, ref int64) error {
	exists, err := e.client.Exists(ctx, entryKey(ref)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return nil
	}
	now := time.Now().UTC().Unix()
	pipe := e.client.TxPipeline()
	pipe.HIncrBy(ctx, entryKey(ref), "count", 1)
	pipe.HSet(ctx, entryKey(ref), "last_access", now)
	pipe.ZIncrBy(ctx, topKey, 1, strconv.FormatInt(ref, 10))
	_, err = pipe.Exec(ctx)
	return err
}

// Search returns entries whose keywords match any query token by
// substring, best match first: exact beats prefix beats substring, then
// higher download count, then more recent access.
func (e *Engine) Search(ctx context.Context, query string) ([]Entry, error) {
	e.metrics.IncSearches()
	qtokens := e.norm.Tokens(query)
	if len(qtokens) == 0 {
		return nil, nil
	}
	terms, err := e.client.SMembers(ctx, termsKey).Result()
	if err != nil {
		return nil, err
	}

	// best match quality per term across query tokens
	matched := make(map[string]int)
	for _, term := range terms {
		for _, q := range qtokens {
			score := matchScore(term, q)
			if score > matched[term] {
				matched[term] = score
			}
		}
	}

	refScore := make(map[int64]int)
	for term, score := range matched {
		if score == 0 {
			continue
		}
		members, err := e.client.SMembers(ctx, termKeyPrefix+term).Result()
		if err != nil {
			continue
		}
		for _, m := range members {
			ref, err := strconv.ParseInt(m, 10, 64)
			if err != nil {
				continue
			}
			if score > refScore[ref] {
				refScore[ref] = score
			}
		}
	}
	if len(refScore) == 0 {
		return nil, nil
	}

	entries := make([]Entry, 0, len(refScore))
	scores := make(map[int64]int, len(refScore))
	for ref, score := range refScore {
		entry, err := e.get(ctx, ref)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
		scores[ref] = score
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if scores[a.Reference] != scores[b.Reference] {
			return scores[a.Reference] > scores[b.Reference]
		}
		if a.DownloadCount != b.DownloadCount {
			return a.DownloadCount > b.DownloadCount
		}
		return a.LastAccessedAt.After(b.LastAccessedAt)
	})
	if len(entries) > e.searchLimit {
		entries = entries[:e.searchLimit]
	}
	return entries, nil
}

// TopN returns the n most downloaded entries, highest count first.
func (e *Engine) TopN(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	members, err := e.client.ZRevRange(ctx, topKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		ref, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		entry, err := e.get(ctx, ref)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Reindex scans the store catalog from the given cursor and registers
// every item it finds. cursor < 0 resumes from the persisted cursor.
// Idempotent: already-indexed references are skipped, counters untouched.
func (e *Engine) Reindex(ctx context.Context, catalog Catalog, cursor int64, batch int) (ReindexStats, error) {
	if batch <= 0 {
		batch = 200
	}
	if cursor < 0 {
		cursor = e.persistedCursor(ctx)
	}
	stats := ReindexStats{Cursor: cursor}
	for {
		items, err := catalog.ListAfter(ctx, stats.Cursor, batch)
		if err != nil {
			return stats, fmt.Errorf("catalog scan: %w", err)
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			stats.Scanned++
			exists, err := e.client.Exists(ctx, entryKey(item.Reference)).Result()
			if err != nil {
				return stats, err
			}
			if exists > 0 {
				stats.Skipped++
			} else if err := e.Register(ctx, item); err != nil {
				logging.Error(component, "reindex register failed", "reference", item.Reference, "error", err)
			} else {
				stats.Indexed++
			}
			stats.Cursor = item.Reference
		}
		if err := e.client.Set(ctx, cursorKey, stats.Cursor, 0).Err(); err != nil {
			return stats, fmt.Errorf("persist cursor: %w", err)
		}
	}
	return stats, nil
}

// ResetCursor rewinds the persisted reindex cursor, forcing the next
// resume-from-persisted run to rescan the full history window.
func (e *Engine) ResetCursor(ctx context.Context) error {
	return e.client.Del(ctx, cursorKey).Err()
}

func (e *Engine) persistedCursor(ctx context.Context) int64 {
	v, err := e.client.Get(ctx, cursorKey).Int64()
	if err != nil {
		return 0
	}
	return v
}

func (e *Engine) get(ctx context.Context, ref int64) (Entry, error) {
	fields, err := e.client.HGetAll(ctx, entryKey(ref)).Result()
	if err != nil {
		return Entry{}, err
	}
	if len(fields) == 0 {
		return Entry{}, redis.Nil
	}
	entry := Entry{Reference: ref, DisplayName: fields["name"]}
	if kw := strings.TrimSpace(fields["keywords"]); kw != "" {
		entry.Keywords = strings.Fields(kw)
	}
	if n, err := strconv.ParseInt(fields["count"], 10, 64); err == nil {
		entry.DownloadCount = n
	}
	if ts, err := strconv.ParseInt(fields["last_access"], 10, 64); err == nil {
		entry.LastAccessedAt = time.Unix(ts, 0).UTC()
	}
	return entry, nil
}

func matchScore(term, qtoken string) int {
	switch {
	case term == qtoken:
		return 3
	case strings.HasPrefix(term, qtoken):
		return 2
	case strings.Contains(term, qtoken) || strings.Contains(qtoken, term):
		return 1
	default:
		return 0
	}
}

func entryKey(ref int64) string {
	return entryKeyPrefix + strconv.FormatInt(ref, 10)
}
