// Package store adapts the external chat transport into an append-only,
// reference-addressable content store with a Redis catalog.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/filegram-io/filegram/core/infra/bus"
	"github.com/filegram-io/filegram/core/infra/logging"
	"github.com/filegram-io/filegram/core/infra/metrics"
	"github.com/filegram-io/filegram/core/infra/redisutil"
)

const (
	component = "store"

	itemKeyPrefix  = "item:"
	itemOrderKey   = "items:order"
	fpKeyPrefix    = "item:fp:"
	storeOpTimeout = 2 * time.Second

	fetchAttempts    = 3
	fetchBackoffBase = time.Second
)

// IngestEvent is published on the bus for every newly stored item.
type IngestEvent struct {
	Reference   int64  `json:"reference"`
	DisplayName string `json:"display_name"`
	ByteSize    int64  `json:"byte_size"`
	MediaKind   string `json:"media_kind"`
}

// Adapter maps stored-item references to the durable location of the
// underlying bytes and keeps the catalog used for range resolution.
type Adapter struct {
	transport Transport
	client    *redis.Client
	chat      string
	events    bus.Bus
	metrics   metrics.Metrics

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option tunes an Adapter.
type Option func(*Adapter)

// WithEvents attaches an event bus for ingest/purge notifications.
func WithEvents(b bus.Bus) Option {
	return func(a *Adapter) { a.events = b }
}

// WithMetrics attaches metrics.
func WithMetrics(m metrics.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// NewAdapter connects the catalog at the given Redis URL. chat names the
// store channel every ingested item is sent to.
func NewAdapter(redisURL, chat string, transport Transport, opts ...Option) (*Adapter, error) {
	client, err := redisutil.NewClient(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a := &Adapter{
		transport: transport,
		client:    client,
		chat:      chat,
		events:    bus.Noop{},
		metrics:   metrics.Noop{},
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Close closes the catalog client.
func (a *Adapter) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Close()
}

// Ingest appends content to the store. References are never reused: the
// transport assigns a fresh message id per send. Identical payloads are
// deduplicated by fingerprint; the second return reports whether a new
// item was created.
func (a *Adapter) Ingest(ctx context.Context, content Content) (*StoredItem, bool, error) {
	if len(content.Data) == 0 {
		return nil, false, fmt.Errorf("empty content")
	}
	fp := fingerprint(content.Data)

	if ref, err := a.client.Get(ctx, fpKeyPrefix+fp).Int64(); err == nil {
		item, err := a.Get(ctx, ref)
		if err == nil {
			return item, false, nil
		}
		// stale fingerprint pointing at a purged item falls through to re-ingest
	}

	ref, err := a.transport.Send(ctx, a.chat, content)
	if err != nil {
		return nil, false, fmt.Errorf("send to store channel: %w", err)
	}
	item := &StoredItem{
		Reference:   ref,
		DisplayName: content.Name,
		ByteSize:    int64(len(content.Data)),
		MediaKind:   NormalizeMediaKind(string(content.Kind)),
		Fingerprint: fp,
		CreatedAt:   time.Now().UTC(),
	}
	pipe := a.client.TxPipeline()
	pipe.HSet(ctx, itemKey(ref), map[string]any{
		"name":        item.DisplayName,
		"size":        item.ByteSize,
		"kind":        string(item.MediaKind),
		"fingerprint": item.Fingerprint,
		"created_at":  item.CreatedAt.Unix(),
	})
	pipe.ZAdd(ctx, itemOrderKey, redis.Z{Score: float64(ref), Member: ref})
	pipe.Set(ctx, fpKeyPrefix+fp, ref, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, fmt.Errorf("catalog write: %w", err)
	}

	if err := a.events.Publish(bus.SubjectContentIngested, IngestEvent{
		Reference:   item.Reference,
		DisplayName: item.DisplayName,
		ByteSize:    item.ByteSize,
		MediaKind:   string(item.MediaKind),
	}); err != nil {
		logging.Warn(component, "ingest event publish failed", "reference", ref, "error", err)
	}
	return item, true, nil
}

// Get returns the catalog record for a reference.
func (a *Adapter) Get(ctx context.Context, ref int64) (*StoredItem, error) {
	fields, err := a.client.HGetAll(ctx, itemKey(ref)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return itemFromFields(ref, fields), nil
}

// ListRange returns catalog records for the inclusive reference range, in
// store order. Purged references inside the range are skipped.
func (a *Adapter) ListRange(ctx context.Context, start, end int64) ([]*StoredItem, error) {
	if end < start {
		return nil, fmt.Errorf("invalid range (%d,%d)", start, end)
	}
	members, err := a.client.ZRangeByScore(ctx, itemOrderKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(start, 10),
		Max: strconv.FormatInt(end, 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	return a.collect(ctx, members)
}

// ListAfter returns up to limit catalog records with references strictly
// greater than cursor, in store order. It drives the bulk reindex scan.
func (a *Adapter) ListAfter(ctx context.Context, cursor int64, limit int) ([]*StoredItem, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := a.client.ZRangeByScore(ctx, itemOrderKey, &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(cursor, 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	return a.collect(ctx, members)
}

// Fetch streams the bytes behind a reference, retrying transient
// transport failures with bounded exponential backoff before giving up.
func (a *Adapter) Fetch(ctx context.Context, ref int64) (io.ReadCloser, error) {
	if _, err := a.Get(ctx, ref); err != nil {
		return nil, err
	}
	var lastErr error
	backoff := fetchBackoffBase
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		rc, err := a.transport.FetchBytes(ctx, ref)
		if err == nil {
			a.metrics.IncFetches("ok")
			return rc, nil
		}
		lastErr = err
		delay, transient := IsTransient(err)
		if !transient {
			a.metrics.IncFetches("error")
			return nil, err
		}
		if attempt == fetchAttempts {
			break
		}
		if delay <= 0 {
			delay = backoff
		}
		a.metrics.IncFetchRetries()
		logging.Warn(component, "transient fetch failure, retrying",
			"reference", ref, "attempt", attempt, "delay", delay)
		if err := a.sleep(ctx, delay); err != nil {
			return nil, err
		}
		backoff *= 2
	}
	a.metrics.IncFetches("exhausted")
	return nil, fmt.Errorf("fetch %d: %w: %w", ref, ErrFetchFailed, lastErr)
}

// Copy re-delivers a stored item to a destination chat, with the same
// transient retry policy as Fetch.
func (a *Adapter) Copy(ctx context.Context, ref int64, destChat string) (int64, error) {
	if _, err := a.Get(ctx, ref); err != nil {
		return 0, err
	}
	var lastErr error
	backoff := fetchBackoffBase
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		id, err := a.transport.Copy(ctx, ref, destChat)
		if err == nil {
			return id, nil
		}
		lastErr = err
		delay, transient := IsTransient(err)
		if !transient {
			return 0, err
		}
		if attempt == fetchAttempts {
			break
		}
		if delay <= 0 {
			delay = backoff
		}
		a.metrics.IncFetchRetries()
		if err := a.sleep(ctx, delay); err != nil {
			return 0, err
		}
		backoff *= 2
	}
	return 0, fmt.Errorf("copy %d: %w: %w", ref, ErrFetchFailed, lastErr)
}

// Purge removes a reference from the catalog. Returns false when the
// reference was already absent. Tokens minted for a purged reference
// resolve to an unknown-reference error from then on.
func (a *Adapter) Purge(ctx context.Context, ref int64) (bool, error) {
	item, err := a.Get(ctx, ref)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	pipe := a.client.TxPipeline()
	pipe.Del(ctx, itemKey(ref))
	pipe.ZRem(ctx, itemOrderKey, ref)
	if item.Fingerprint != "" {
		pipe.Del(ctx, fpKeyPrefix+item.Fingerprint)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	if err := a.events.Publish(bus.SubjectContentPurged, IngestEvent{Reference: ref}); err != nil {
		logging.Warn(component, "purge event publish failed", "reference", ref, "error", err)
	}
	return true, nil
}

// Totals returns the item count and cumulative byte size of the catalog.
func (a *Adapter) Totals(ctx context.Context) (int64, int64, error) {
	members, err := a.client.ZRange(ctx, itemOrderKey, 0, -1).Result()
	if err != nil {
		return 0, 0, err
	}
	var bytes int64
	pipe := a.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGet(ctx, itemKeyPrefix+m, "size")
	}
	_, _ = pipe.Exec(ctx)
	for _, cmd := range cmds {
		if n, err := cmd.Int64(); err == nil {
			bytes += n
		}
	}
	return int64(len(members)), bytes, nil
}

func (a *Adapter) collect(ctx context.Context, members []string) ([]*StoredItem, error) {
	if len(members) == 0 {
		return nil, nil
	}
	pipe := a.client.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(members))
	for _, m := range members {
		cmds[m] = pipe.HGetAll(ctx, itemKeyPrefix+m)
	}
	_, _ = pipe.Exec(ctx)

	items := make([]*StoredItem, 0, len(members))
	for _, m := range members {
		fields, err := cmds[m].Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		ref, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		items = append(items, itemFromFields(ref, fields))
	}
	return items, nil
}

func itemFromFields(ref int64, fields map[string]string) *StoredItem {
	item := &StoredItem{
		Reference:   ref,
		DisplayName: fields["name"],
		MediaKind:   NormalizeMediaKind(fields["kind"]),
		Fingerprint: fields["fingerprint"],
	}
	if n, err := strconv.ParseInt(fields["size"], 10, 64); err == nil {
		item.ByteSize = n
	}
	if ts, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		item.CreatedAt = time.Unix(ts, 0).UTC()
	}
	return item
}

func itemKey(ref int64) string {
	return itemKeyPrefix + strconv.FormatInt(ref, 10)
}

func fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
