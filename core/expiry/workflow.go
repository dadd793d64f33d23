package expiry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/filegram-io/filegram/core/infra/bus"
	"github.com/filegram-io/filegram/core/infra/logging"
	"github.com/filegram-io/filegram/core/infra/metrics"
	"github.com/filegram-io/filegram/core/infra/redisutil"
)

const (
	component = "expiry"

	artifactKeyPrefix = "dlv:artifact:"
	requestKeyPrefix  = "dlv:req:"
	historyKeyPrefix  = "dlv:consumer:"
	expiryIndexKey    = "dlv:expiry"
)

// DeliveryEvent announces a new artifact on the bus.
type DeliveryEvent struct {
	ArtifactID string    `json:"artifact_id"`
	Reference  int64     `json:"reference"`
	Consumer   string    `json:"consumer"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// RequestEvent announces a pending redelivery request.
type RequestEvent struct {
	RequestID  string `json:"request_id"`
	ArtifactID string `json:"artifact_id"`
	Reference  int64  `json:"reference"`
	Consumer   string `json:"consumer"`
}

// ResolutionEvent announces an admin decision on a request.
type ResolutionEvent struct {
	RequestID     string `json:"request_id"`
	ArtifactID    string `json:"artifact_id"`
	NewArtifactID string `json:"new_artifact_id,omitempty"`
	Decision      string `json:"decision"`
	Reason        string `json:"reason,omitempty"`
}

// Notifier is called by the sweep for each artifact that crossed its
// expiry while Fresh, so frontends can swap the delivered message for a
// "request again" affordance.
type Notifier func(ctx context.Context, a *Artifact) error

// Workflow runs the delivery-artifact state machine over Redis.
type Workflow struct {
	client        *redis.Client
	ttl           time.Duration
	requestWindow time.Duration
	events        bus.Bus
	metrics       metrics.Metrics

	// now is swapped out in tests to drive the clock.
	now func() time.Time
}

// Option tunes a Workflow.
type Option func(*Workflow)

// WithEvents attaches an event bus.
func WithEvents(b bus.Bus) Option {
	return func(w *Workflow) { w.events = b }
}

// WithMetrics attaches metrics.
func WithMetrics(m metrics.Metrics) Option {
	return func(w *Workflow) { w.metrics = m }
}

// NewWorkflow connects the artifact store at the given Redis URL. ttl is
// the lifetime of a fresh artifact; requestWindow bounds how long after
// expiry a consumer may still request redelivery.
func NewWorkflow(redisURL string, ttl, requestWindow time.Duration, opts ...Option) (*Workflow, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive")
	}
	if requestWindow <= 0 {
		return nil, fmt.Errorf("request window must be positive")
	}
	client, err := redisutil.NewClient(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	w := &Workflow{
		client:        client,
		ttl:           ttl,
		requestWindow: requestWindow,
		events:        bus.Noop{},
		metrics:       metrics.Noop{},
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Close closes the artifact store client.
func (w *Workflow) Close() error {
	if w == nil || w.client == nil {
		return nil
	}
	return w.client.Close()
}

// Deliver records a fresh artifact for a delivered copy of sourceRef.
func (w *Workflow) Deliver(ctx context.Context, sourceRef int64, consumer string) (*Artifact, error) {
	if consumer == "" {
		return nil, fmt.Errorf("consumer required")
	}
	now := w.now()
	a := &Artifact{
		ID:              uuid.NewString(),
		SourceReference: sourceRef,
		Consumer:        consumer,
		State:           StateFresh,
		SentAt:          now,
		ExpiresAt:       now.Add(w.ttl),
	}
	pipe := w.client.TxPipeline()
	pipe.HSet(ctx, artifactKey(a.ID), map[string]any{
		"source_ref": a.SourceReference,
		"consumer":   a.Consumer,
		"state":      string(a.State),
		"sent_at":    a.SentAt.Unix(),
		"expires_at": a.ExpiresAt.Unix(),
	})
	pipe.ZAdd(ctx, expiryIndexKey, redis.Z{Score: float64(a.ExpiresAt.Unix()), Member: a.ID})
	pipe.ZAdd(ctx, historyKey(consumer), redis.Z{Score: float64(now.Unix()), Member: a.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("artifact write: %w", err)
	}
	w.metrics.IncDeliveries("sent")
	if err := w.events.Publish(bus.SubjectDeliverySent, DeliveryEvent{
		ArtifactID: a.ID, Reference: a.SourceReference, Consumer: a.Consumer, ExpiresAt: a.ExpiresAt,
	}); err != nil {
		logging.Warn(component, "delivery event publish failed", "artifact", a.ID, "error", err)
	}
	return a, nil
}

// Get loads an artifact record.
func (w *Workflow) Get(ctx context.Context, id string) (*Artifact, error) {
	fields, err := w.client.HGetAll(ctx, artifactKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrUnknownArtifact
	}
	return artifactFromFields(id, fields), nil
}

// CheckExpiry evaluates an artifact against the workflow clock.
func (w *Workflow) CheckExpiry(a *Artifact) State {
	return CheckExpiry(a, w.now())
}

// RequestRedelivery moves an expired artifact to RequestPending on
// behalf of its consumer and returns the request id for the admin
// decision. Fails while the artifact is still fresh, when a request is
// already pending, or once the request window after expiry has closed.
func (w *Workflow) RequestRedelivery(ctx context.Context, artifactID, consumer string) (string, error) {
	a, err := w.Get(ctx, artifactID)
	if err != nil {
		return "", err
	}
	if a.Consumer != consumer {
		return "", ErrWrongConsumer
	}
	now := w.now()
	switch CheckExpiry(a, now) {
	case StateFresh:
		return "", ErrNotExpired
	case StateRequestPending:
		return "", ErrAlreadyPending
	case StateSuperseded:
		return "", fmt.Errorf("artifact %s already superseded", artifactID)
	}
	if now.After(a.ExpiresAt.Add(w.requestWindow)) {
		return "", ErrRequestWindowClosed
	}

	requestID := uuid.NewString()
	key := artifactKey(artifactID)
	err = w.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "state").Result()
		if err != nil {
			return err
		}
		if State(current) == StateRequestPending {
			return ErrAlreadyPending
		}
		if !isAllowedTransition(State(current), StateRequestPending) {
			return fmt.Errorf("invalid transition %s -> %s", current, StateRequestPending)
		}
		pipe := tx.TxPipeline()
		pipe.HSet(ctx, key, map[string]any{
			"state":          string(StateRequestPending),
			"request_id":     requestID,
			"requested_at":   now.Unix(),
			"decline_reason": "",
			"decline_note":   "",
		})
		pipe.Set(ctx, requestKey(requestID), artifactID, 0)
		_, err = pipe.Exec(ctx)
		return err
	}, key)
	if err != nil {
		return "", err
	}
	w.metrics.IncRedeliveryRequests("pending")
	if err := w.events.Publish(bus.SubjectRequestPending, RequestEvent{
		RequestID: requestID, ArtifactID: artifactID, Reference: a.SourceReference, Consumer: consumer,
	}); err != nil {
		logging.Warn(component, "request event publish failed", "request", requestID, "error", err)
	}
	return requestID, nil
}

// ResolveRequest applies an admin decision. Accepting mints a brand-new
// fresh artifact from the same source reference with a restarted TTL and
// marks the old one superseded. Declining records the reason on the old
// artifact; the consumer may request again while the window is open.
func (w *Workflow) ResolveRequest(ctx context.Context, requestID string, accept bool, reason DeclineReason, note string) (*Artifact, error) {
	artifactID, err := w.client.Get(ctx, requestKey(requestID)).Result()
	if err == redis.Nil {
		return nil, ErrUnknownRequest
	}
	if err != nil {
		return nil, err
	}
	a, err := w.Get(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if a.State != StateRequestPending || a.RequestID != requestID {
		return nil, ErrUnknownRequest
	}

	if accept {
		fresh, err := w.Deliver(ctx, a.SourceReference, a.Consumer)
		if err != nil {
			return nil, err
		}
		pipe := w.client.TxPipeline()
		pipe.HSet(ctx, artifactKey(artifactID), map[string]any{
			"state":         string(StateSuperseded),
			"superseded_by": fresh.ID,
		})
		pipe.ZRem(ctx, expiryIndexKey, artifactID)
		pipe.Del(ctx, requestKey(requestID))
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		w.metrics.IncRedeliveryRequests("accepted")
		w.publishResolution(requestID, artifactID, fresh.ID, "accepted", "")
		return fresh, nil
	}

	if _, err := ParseDeclineReason(string(reason)); err != nil {
		return nil, err
	}
	pipe := w.client.TxPipeline()
	pipe.HSet(ctx, artifactKey(artifactID), map[string]any{
		"state":          string(StateDeclined),
		"decline_reason": string(reason),
		"decline_note":   note,
	})
	pipe.Del(ctx, requestKey(requestID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	w.metrics.IncRedeliveryRequests("declined")
	w.publishResolution(requestID, artifactID, "", "declined", string(reason))
	return w.Get(ctx, artifactID)
}

// History returns the most recent artifacts delivered to a consumer,
// newest first.
func (w *Workflow) History(ctx context.Context, consumer string, limit int) ([]*Artifact, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := w.client.ZRevRange(ctx, historyKey(consumer), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Artifact, 0, len(ids))
	for _, id := range ids {
		a, err := w.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Sweep notifies at most batch artifacts whose TTL elapsed while Fresh,
// removing each from the expiry index so it is reported once. Returns
// the number notified.
func (w *Workflow) Sweep(ctx context.Context, batch int, notify Notifier) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	now := w.now()
	ids, err := w.client.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(batch),
	}).Result()
	if err != nil {
		return 0, err
	}
	notified := 0
	for _, id := range ids {
		a, err := w.Get(ctx, id)
		if err != nil {
			w.client.ZRem(ctx, expiryIndexKey, id)
			continue
		}
		if CheckExpiry(a, now) == StateExpired {
			if notify != nil {
				if err := notify(ctx, a); err != nil {
					logging.Warn(component, "expiry notify failed", "artifact", id, "error", err)
					continue
				}
			}
			if err := w.events.Publish(bus.SubjectDeliveryExpired, DeliveryEvent{
				ArtifactID: a.ID, Reference: a.SourceReference, Consumer: a.Consumer, ExpiresAt: a.ExpiresAt,
			}); err != nil {
				logging.Warn(component, "expired event publish failed", "artifact", id, "error", err)
			}
			w.metrics.IncDeliveries("expired")
			notified++
		}
		w.client.ZRem(ctx, expiryIndexKey, id)
	}
	return notified, nil
}

func (w *Workflow) publishResolution(requestID, artifactID, newArtifactID, decision, reason string) {
	if err := w.events.Publish(bus.SubjectRequestResolved, ResolutionEvent{
		RequestID: requestID, ArtifactID: artifactID, NewArtifactID: newArtifactID,
		Decision: decision, Reason: reason,
	}); err != nil {
		logging.Warn(component, "resolution event publish failed", "request", requestID, "error", err)
	}
}

func artifactFromFields(id string, fields map[string]string) *Artifact {
	a := &Artifact{
		ID:            id,
		Consumer:      fields["consumer"],
		State:         State(fields["state"]),
		RequestID:     fields["request_id"],
		SupersededBy:  fields["superseded_by"],
		DeclineReason: DeclineReason(fields["decline_reason"]),
		DeclineNote:   fields["decline_note"],
	}
	if n, err := strconv.ParseInt(fields["source_ref"], 10, 64); err == nil {
		a.SourceReference = n
	}
	if ts, err := strconv.ParseInt(fields["sent_at"], 10, 64); err == nil {
		a.SentAt = time.Unix(ts, 0).UTC()
	}
	if ts, err := strconv.ParseInt(fields["expires_at"], 10, 64); err == nil {
		a.ExpiresAt = time.Unix(ts, 0).UTC()
	}
	return a
}

func artifactKey(id string) string {
	return artifactKeyPrefix + id
}

func requestKey(id string) string {
	return requestKeyPrefix + id
}

func historyKey(consumer string) string {
	return historyKeyPrefix + consumer
}
