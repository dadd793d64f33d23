// Package resolve is the link resolution entry point: a token arrives
// on an inbound command, is decoded, resolved against the catalog, and
// delivered to the consumer with the expiry workflow tracking each copy.
package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/filegram-io/filegram/core/expiry"
	"github.com/filegram-io/filegram/core/index"
	"github.com/filegram-io/filegram/core/infra/logging"
	"github.com/filegram-io/filegram/core/infra/metrics"
	"github.com/filegram-io/filegram/core/linkcodec"
	"github.com/filegram-io/filegram/core/store"
	"github.com/filegram-io/filegram/core/users"
)

const component = "resolve"

// Delivery is one successfully delivered item of a token.
type Delivery struct {
	Reference  int64
	MessageID  int64
	ArtifactID string
}

// Result reports what a token resolution delivered. Per-item failures
// inside a range do not abort the batch; they land in Failed.
type Result struct {
	Delivered []Delivery
	Failed    []int64
}

// Resolver wires the codec, catalog, expiry workflow, index, and user
// records into the decode -> resolve -> deliver path.
type Resolver struct {
	codec    *linkcodec.Codec
	catalog  *store.Adapter
	workflow *expiry.Workflow
	index    *index.Engine
	users    *users.Store
	metrics  metrics.Metrics
}

// Option tunes a Resolver.
type Option func(*Resolver)

// WithMetrics attaches metrics.
func WithMetrics(m metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// New builds a resolver over the content core components.
func New(codec *linkcodec.Codec, catalog *store.Adapter, workflow *expiry.Workflow, idx *index.Engine, us *users.Store, opts ...Option) *Resolver {
	r := &Resolver{
		codec:    codec,
		catalog:  catalog,
		workflow: workflow,
		index:    idx,
		users:    us,
		metrics:  metrics.Noop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve decodes a token on behalf of consumer and delivers every
// resolvable item to the consumer's chat. Purged references surface as
// linkcodec.ErrUnknownReference.
func (r *Resolver) Resolve(ctx context.Context, token, consumer string) (*Result, error) {
	if err := r.users.Authorize(ctx, consumer); err != nil {
		return nil, err
	}
	decoded, err := r.codec.Decode(token)
	if err != nil {
		r.metrics.IncTokenDecodes(decodeOutcome(err))
		return nil, err
	}
	r.metrics.IncTokenDecodes("ok")

	items, err := r.lookup(ctx, decoded)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, item := range items {
		msgID, err := r.catalog.Copy(ctx, item.Reference, consumer)
		if err != nil {
			logging.Warn(component, "delivery failed",
				"reference", item.Reference, "consumer", consumer, "error", err)
			r.metrics.IncDeliveries("failed")
			result.Failed = append(result.Failed, item.Reference)
			continue
		}
		artifact, err := r.workflow.Deliver(ctx, item.Reference, consumer)
		if err != nil {
			logging.Error(component, "artifact record failed", "reference", item.Reference, "error", err)
		}
		if err := r.index.RecordAccess(ctx, item.Reference); err != nil {
			logging.Warn(component, "access record failed", "reference", item.Reference, "error", err)
		}
		if err := r.users.LogDownload(ctx, consumer, item.Reference, item.DisplayName); err != nil {
			logging.Warn(component, "download log failed", "consumer", consumer, "error", err)
		}
		d := Delivery{Reference: item.Reference, MessageID: msgID}
		if artifact != nil {
			d.ArtifactID = artifact.ID
		}
		result.Delivered = append(result.Delivered, d)
	}
	if len(result.Delivered) == 0 && len(result.Failed) > 0 {
		return result, fmt.Errorf("resolve %s: %w", token, store.ErrFetchFailed)
	}
	return result, nil
}

func (r *Resolver) lookup(ctx context.Context, decoded linkcodec.Decoded) ([]*store.StoredItem, error) {
	if decoded.Kind == linkcodec.KindSingle {
		item, err := r.catalog.Get(ctx, decoded.Start)
		if errors.Is(err, store.ErrNotFound) {
			return nil, linkcodec.ErrUnknownReference
		}
		if err != nil {
			return nil, err
		}
		return []*store.StoredItem{item}, nil
	}
	items, err := r.catalog.ListRange(ctx, decoded.Start, decoded.End)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, linkcodec.ErrUnknownReference
	}
	return items, nil
}

func decodeOutcome(err error) string {
	switch {
	case errors.Is(err, linkcodec.ErrInvalidRange):
		return "invalid_range"
	default:
		return "malformed"
	}
}
