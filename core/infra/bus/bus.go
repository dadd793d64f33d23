// Package bus carries operator-visible events between the content core and
// frontends (bot transport, admin feed) as JSON payloads over NATS.
package bus

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/filegram-io/filegram/core/infra/logging"
)

// Subjects published by the content core.
const (
	SubjectContentIngested = "fg.content.ingested"
	SubjectContentPurged   = "fg.content.purged"
	SubjectDeliverySent    = "fg.delivery.sent"
	SubjectDeliveryExpired = "fg.delivery.expired"
	SubjectRequestPending  = "fg.delivery.request.pending"
	SubjectRequestResolved = "fg.delivery.request.resolved"
	SubjectSessionOpened   = "fg.session.opened"
	SubjectSessionClosed   = "fg.session.closed"
	SubjectLinkIssued      = "fg.link.issued"

	// SubjectCmdResolve carries inbound resolve commands from frontends.
	SubjectCmdResolve = "fg.cmd.resolve"

	// SubjectAll matches every core event for taps such as the admin feed.
	SubjectAll = "fg.>"
)

var (
	errNilBus     = errors.New("bus not initialized")
	errEmptyTopic = errors.New("empty subject")
	errNilPayload = errors.New("nil event payload")
)

// Bus abstracts event publication so components stay decoupled from NATS.
type Bus interface {
	Publish(subject string, event any) error
	Subscribe(subject, queue string, handler func(subject string, data []byte) error) error
}

// Envelope wraps every published payload with routing metadata.
type Envelope struct {
	Subject string          `json:"subject"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NatsBus is a thin wrapper over a NATS connection that speaks JSON envelopes.
type NatsBus struct {
	nc *nats.Conn
}

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("filegram-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBus{nc: nc}, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// Publish sends a JSON-encoded envelope on the given subject.
func (b *NatsBus) Publish(subject string, event any) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if event == nil {
		return errNilPayload
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	env := Envelope{Subject: subject, At: time.Now().UTC(), Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe registers a handler for a subject, optionally on a queue group.
func (b *NatsBus) Subscribe(subject, queue string, handler func(subject string, data []byte) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	cb := func(msg *nats.Msg) {
		if err := handler(msg.Subject, msg.Data); err != nil {
			logging.Error("bus", "handler failed", "subject", msg.Subject, "error", err)
		}
	}
	var err error
	if queue != "" {
		_, err = b.nc.QueueSubscribe(subject, queue, cb)
	} else {
		_, err = b.nc.Subscribe(subject, cb)
	}
	return err
}

// Noop implements Bus and drops everything. Used when NATS is not configured.
type Noop struct{}

func (Noop) Publish(string, any) error { return nil }

func (Noop) Subscribe(string, string, func(string, []byte) error) error { return nil }
