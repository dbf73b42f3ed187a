package bus

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loomworks/loom/core/infra/logging"
)

// Bus is the publish/subscribe surface consumed by the engine, bridge and
// sandbox service. Payloads are JSON documents.
type Bus interface {
	Publish(subject string, v any) error
	Subscribe(subject, queue string, handler func(data []byte) error) error
}

// NatsBus is a thin wrapper over a NATS connection that speaks JSON payloads.
type NatsBus struct {
	nc *nats.Conn
}

var (
	errNilBus       = errors.New("nats bus not initialized")
	errEmptySubject = errors.New("empty subject")
)

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("loom-bus"),
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

// IsConnected reports connection liveness for status endpoints.
func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// ConnectedURL returns the URL of the connected server, if any.
func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}

// Publish sends a JSON-encoded payload on the given subject.
func (b *NatsBus) Publish(subject string, v any) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptySubject
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches a queue subscription that invokes the handler with the
// raw JSON payload. A handler error marked retryable (see RetryAfter) is
// redelivered to the same handler after its delay; other errors are logged
// and the message is dropped.
func (b *NatsBus) Subscribe(subject, queue string, handler func(data []byte) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptySubject
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	cb := func(msg *nats.Msg) {
		b.deliver(subject, msg.Data, handler, 0)
	}
	var err error
	if queue != "" {
		_, err = b.nc.QueueSubscribe(subject, queue, cb)
	} else {
		_, err = b.nc.Subscribe(subject, cb)
	}
	return err
}

const maxRedeliveries = 10

func (b *NatsBus) deliver(subject string, data []byte, handler func([]byte) error, redelivery int) {
	err := handler(data)
	if err == nil {
		return
	}
	if delay, ok := RetryDelay(err); ok {
		if redelivery >= maxRedeliveries {
			logging.Error("bus", "redelivery budget exhausted", "subject", subject, "error", err)
			return
		}
		if delay <= 0 {
			delay = 100 * time.Millisecond
		}
		time.AfterFunc(delay, func() {
			b.deliver(subject, data, handler, redelivery+1)
		})
		return
	}
	logging.Error("bus", "handler error", "subject", subject, "error", err)
}
