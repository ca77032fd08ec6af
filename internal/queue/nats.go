// Package queue publishes order lifecycle events to NATS.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/itgoyo/faka-usdt/internal/domain"
	"github.com/itgoyo/faka-usdt/internal/telemetry"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// HeaderOrderID carries the order id so consumers can filter without decoding
const HeaderOrderID = "Order-Id"

// SubjectPrefix is prepended to the event type, e.g. shop.orders.OrderPaid
const SubjectPrefix = "shop.orders."

// Subject returns the NATS subject an event is published on
func Subject(event domain.Event) string {
	return SubjectPrefix + event.GetType()
}

// NATSClient wraps a NATS connection for event publishing
type NATSClient struct {
	conn *nats.Conn
}

// NewNATSClient connects to the NATS server at url
func NewNATSClient(url string) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name("faka-usdt"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSClient{conn: conn}, nil
}

// newMessage builds the message for event. Nats-Msg-Id is stable per order
// and event type, so a JetStream stream on these subjects drops the repeat
// publish that can follow a redelivered check.
func newMessage(ctx context.Context, event domain.Event) (*nats.Msg, error) {
	data, err := domain.SerializeEvent(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := nats.NewMsg(Subject(event))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.GetOrderID()+":"+event.GetType())
	msg.Header.Set(HeaderOrderID, event.GetOrderID())
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))
	return msg, nil
}

// Publish sends an event envelope without waiting for consumers
func (c *NATSClient) Publish(ctx context.Context, event domain.Event) error {
	msg, err := newMessage(ctx, event)
	if err != nil {
		return err
	}
	if err := c.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Subject, err)
	}
	telemetry.NATSMessagesPublished.WithLabelValues(msg.Subject).Inc()
	return nil
}

// Close drains and closes the NATS connection
func (c *NATSClient) Close() {
	if c.conn != nil {
		c.conn.Drain()
		c.conn.Close()
	}
}
