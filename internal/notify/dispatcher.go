// Package notify delivers operator notifications about new and paid orders
// without holding up the request that triggered them.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/itgoyo/faka-usdt/internal/domain"
	"github.com/itgoyo/faka-usdt/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 256
)

// SettingsSource supplies the current notification settings
type SettingsSource interface {
	GetSettings(ctx context.Context) (domain.Settings, error)
}

type eventKind int

const (
	eventCreated eventKind = iota
	eventPaid
)

type job struct {
	kind    eventKind
	summary domain.OrderSummary
	at      time.Time
}

// Config configures the dispatcher
type Config struct {
	Workers     int
	QueueSize   int
	PushBaseURL string
}

// Dispatcher queues notifications and sends them from a fixed worker pool.
// Enqueueing never blocks; when the queue is full the notification is dropped.
type Dispatcher struct {
	settings   SettingsSource
	transports func(domain.Settings) []Transport
	queue      chan job
	workers    int

	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher that builds its transports from settings
func NewDispatcher(cfg Config, settings SettingsSource) *Dispatcher {
	pushBase := cfg.PushBaseURL
	return newDispatcher(cfg, settings, func(st domain.Settings) []Transport {
		return TransportsFor(st, pushBase)
	})
}

func newDispatcher(cfg Config, settings SettingsSource, transports func(domain.Settings) []Transport) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		settings:   settings,
		transports: transports,
		queue:      make(chan job, cfg.QueueSize),
		workers:    cfg.Workers,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the workers
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	slog.Info("notification dispatcher started", "workers", d.workers, "queue_size", cap(d.queue))
}

// Stop stops the workers after their current send. Queued notifications
// that have not started are discarded.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
	})
}

// NotifyCreated queues a new-order notification
func (d *Dispatcher) NotifyCreated(summary domain.OrderSummary) {
	d.enqueue(job{kind: eventCreated, summary: summary, at: time.Now()})
}

// NotifyPaid queues a payment-confirmed notification
func (d *Dispatcher) NotifyPaid(summary domain.OrderSummary) {
	d.enqueue(job{kind: eventPaid, summary: summary, at: time.Now()})
}

func (d *Dispatcher) enqueue(j job) {
	select {
	case d.queue <- j:
	default:
		telemetry.NotificationsDropped.Inc()
		slog.Warn("notification queue full, dropping", "order_id", j.summary.OrderID)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case j := <-d.queue:
			d.deliver(d.ctx, j)
		}
	}
}

// deliver sends one notification to every enabled transport concurrently.
// Failures are logged and counted; one transport failing never stops another.
func (d *Dispatcher) deliver(ctx context.Context, j job) {
	st, err := d.settings.GetSettings(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load notification settings", "order_id", j.summary.OrderID, "error", err)
		return
	}

	var msg Message
	switch j.kind {
	case eventCreated:
		if !st.NotifyOnCreate {
			return
		}
		msg = CreatedMessage(j.summary, j.at)
	case eventPaid:
		if !st.NotifyOnPaid {
			return
		}
		msg = PaidMessage(j.summary, j.at)
	}

	transports := d.transports(st)
	if len(transports) == 0 {
		return
	}

	var g errgroup.Group
	for _, t := range transports {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()

			if err := t.Send(sendCtx, msg); err != nil {
				telemetry.NotificationsTotal.WithLabelValues(t.Name(), "failed").Inc()
				slog.WarnContext(ctx, "notification failed",
					"transport", t.Name(),
					"order_id", j.summary.OrderID,
					"error", err,
				)
				return nil
			}
			telemetry.NotificationsTotal.WithLabelValues(t.Name(), "sent").Inc()
			return nil
		})
	}
	g.Wait()
}
