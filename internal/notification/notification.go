// Package notification delivers execution lifecycle notifications to
// external systems. The webhook sender posts a signed JSON payload for
// every execution that reaches a terminal state.
package notification

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/scrapeforge/internal/domain"
	"github.com/jkaninda/scrapeforge/internal/orchestrator"
)

// EventExecutionFinished is the event name carried by terminal notifications.
const EventExecutionFinished = "execution.finished"

// maxInFlight bounds concurrent deliveries. Events beyond it are dropped.
const maxInFlight = 16

// Sender delivers one payload.
type Sender interface {
	Type() string
	Send(ctx context.Context, p *Payload) error
}

// DeliveryRecorder counts delivery outcomes. *observability.MetricsCollector implements it.
type DeliveryRecorder interface {
	RecordWebhookDelivery(ok bool)
}

// Payload is the JSON body of a notification.
type Payload struct {
	Event         string                 `json:"event"`
	ExecutionID   string                 `json:"execution_id"`
	ScraperID     string                 `json:"scraper_id"`
	UserID        string                 `json:"user_id"`
	Status        domain.ExecutionStatus `json:"status"`
	InputURL      string                 `json:"input_url"`
	OutputFormat  domain.OutputFormat    `json:"output_format"`
	ExecutionTime int                    `json:"execution_time"`
	Error         string                 `json:"error,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	SentAt        time.Time              `json:"sent_at"`
}

// PayloadFor builds the terminal notification for e.
func PayloadFor(e *domain.Execution, now time.Time) *Payload {
	return &Payload{
		Event:         EventExecutionFinished,
		ExecutionID:   e.ID.String(),
		ScraperID:     e.ScraperID.String(),
		UserID:        e.UserID.String(),
		Status:        e.Status,
		InputURL:      e.InputURL,
		OutputFormat:  e.OutputFormat,
		ExecutionTime: e.ExecutionTime,
		Error:         e.ErrorMessage,
		CompletedAt:   e.CompletedAt,
		SentAt:        now.UTC(),
	}
}

// Dispatcher forwards terminal execution events to its senders.
type Dispatcher struct {
	senders  []Sender
	recorder DeliveryRecorder
	logger   *slog.Logger
	sem      chan struct{}
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. recorder may be nil.
func NewDispatcher(recorder DeliveryRecorder, logger *slog.Logger, senders ...Sender) *Dispatcher {
	return &Dispatcher{
		senders:  senders,
		recorder: recorder,
		logger:   logger,
		sem:      make(chan struct{}, maxInFlight),
	}
}

// Run consumes events until the channel closes or ctx is canceled, then
// waits for in-flight deliveries.
func (d *Dispatcher) Run(ctx context.Context, events <-chan orchestrator.Event) {
	defer d.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !ev.Terminal() {
				continue
			}
			d.dispatch(ctx, PayloadFor(&ev.Execution, ev.At))
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, p *Payload) {
	select {
	case d.sem <- struct{}{}:
	default:
		d.logger.WarnContext(ctx, "notification dropped, too many deliveries in flight",
			slog.String("execution_id", p.ExecutionID),
		)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()
		d.Deliver(context.WithoutCancel(ctx), p)
	}()
}

// Deliver sends p through every sender and returns the number that succeeded.
func (d *Dispatcher) Deliver(ctx context.Context, p *Payload) int {
	ok := 0
	for _, s := range d.senders {
		err := s.Send(ctx, p)
		if d.recorder != nil {
			d.recorder.RecordWebhookDelivery(err == nil)
		}
		if err != nil {
			d.logger.WarnContext(ctx, "notification send failed",
				slog.String("type", s.Type()),
				slog.String("execution_id", p.ExecutionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		ok++
		d.logger.InfoContext(ctx, "notification sent",
			slog.String("type", s.Type()),
			slog.String("execution_id", p.ExecutionID),
			slog.String("status", string(p.Status)),
		)
	}
	return ok
}
