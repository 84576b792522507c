// Package notify produces notification intents for escrow state changes and
// hands them to a delivery sink in the background. Emitting never fails.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"escrowhub/internal/metrics"
)

type Kind string

const (
	KindEscrowCreated     Kind = "escrow_created"
	KindEscrowCompleted   Kind = "escrow_completed"
	KindEscrowCancelled   Kind = "escrow_cancelled"
	KindEscrowDisputed    Kind = "escrow_disputed"
	KindTransactionFailed Kind = "transaction_failed"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

var defaults = map[Kind]struct {
	message  string
	severity Severity
}{
	KindEscrowCreated:     {"Escrow %s has been created.", SeveritySuccess},
	KindEscrowCompleted:   {"Escrow %s has been completed and funds released.", SeveritySuccess},
	KindEscrowCancelled:   {"Escrow %s has been cancelled.", SeverityWarning},
	KindEscrowDisputed:    {"Escrow %s is under dispute.", SeverityWarning},
	KindTransactionFailed: {"A transaction for escrow %s failed.", SeverityError},
}

// Intent is one notification record.
type Intent struct {
	ID        string    `json:"id"`
	EscrowID  string    `json:"escrowId"`
	Kind      Kind      `json:"kind"`
	Recipient string    `json:"recipient"`
	Sender    string    `json:"sender,omitempty"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

type IntentOption func(*Intent)

func WithMessage(msg string) IntentOption {
	return func(i *Intent) {
		if msg != "" {
			i.Message = msg
		}
	}
}

func WithSeverity(s Severity) IntentOption {
	return func(i *Intent) {
		if s != "" {
			i.Severity = s
		}
	}
}

func WithSender(sender string) IntentOption {
	return func(i *Intent) { i.Sender = sender }
}

// Sink delivers intents. Implementations must be safe for concurrent use.
type Sink interface {
	Deliver(ctx context.Context, in Intent) error
}

// Store is a sink whose intents can be read back.
type Store interface {
	Sink
	List(ctx context.Context, recipient string, limit int) ([]Intent, error)
	MarkRead(ctx context.Context, id string) (bool, error)
}

const (
	defaultQueueSize       = 256
	defaultDeliveryTimeout = 5 * time.Second
)

type Emitter struct {
	sink    Sink
	log     logrus.FieldLogger
	metrics *metrics.Registry
	now     func() time.Time
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Intent
	wg     sync.WaitGroup
}

type Option func(*Emitter)

func WithQueueSize(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.queue = make(chan Intent, n)
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option { return func(e *Emitter) { e.log = l } }

func WithMetrics(m *metrics.Registry) Option { return func(e *Emitter) { e.metrics = m } }

func WithClock(now func() time.Time) Option { return func(e *Emitter) { e.now = now } }

func WithDeliveryTimeout(d time.Duration) Option {
	return func(e *Emitter) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewEmitter starts the delivery worker. A nil sink discards intents.
func NewEmitter(sink Sink, opts ...Option) *Emitter {
	e := &Emitter{
		sink:    sink,
		log:     logrus.StandardLogger(),
		now:     time.Now,
		timeout: defaultDeliveryTimeout,
		queue:   make(chan Intent, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithField("component", "notify")
	e.wg.Add(1)
	go e.deliverLoop()
	return e
}

// Emit builds an intent and queues it for delivery. It returns the intent id
// whether or not delivery later succeeds.
func (e *Emitter) Emit(escrowID string, kind Kind, recipient string, opts ...IntentOption) string {
	in := Intent{
		ID:        uuid.NewString(),
		EscrowID:  escrowID,
		Kind:      kind,
		Recipient: recipient,
		Severity:  SeverityInfo,
		CreatedAt: e.now().UTC(),
	}
	if d, ok := defaults[kind]; ok {
		in.Message = fmt.Sprintf(d.message, escrowID)
		in.Severity = d.severity
	} else {
		in.Message = fmt.Sprintf("Escrow %s: %s", escrowID, kind)
	}
	for _, opt := range opts {
		opt(&in)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop(in, "closed")
		return in.ID
	}
	select {
	case e.queue <- in:
		e.metrics.IncNotification(string(kind), "queued")
	default:
		e.drop(in, "queue_full")
	}
	return in.ID
}

// QueueDepth reports intents waiting for delivery.
func (e *Emitter) QueueDepth() int { return len(e.queue) }

func (e *Emitter) drop(in Intent, reason string) {
	e.metrics.IncNotification(string(in.Kind), "dropped")
	e.log.WithFields(logrus.Fields{"id": in.ID, "kind": in.Kind, "reason": reason}).Warn("notification dropped")
}

func (e *Emitter) deliverLoop() {
	defer e.wg.Done()
	for in := range e.queue {
		if e.sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		err := e.sink.Deliver(ctx, in)
		cancel()
		if err != nil {
			e.metrics.IncNotification(string(in.Kind), "failed")
			e.log.WithError(err).WithFields(logrus.Fields{"id": in.ID, "kind": in.Kind}).Warn("notification delivery failed")
			continue
		}
		e.metrics.IncNotification(string(in.Kind), "delivered")
	}
}

// Close stops accepting intents and waits for queued ones to be delivered.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
