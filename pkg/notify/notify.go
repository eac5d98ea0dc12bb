// Package notify delivers best-effort text messages to users.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gregtusar/papertrade/pkg/metrics"
	"github.com/sirupsen/logrus"
)

type Notifier interface {
	Notify(ctx context.Context, userID, text string) error
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, userID, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, userID, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, userID, text string) error {
	n.logger.WithField("user_id", userID).Info(text)
	return nil
}

type message struct {
	userID string
	text   string
}

var ErrDispatcherClosed = errors.New("notification dispatcher closed")

// Dispatcher queues notifications and delivers them from a single worker.
// A full queue drops the message.
type Dispatcher struct {
	next    Notifier
	timeout time.Duration
	logger  *logrus.Logger
	metrics *metrics.Metrics

	queue  chan message
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(next Notifier, queueSize int, timeout time.Duration, logger *logrus.Logger, m *metrics.Metrics) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &Dispatcher{
		next:    next,
		timeout: timeout,
		logger:  logger,
		metrics: m,
		queue:   make(chan message, queueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify enqueues the message and returns immediately.
func (d *Dispatcher) Notify(ctx context.Context, userID, text string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- message{userID: userID, text: text}:
		return nil
	default:
		d.metrics.NotificationsDropped.Inc()
		d.logger.WithField("user_id", userID).Warn("Notification queue full, dropping message")
		return nil
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for msg := range d.queue {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg message) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.next.Notify(ctx, msg.userID, msg.text); err != nil {
		d.metrics.NotificationsDropped.Inc()
		d.logger.WithError(err).WithField("user_id", msg.userID).Warn("Failed to deliver notification")
	}
}

// Close stops accepting messages and waits until the queue drains or ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
