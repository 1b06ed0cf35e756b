// Package approval brokers human sign-off for tool calls the permission
// gate will not let run autonomously. A request blocks only the task that
// made it; resolution arrives from a terminal prompt, the HTTP console, or
// the expiry timer. Expiry always lands on the deny side.
package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tether/internal/agent/ports"
	"tether/internal/shared/logging"
	"tether/internal/utils/id"
)

// DefaultTimeout bounds how long a request may sit unresolved.
const DefaultTimeout = 5 * time.Minute

type pendingRequest struct {
	record ports.ApprovalRecord
	done   chan struct{}
	timer  *time.Timer
}

// Broker tracks in-flight approval requests for all running tasks.
type Broker struct {
	timeout  time.Duration
	notifier ports.Notifier
	logger   logging.Logger

	mu       sync.Mutex
	requests map[string]*pendingRequest
}

// BrokerOption customizes broker construction.
type BrokerOption func(*Broker)

// WithNotifier registers a sink told about every new request, typically a
// terminal prompt or the websocket hub.
func WithNotifier(notifier ports.Notifier) BrokerOption {
	return func(b *Broker) {
		b.notifier = notifier
	}
}

// WithLogger attaches a logger.
func WithLogger(logger logging.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// SetNotifier attaches the notification sink after construction. The
// interactive and auto resolvers need the broker to exist before they
// can be built, so wiring happens in two steps.
func (b *Broker) SetNotifier(notifier ports.Notifier) {
	b.mu.Lock()
	b.notifier = notifier
	b.mu.Unlock()
}

// NewBroker creates a broker whose requests expire after timeout.
// A non-positive timeout falls back to DefaultTimeout.
func NewBroker(timeout time.Duration, opts ...BrokerOption) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	b := &Broker{
		timeout:  timeout,
		logger:   logging.Nop(),
		requests: make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Request registers a pending approval for call and starts its expiry
// timer. It returns immediately; pair it with Await to block for the
// outcome.
func (b *Broker) Request(ctx context.Context, call ports.ToolCall, summary string) (ports.ApprovalRecord, error) {
	now := time.Now()
	record := ports.ApprovalRecord{
		ID:        id.NewApprovalID(),
		TaskID:    call.TaskID,
		Call:      call,
		Summary:   summary,
		Status:    ports.ApprovalPending,
		CreatedAt: now,
		ExpiresAt: now.Add(b.timeout),
	}

	pending := &pendingRequest{
		record: record,
		done:   make(chan struct{}),
	}
	requestID := record.ID
	pending.timer = time.AfterFunc(b.timeout, func() {
		b.resolve(requestID, ports.ApprovalExpired, "system", "approval window elapsed")
	})

	b.mu.Lock()
	b.requests[requestID] = pending
	notifier := b.notifier
	b.mu.Unlock()

	b.logger.Info("Approval requested: %s for tool %s (task %s)", requestID, call.Name, call.TaskID)

	if notifier != nil {
		if err := notifier.Notify(ctx, record); err != nil {
			// Notification is best-effort; the expiry timer still covers us.
			b.logger.Warn("Approval notification failed for %s: %v", requestID, err)
		}
	}

	return record, nil
}

// Await blocks until the request resolves or ctx is canceled. Only the
// calling task waits; other tasks and resolvers stay unblocked. On
// cancellation the request is left pending for ReleaseTask to sweep.
func (b *Broker) Await(ctx context.Context, requestID string) (ports.ApprovalRecord, error) {
	b.mu.Lock()
	pending, ok := b.requests[requestID]
	b.mu.Unlock()
	if !ok {
		return ports.ApprovalRecord{}, fmt.Errorf("approval: unknown request %s", requestID)
	}

	select {
	case <-pending.done:
		b.mu.Lock()
		record := pending.record
		b.mu.Unlock()
		return record, nil
	case <-ctx.Done():
		b.mu.Lock()
		record := pending.record
		b.mu.Unlock()
		return record, ctx.Err()
	}
}

// Resolve records a human decision. A request that is already resolved,
// including by expiry, keeps its first outcome; the existing record is
// returned unchanged so racing resolvers converge.
func (b *Broker) Resolve(requestID string, approve bool, actor, reason string) (ports.ApprovalRecord, error) {
	status := ports.ApprovalDenied
	if approve {
		status = ports.ApprovalApproved
	}
	record, ok := b.resolve(requestID, status, actor, reason)
	if !ok {
		return ports.ApprovalRecord{}, fmt.Errorf("approval: unknown request %s", requestID)
	}
	return record, nil
}

// resolve applies the first resolution and ignores the rest. It returns
// the (possibly pre-existing) record and whether the request was found.
func (b *Broker) resolve(requestID string, status ports.ApprovalStatus, actor, reason string) (ports.ApprovalRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending, ok := b.requests[requestID]
	if !ok {
		return ports.ApprovalRecord{}, false
	}
	if pending.record.Status.Resolved() {
		return pending.record, true
	}

	now := time.Now()
	pending.record.Status = status
	pending.record.ResolvedAt = &now
	pending.record.Actor = actor
	pending.record.Reason = reason
	if pending.timer != nil {
		pending.timer.Stop()
	}
	close(pending.done)

	b.logger.Info("Approval %s resolved: %s by %s", requestID, status, actor)
	return pending.record, true
}

// Get returns a snapshot of one request.
func (b *Broker) Get(requestID string) (ports.ApprovalRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending, ok := b.requests[requestID]
	if !ok {
		return ports.ApprovalRecord{}, fmt.Errorf("approval: unknown request %s", requestID)
	}
	return pending.record, nil
}

// Pending lists unresolved requests oldest first, for the console.
func (b *Broker) Pending() []ports.ApprovalRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	records := make([]ports.ApprovalRecord, 0, len(b.requests))
	for _, pending := range b.requests {
		if !pending.record.Status.Resolved() {
			records = append(records, pending.record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records
}

// ReleaseTask denies every pending request belonging to taskID, used when
// a task is canceled so nothing waits on a dead loop. Returns how many
// requests were swept.
func (b *Broker) ReleaseTask(taskID, reason string) int {
	b.mu.Lock()
	var ids []string
	for requestID, pending := range b.requests {
		if pending.record.TaskID == taskID && !pending.record.Status.Resolved() {
			ids = append(ids, requestID)
		}
	}
	b.mu.Unlock()

	for _, requestID := range ids {
		b.resolve(requestID, ports.ApprovalDenied, "system", reason)
	}
	return len(ids)
}

// Drop forgets a resolved request. Unresolved requests are denied first.
func (b *Broker) Drop(requestID string) {
	b.resolve(requestID, ports.ApprovalDenied, "system", "request dropped")
	b.mu.Lock()
	delete(b.requests, requestID)
	b.mu.Unlock()
}
