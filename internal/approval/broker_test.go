package approval

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"tether/internal/agent/ports"
)

func testCall(task, tool string) ports.ToolCall {
	return ports.ToolCall{ID: "call-1", Name: tool, TaskID: task}
}

// ---- request / resolve ----

func TestRequestAndResolve(t *testing.T) {
	broker := NewBroker(time.Minute)

	record, err := broker.Request(context.Background(), testCall("task-1", "file_write"), "write main.go")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if record.Status != ports.ApprovalPending {
		t.Fatalf("fresh request status = %q", record.Status)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		if _, err := broker.Resolve(record.ID, true, "alice", "looks fine"); err != nil {
			t.Errorf("Resolve failed: %v", err)
		}
	}()

	resolved, err := broker.Await(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if resolved.Status != ports.ApprovalApproved {
		t.Fatalf("status = %q, want approved", resolved.Status)
	}
	if !resolved.Granted() {
		t.Fatal("approved record should be granted")
	}
	if resolved.Actor != "alice" || resolved.ResolvedAt == nil {
		t.Fatalf("resolution metadata missing: %+v", resolved)
	}
}

func TestAwaitBlocksOnlyCaller(t *testing.T) {
	broker := NewBroker(time.Minute)
	ctx := context.Background()

	first, _ := broker.Request(ctx, testCall("task-1", "tool_a"), "")
	second, _ := broker.Request(ctx, testCall("task-2", "tool_b"), "")

	if _, err := broker.Resolve(second.ID, false, "bob", "not today"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// Resolving the second request must not disturb the first.
	got, err := broker.Get(first.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != ports.ApprovalPending {
		t.Fatalf("unrelated request status = %q, want pending", got.Status)
	}

	resolved, err := broker.Await(ctx, second.ID)
	if err != nil || resolved.Status != ports.ApprovalDenied {
		t.Fatalf("Await(second) = %+v, %v", resolved, err)
	}
}

// ---- expiry ----

func TestTimeoutResolvesToExpired(t *testing.T) {
	broker := NewBroker(30 * time.Millisecond)

	record, _ := broker.Request(context.Background(), testCall("task-1", "deploy"), "")

	resolved, err := broker.Await(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if resolved.Status != ports.ApprovalExpired {
		t.Fatalf("status = %q, want expired", resolved.Status)
	}
	if resolved.Granted() {
		t.Fatal("expired request must never count as granted")
	}

	// A decision arriving after expiry must not flip the outcome.
	late, err := broker.Resolve(record.ID, true, "alice", "too late")
	if err != nil {
		t.Fatalf("late Resolve errored: %v", err)
	}
	if late.Status != ports.ApprovalExpired {
		t.Fatalf("late resolution flipped status to %q", late.Status)
	}
}

// ---- idempotent resolution ----

func TestSecondResolutionIsNoOp(t *testing.T) {
	broker := NewBroker(time.Minute)
	record, _ := broker.Request(context.Background(), testCall("task-1", "deploy"), "")

	first, err := broker.Resolve(record.ID, false, "alice", "risky")
	if err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	second, err := broker.Resolve(record.ID, true, "bob", "fine by me")
	if err != nil {
		t.Fatalf("second Resolve errored: %v", err)
	}

	if second.Status != first.Status || second.Actor != first.Actor {
		t.Fatalf("second resolution changed outcome: %+v vs %+v", first, second)
	}
	if second.Status != ports.ApprovalDenied {
		t.Fatalf("status = %q, want denied", second.Status)
	}
}

func TestConcurrentResolversConverge(t *testing.T) {
	broker := NewBroker(time.Minute)
	record, _ := broker.Request(context.Background(), testCall("task-1", "deploy"), "")

	var wg sync.WaitGroup
	outcomes := make([]ports.ApprovalRecord, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			outcomes[n], _ = broker.Resolve(record.ID, n%2 == 0, "racer", "")
		}(i)
	}
	wg.Wait()

	want := outcomes[0].Status
	for i, outcome := range outcomes {
		if outcome.Status != want {
			t.Fatalf("resolver %d saw %q, resolver 0 saw %q", i, outcome.Status, want)
		}
	}
}

// ---- cancellation ----

func TestAwaitHonorsContext(t *testing.T) {
	broker := NewBroker(time.Minute)
	record, _ := broker.Request(context.Background(), testCall("task-1", "deploy"), "")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := broker.Await(ctx, record.ID)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("Await should surface context cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Await did not return after cancel")
	}
}

func TestReleaseTaskDeniesPending(t *testing.T) {
	broker := NewBroker(time.Minute)
	ctx := context.Background()

	a, _ := broker.Request(ctx, testCall("task-1", "tool_a"), "")
	b, _ := broker.Request(ctx, testCall("task-1", "tool_b"), "")
	other, _ := broker.Request(ctx, testCall("task-2", "tool_c"), "")

	swept := broker.ReleaseTask("task-1", "task canceled")
	if swept != 2 {
		t.Fatalf("swept = %d, want 2", swept)
	}

	for _, requestID := range []string{a.ID, b.ID} {
		record, _ := broker.Get(requestID)
		if record.Status != ports.ApprovalDenied {
			t.Fatalf("request %s status = %q, want denied", requestID, record.Status)
		}
	}
	record, _ := broker.Get(other.ID)
	if record.Status != ports.ApprovalPending {
		t.Fatalf("other task's request swept: %q", record.Status)
	}
}

// ---- listing and notification ----

func TestPendingListsOldestFirst(t *testing.T) {
	broker := NewBroker(time.Minute)
	ctx := context.Background()

	first, _ := broker.Request(ctx, testCall("task-1", "tool_a"), "")
	time.Sleep(2 * time.Millisecond)
	second, _ := broker.Request(ctx, testCall("task-1", "tool_b"), "")
	time.Sleep(2 * time.Millisecond)
	third, _ := broker.Request(ctx, testCall("task-2", "tool_c"), "")

	if _, err := broker.Resolve(second.ID, true, "alice", ""); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	pending := broker.Pending()
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ID != first.ID || pending[1].ID != third.ID {
		t.Fatalf("pending order wrong: %s, %s", pending[0].ID, pending[1].ID)
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	records []ports.ApprovalRecord
}

func (n *recordingNotifier) Notify(_ context.Context, record ports.ApprovalRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, record)
	return nil
}

func TestNotifierSeesEveryRequest(t *testing.T) {
	notifier := &recordingNotifier{}
	broker := NewBroker(time.Minute, WithNotifier(notifier))

	record, _ := broker.Request(context.Background(), testCall("task-1", "deploy"), "ship it")

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.records) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.records))
	}
	if notifier.records[0].ID != record.ID || notifier.records[0].Summary != "ship it" {
		t.Fatalf("notification mismatch: %+v", notifier.records[0])
	}
}

func TestAwaitUnknownRequest(t *testing.T) {
	broker := NewBroker(time.Minute)
	_, err := broker.Await(context.Background(), "approval-missing")
	if err == nil || !strings.Contains(err.Error(), "unknown request") {
		t.Fatalf("err = %v, want unknown request", err)
	}
}

// ---- auto resolver ----

func TestAutoResolverApprovesAfterDelay(t *testing.T) {
	broker := NewBroker(time.Minute)
	resolver := NewAutoResolver(broker, true, 10*time.Millisecond)

	record, _ := broker.Request(context.Background(), testCall("task-1", "tool_a"), "")
	if err := resolver.Notify(context.Background(), record); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	resolved, err := broker.Await(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if resolved.Status != ports.ApprovalApproved {
		t.Fatalf("status = %q, want approved", resolved.Status)
	}
}

func TestAutoResolverDeniesImmediately(t *testing.T) {
	broker := NewBroker(time.Minute)
	resolver := NewAutoResolver(broker, false, 0)

	record, _ := broker.Request(context.Background(), testCall("task-1", "tool_a"), "")
	if err := resolver.Notify(context.Background(), record); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	resolved, _ := broker.Get(record.ID)
	if resolved.Status != ports.ApprovalDenied {
		t.Fatalf("status = %q, want denied", resolved.Status)
	}
}
