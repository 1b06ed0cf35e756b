package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"tether/internal/agent/ports"
)

// InteractiveResolver prompts on the terminal for each approval request
// and feeds the answer back to the broker. It implements ports.Notifier;
// prompting happens off the requesting goroutine so the loop blocks in
// Await, not here.
type InteractiveResolver struct {
	broker       *Broker
	autoApprove  bool
	colorEnabled bool
	in           io.Reader
	out          io.Writer

	// promptMu serializes prompts so concurrent tasks don't interleave
	// on one terminal.
	promptMu sync.Mutex
}

// NewInteractiveResolver builds a terminal resolver bound to broker.
func NewInteractiveResolver(broker *Broker, autoApprove, colorEnabled bool) *InteractiveResolver {
	return &InteractiveResolver{
		broker:       broker,
		autoApprove:  autoApprove,
		colorEnabled: colorEnabled,
		in:           os.Stdin,
		out:          os.Stdout,
	}
}

// Notify either auto-approves or schedules a terminal prompt.
func (r *InteractiveResolver) Notify(_ context.Context, record ports.ApprovalRecord) error {
	if r.autoApprove {
		_, err := r.broker.Resolve(record.ID, true, "auto", "auto-approve enabled")
		return err
	}
	go r.prompt(record)
	return nil
}

func (r *InteractiveResolver) prompt(record ports.ApprovalRecord) {
	r.promptMu.Lock()
	defer r.promptMu.Unlock()

	// The request may have expired or been resolved from the console
	// while we waited for the terminal.
	if current, err := r.broker.Get(record.ID); err != nil || current.Status.Resolved() {
		return
	}

	r.display(record)

	approve, ok := r.readDecision()
	if !ok {
		// Input failure: leave the request to the expiry timer.
		return
	}
	reason := "approved at terminal"
	if !approve {
		reason = "denied at terminal"
	}
	_, _ = r.broker.Resolve(record.ID, approve, "terminal", reason)
}

func (r *InteractiveResolver) display(record ports.ApprovalRecord) {
	separator := strings.Repeat("=", 80)

	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, r.colorize(separator, color.FgCyan))
	fmt.Fprintln(r.out, r.colorize(fmt.Sprintf("Approval needed: %s", record.Call.Name), color.FgYellow, color.Bold))
	fmt.Fprintln(r.out, r.colorize(fmt.Sprintf("Task: %s", record.TaskID), color.FgWhite))
	if record.Call.Justification != "" {
		fmt.Fprintln(r.out, r.colorize(fmt.Sprintf("Why: %s", record.Call.Justification), color.FgWhite))
	}
	fmt.Fprintln(r.out, r.colorize(separator, color.FgCyan))

	if record.Summary != "" {
		fmt.Fprintln(r.out)
		fmt.Fprintln(r.out, record.Summary)
	}

	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, r.colorize(fmt.Sprintf("Expires at %s", record.ExpiresAt.Format("15:04:05")), color.FgWhite))
}

func (r *InteractiveResolver) readDecision() (approve, ok bool) {
	reader := bufio.NewReader(r.in)
	for {
		fmt.Fprintln(r.out, r.colorize("Allow this call?", color.FgYellow, color.Bold))
		fmt.Fprintln(r.out, "  [y] Approve")
		fmt.Fprintln(r.out, "  [n] Deny")
		fmt.Fprint(r.out, r.colorize("Choice: ", color.FgCyan))

		input, err := reader.ReadString('\n')
		if err != nil {
			return false, false
		}
		switch strings.TrimSpace(strings.ToLower(input)) {
		case "y", "yes":
			return true, true
		case "n", "no", "":
			return false, true
		default:
			fmt.Fprintln(r.out, r.colorize("Invalid choice. Enter y or n.", color.FgRed))
		}
	}
}

func (r *InteractiveResolver) colorize(text string, attributes ...color.Attribute) string {
	if !r.colorEnabled {
		return text
	}
	return color.New(attributes...).Sprint(text)
}

// AutoResolver resolves every request with a fixed decision, optionally
// after a delay. Used for unattended runs and tests.
type AutoResolver struct {
	broker  *Broker
	approve bool
	delay   time.Duration
	actor   string
}

// NewAutoResolver builds a resolver that always answers approve.
func NewAutoResolver(broker *Broker, approve bool, delay time.Duration) *AutoResolver {
	actor := "auto-deny"
	if approve {
		actor = "auto-approve"
	}
	return &AutoResolver{broker: broker, approve: approve, delay: delay, actor: actor}
}

// Notify resolves the request, after the configured delay if any.
func (r *AutoResolver) Notify(_ context.Context, record ports.ApprovalRecord) error {
	if r.delay <= 0 {
		_, err := r.broker.Resolve(record.ID, r.approve, r.actor, "resolved automatically")
		return err
	}
	time.AfterFunc(r.delay, func() {
		_, _ = r.broker.Resolve(record.ID, r.approve, r.actor, "resolved automatically")
	})
	return nil
}
