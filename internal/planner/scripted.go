// Package planner provides decision-maker implementations that drive the
// execution loop without a live model: a scripted planner replaying a fixed
// reply sequence, and a YAML plan file loader for the CLI. The reasoning
// itself stays behind the ports.Planner interface.
package planner

import (
	"context"
	"fmt"
	"sync"

	"tether/internal/agent/ports"
)

// Scripted replays a fixed sequence of replies, one per NextAction call.
// Running past the end without a final answer is a scripting bug and
// surfaces as an error.
type Scripted struct {
	mu      sync.Mutex
	replies []ports.PlannerReply
	pos     int
}

// NewScripted builds a planner from the given replies.
func NewScripted(replies ...ports.PlannerReply) *Scripted {
	return &Scripted{replies: replies}
}

func (s *Scripted) NextAction(ctx context.Context, task ports.Task, history []ports.Step) (*ports.PlannerReply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.replies) {
		return nil, fmt.Errorf("plan exhausted after %d replies without a final answer", len(s.replies))
	}
	reply := s.replies[s.pos]
	s.pos++
	return &reply, nil
}

// Remaining returns how many replies are left, mainly for tests.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies) - s.pos
}

// Call builds a reply proposing one tool call.
func Call(tool string, args map[string]any) ports.PlannerReply {
	return ports.PlannerReply{
		ToolCall: &ports.ToolCall{Name: tool, Arguments: args},
	}
}

// Final builds a reply carrying the final answer.
func Final(answer string) ports.PlannerReply {
	return ports.PlannerReply{FinalAnswer: answer}
}

// WithUsage attaches token usage to a reply.
func WithUsage(reply ports.PlannerReply, model string, input, output int) ports.PlannerReply {
	reply.Usage = ports.TokenUsage{Model: model, InputTokens: input, OutputTokens: output}
	return reply
}

// Func adapts a function to the Planner interface.
type Func func(ctx context.Context, task ports.Task, history []ports.Step) (*ports.PlannerReply, error)

func (f Func) NextAction(ctx context.Context, task ports.Task, history []ports.Step) (*ports.PlannerReply, error) {
	return f(ctx, task, history)
}

var (
	_ ports.Planner = (*Scripted)(nil)
	_ ports.Planner = Func(nil)
)
