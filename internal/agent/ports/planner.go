package ports

import "context"

// TokenUsage reports the tokens a decision-maker call consumed. Model names
// the pricing entry used to convert usage into cost; an empty model records
// tokens without cost.
type TokenUsage struct {
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// PlannerReply is one decision: either a final answer or exactly one proposed
// tool call, never both.
type PlannerReply struct {
	FinalAnswer string     `json:"final_answer,omitempty"`
	ToolCall    *ToolCall  `json:"tool_call,omitempty"`
	Usage       TokenUsage `json:"usage"`
}

// IsFinal reports whether the reply carries a final answer instead of a call.
func (r *PlannerReply) IsFinal() bool {
	return r != nil && r.ToolCall == nil
}

// Planner is the external decision-maker. Given the task and the accumulated
// history it proposes the next action. The reasoning itself is out of scope;
// provider failures are surfaced as errors and retried by the caller.
type Planner interface {
	NextAction(ctx context.Context, task Task, history []Step) (*PlannerReply, error)
}

// Embedder turns text into a vector for the semantic cache tier.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
