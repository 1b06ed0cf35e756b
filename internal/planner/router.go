package planner

import (
	"context"
	"fmt"
	"sync"

	"tether/internal/agent/ports"
)

// Router dispatches planning calls to a per-task planner, so one engine can
// run a batch where every task follows its own plan.
type Router struct {
	mu       sync.RWMutex
	planners map[string]ports.Planner
	fallback ports.Planner
}

// NewRouter builds an empty router. The optional fallback answers for tasks
// with no bound planner.
func NewRouter(fallback ports.Planner) *Router {
	return &Router{
		planners: make(map[string]ports.Planner),
		fallback: fallback,
	}
}

// Bind assigns a planner to a task ID. Later binds replace earlier ones.
func (r *Router) Bind(taskID string, p ports.Planner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.planners[taskID] = p
}

func (r *Router) NextAction(ctx context.Context, task ports.Task, history []ports.Step) (*ports.PlannerReply, error) {
	r.mu.RLock()
	p, ok := r.planners[task.ID]
	if !ok {
		p = r.fallback
	}
	r.mu.RUnlock()

	if p == nil {
		return nil, fmt.Errorf("no plan bound for task %s", task.ID)
	}
	return p.NextAction(ctx, task, history)
}

var _ ports.Planner = (*Router)(nil)
