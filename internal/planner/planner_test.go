package planner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"tether/internal/agent/ports"
)

// ---- scripted planner ----

func TestScriptedReplaysInOrder(t *testing.T) {
	p := NewScripted(
		Call("file_read", map[string]any{"path": "a.txt"}),
		Final("done"),
	)
	task := ports.Task{ID: "task-1", Goal: "read a file"}

	reply, err := p.NextAction(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("NextAction failed: %v", err)
	}
	if reply.IsFinal() {
		t.Fatal("first reply should be a tool call")
	}
	if reply.ToolCall.Name != "file_read" {
		t.Errorf("got tool %q, want file_read", reply.ToolCall.Name)
	}

	reply, err = p.NextAction(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("NextAction failed: %v", err)
	}
	if !reply.IsFinal() || reply.FinalAnswer != "done" {
		t.Errorf("expected final answer 'done', got %+v", reply)
	}
	if p.Remaining() != 0 {
		t.Errorf("remaining = %d, want 0", p.Remaining())
	}
}

func TestScriptedExhaustionIsAnError(t *testing.T) {
	p := NewScripted(Call("think", map[string]any{"thought": "hm"}))
	task := ports.Task{ID: "task-1"}

	if _, err := p.NextAction(context.Background(), task, nil); err != nil {
		t.Fatalf("NextAction failed: %v", err)
	}
	if _, err := p.NextAction(context.Background(), task, nil); err == nil {
		t.Fatal("expected an error after the script ran out")
	}
}

func TestScriptedHonorsContext(t *testing.T) {
	p := NewScripted(Final("done"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.NextAction(ctx, ports.Task{ID: "task-1"}, nil); err == nil {
		t.Fatal("expected context error")
	}
}

func TestFuncAdapter(t *testing.T) {
	called := false
	p := Func(func(ctx context.Context, task ports.Task, history []ports.Step) (*ports.PlannerReply, error) {
		called = true
		reply := Final("ok")
		return &reply, nil
	})

	reply, err := p.NextAction(context.Background(), ports.Task{ID: "task-1"}, nil)
	if err != nil {
		t.Fatalf("NextAction failed: %v", err)
	}
	if !called || reply.FinalAnswer != "ok" {
		t.Errorf("func adapter did not delegate: %+v", reply)
	}
}

// ---- plan files ----

const samplePlan = `goal: summarize the readme
model: gpt-4o-mini
steps:
  - tool: file_read
    args:
      path: README.md
    input_tokens: 120
    output_tokens: 30
  - tool: file_write
    args_json: "{'path': 'summary.txt', 'content': 'short'}"
    justification: persist the summary
final_answer: wrote the summary
`

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	return path
}

func TestLoadPlan(t *testing.T) {
	scripted, plan, err := LoadPlan(writePlan(t, samplePlan))
	if err != nil {
		t.Fatalf("LoadPlan failed: %v", err)
	}
	if plan.Goal != "summarize the readme" {
		t.Errorf("goal = %q", plan.Goal)
	}

	task := ports.Task{ID: "task-1", Goal: plan.Goal}

	reply, err := scripted.NextAction(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if reply.ToolCall.Name != "file_read" {
		t.Errorf("step 1 tool = %q", reply.ToolCall.Name)
	}
	if reply.ToolCall.Arguments["path"] != "README.md" {
		t.Errorf("step 1 args = %v", reply.ToolCall.Arguments)
	}
	if reply.Usage.Model != "gpt-4o-mini" || reply.Usage.InputTokens != 120 {
		t.Errorf("step 1 usage = %+v", reply.Usage)
	}

	reply, err = scripted.NextAction(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	// args_json uses single quotes; the repair parser accepts it.
	if reply.ToolCall.Arguments["path"] != "summary.txt" {
		t.Errorf("step 2 args = %v", reply.ToolCall.Arguments)
	}
	if reply.ToolCall.Justification != "persist the summary" {
		t.Errorf("step 2 justification = %q", reply.ToolCall.Justification)
	}

	reply, err = scripted.NextAction(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("final: %v", err)
	}
	if !reply.IsFinal() || reply.FinalAnswer != "wrote the summary" {
		t.Errorf("final reply = %+v", reply)
	}
}

func TestLoadPlanMissingFile(t *testing.T) {
	if _, _, err := LoadPlan("/nonexistent/plan.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestCompileRejectsBadPlans(t *testing.T) {
	cases := []struct {
		name string
		plan PlanFile
	}{
		{"no final answer", PlanFile{Steps: []PlanStep{{Tool: "think"}}}},
		{"step without tool", PlanFile{FinalAnswer: "x", Steps: []PlanStep{{}}}},
		{"both arg forms", PlanFile{FinalAnswer: "x", Steps: []PlanStep{{
			Tool: "file_read", Args: map[string]any{"path": "a"}, ArgsJSON: `{"path": "b"}`,
		}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Compile(&tc.plan); err == nil {
				t.Fatal("expected compile error")
			}
		})
	}
}

func TestCompileDefaultsEmptyArgs(t *testing.T) {
	scripted, err := Compile(&PlanFile{
		FinalAnswer: "x",
		Steps:       []PlanStep{{Tool: "think"}},
	})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	reply, err := scripted.NextAction(context.Background(), ports.Task{ID: "t"}, nil)
	if err != nil {
		t.Fatalf("NextAction failed: %v", err)
	}
	if reply.ToolCall.Arguments == nil {
		t.Error("arguments should default to an empty map")
	}
}

// ---- router ----

func TestRouterDispatchesByTaskID(t *testing.T) {
	router := NewRouter(nil)
	router.Bind("task-a", NewScripted(Final("answer a")))
	router.Bind("task-b", NewScripted(Final("answer b")))

	reply, err := router.NextAction(context.Background(), ports.Task{ID: "task-b"}, nil)
	if err != nil {
		t.Fatalf("NextAction failed: %v", err)
	}
	if reply.FinalAnswer != "answer b" {
		t.Errorf("got %q, want answer b", reply.FinalAnswer)
	}

	reply, err = router.NextAction(context.Background(), ports.Task{ID: "task-a"}, nil)
	if err != nil {
		t.Fatalf("NextAction failed: %v", err)
	}
	if reply.FinalAnswer != "answer a" {
		t.Errorf("got %q, want answer a", reply.FinalAnswer)
	}
}

func TestRouterFallsBack(t *testing.T) {
	router := NewRouter(NewScripted(Final("fallback")))

	reply, err := router.NextAction(context.Background(), ports.Task{ID: "unbound"}, nil)
	if err != nil {
		t.Fatalf("NextAction failed: %v", err)
	}
	if reply.FinalAnswer != "fallback" {
		t.Errorf("got %q, want fallback", reply.FinalAnswer)
	}
}

func TestRouterWithoutPlanErrors(t *testing.T) {
	router := NewRouter(nil)
	if _, err := router.NextAction(context.Background(), ports.Task{ID: "unbound"}, nil); err == nil {
		t.Fatal("expected error for unbound task")
	}
}
