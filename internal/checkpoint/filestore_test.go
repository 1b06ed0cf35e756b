package checkpoint

import (
	"context"
	"testing"
	"time"

	"tether/internal/agent/ports"
)

func sampleCheckpoint(taskID string, step int) *ports.Checkpoint {
	return &ports.Checkpoint{
		TaskID: taskID,
		Step:   step,
		History: []ports.Step{
			{
				Index: 1,
				Kind:  ports.StepExecuted,
				Call:  &ports.ToolCall{ID: "call-1", Name: "web_search", TaskID: taskID},
				Result: &ports.ToolResult{
					CallID:     "call-1",
					Content:    "results",
					TokensUsed: 42,
					CostUSD:    0.01,
				},
				At: time.Now().UTC().Truncate(time.Second),
			},
		},
		Budget: ports.BudgetReport{
			Steps:    step,
			MaxSteps: 10,
			Tokens:   120,
			CostUSD:  0.05,
		},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	want := sampleCheckpoint("task-1", 3)
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Latest(ctx, "task-1")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if got.TaskID != want.TaskID || got.Step != want.Step {
		t.Fatalf("checkpoint = %+v", got)
	}
	if len(got.History) != 1 || got.History[0].Result.TokensUsed != 42 {
		t.Fatalf("history lost in round trip: %+v", got.History)
	}
	if got.Budget.Tokens != 120 {
		t.Fatalf("budget lost in round trip: %+v", got.Budget)
	}
}

func TestFileStoreLatestOverwrites(t *testing.T) {
	store, _ := NewFileStore(t.TempDir(), nil)
	ctx := context.Background()

	if err := store.Save(ctx, sampleCheckpoint("task-1", 2)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save(ctx, sampleCheckpoint("task-1", 4)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Latest(ctx, "task-1")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if got.Step != 4 {
		t.Fatalf("step = %d, want 4", got.Step)
	}
}

func TestFileStoreMissing(t *testing.T) {
	store, _ := NewFileStore(t.TempDir(), nil)

	cp, err := store.Latest(context.Background(), "task-absent")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if cp != nil {
		t.Fatalf("checkpoint = %+v, want nil for absent task", cp)
	}
}

func TestFileStoreDelete(t *testing.T) {
	store, _ := NewFileStore(t.TempDir(), nil)
	ctx := context.Background()

	if err := store.Save(ctx, sampleCheckpoint("task-1", 1)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Delete(ctx, "task-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if cp, err := store.Latest(ctx, "task-1"); err != nil || cp != nil {
		t.Fatalf("Latest after delete = %+v, %v, want nil, nil", cp, err)
	}
	// Deleting again is a no-op.
	if err := store.Delete(ctx, "task-1"); err != nil {
		t.Fatalf("second Delete errored: %v", err)
	}
}

func TestFileStoreRejectsPathSeparators(t *testing.T) {
	store, _ := NewFileStore(t.TempDir(), nil)

	cp := sampleCheckpoint("../escape", 1)
	if err := store.Save(context.Background(), cp); err == nil {
		t.Fatal("expected error for task id with path separators")
	}
}
