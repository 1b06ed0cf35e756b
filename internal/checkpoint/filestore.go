// Package checkpoint persists loop state at step boundaries so an
// interrupted task can resume with its history and spent budget intact.
// Two backends: JSON files for single-user CLI runs, BadgerDB for the
// server where many tasks checkpoint concurrently.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tether/internal/agent/ports"
	"tether/internal/shared/logging"
)

// FileStore keeps the latest checkpoint per task as an indented JSON file.
type FileStore struct {
	baseDir string
	logger  logging.Logger
}

// NewFileStore creates the base directory if needed. A leading ~/ expands
// to the user's home directory.
func NewFileStore(baseDir string, logger logging.Logger) (*FileStore, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		baseDir = filepath.Join(home, baseDir[2:])
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &FileStore{baseDir: baseDir, logger: logging.OrNop(logger)}, nil
}

// Save overwrites the task's checkpoint file.
func (s *FileStore) Save(_ context.Context, cp *ports.Checkpoint) error {
	if err := validTaskID(cp.TaskID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	path := s.path(cp.TaskID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	s.logger.Debug("Checkpoint saved: %s step %d", cp.TaskID, cp.Step)
	return nil
}

// Latest loads the task's checkpoint, or nil when the task has none.
func (s *FileStore) Latest(_ context.Context, taskID string) (*ports.Checkpoint, error) {
	if err := validTaskID(taskID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp ports.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint for %s: %w", taskID, err)
	}
	return &cp, nil
}

// Delete removes the task's checkpoint. Deleting an absent checkpoint is
// a no-op.
func (s *FileStore) Delete(_ context.Context, taskID string) error {
	if err := validTaskID(taskID); err != nil {
		return err
	}
	if err := os.Remove(s.path(taskID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func (s *FileStore) path(taskID string) string {
	return filepath.Join(s.baseDir, taskID+".json")
}

func validTaskID(taskID string) error {
	if taskID == "" {
		return fmt.Errorf("checkpoint: empty task id")
	}
	if strings.ContainsAny(taskID, `/\`) {
		return fmt.Errorf("checkpoint: task id %q contains path separators", taskID)
	}
	return nil
}

var _ ports.CheckpointStore = (*FileStore)(nil)
