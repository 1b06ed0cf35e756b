package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"tether/internal/agent/ports"
	"tether/internal/shared/logging"
)

// BadgerConfig configures the embedded checkpoint database.
type BadgerConfig struct {
	// Path is the database directory; ignored when InMemory is set.
	Path string
	// InMemory keeps everything in RAM, for tests.
	InMemory bool
	// SyncWrites makes every checkpoint durable before Save returns.
	SyncWrites bool
	// Logger receives BadgerDB's own log output; nil silences it.
	Logger logging.Logger
}

// BadgerStore keeps every checkpoint a task ever wrote, keyed by task and
// step, so Latest is a reverse seek and older checkpoints remain for
// inspection.
type BadgerStore struct {
	db *badger.DB
}

// badgerLogger bridges BadgerDB's printf logger onto ours.
type badgerLogger struct {
	logger logging.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Error(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warn(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.logger.Info(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debug(format, args...) }

// OpenBadgerStore opens the database, creating it if needed.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("checkpoint: badger path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil && !logging.IsNil(cfg.Logger) {
		opts = opts.WithLogger(badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Save appends the checkpoint under its step-sequenced key.
func (s *BadgerStore) Save(ctx context.Context, cp *ports.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validTaskID(cp.TaskID); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stepKey(cp.TaskID, cp.Step), data)
	})
}

// Latest returns the highest-step checkpoint for taskID, or nil when the
// task has none.
func (s *BadgerStore) Latest(ctx context.Context, taskID string) (*ports.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validTaskID(taskID); err != nil {
		return nil, err
	}

	prefix := taskPrefix(taskID)
	var cp *ports.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Step keys are zero-padded, so the reverse seek from just past
		// the prefix lands on the newest checkpoint.
		it.Seek(append(append([]byte{}, prefix...), 0xFF))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		return it.Item().Value(func(val []byte) error {
			var decoded ports.Checkpoint
			if err := json.Unmarshal(val, &decoded); err != nil {
				return fmt.Errorf("decode checkpoint for %s: %w", taskID, err)
			}
			cp = &decoded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// Delete removes every checkpoint the task wrote.
func (s *BadgerStore) Delete(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validTaskID(taskID); err != nil {
		return err
	}

	prefix := taskPrefix(taskID)
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func taskPrefix(taskID string) []byte {
	return []byte("ckpt/" + taskID + "/")
}

func stepKey(taskID string, step int) []byte {
	return []byte(fmt.Sprintf("ckpt/%s/%016d", taskID, step))
}

var _ ports.CheckpointStore = (*BadgerStore)(nil)
