// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	badger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("kodiak.support.checkpoint")

// BadgerStore implements Store on BadgerDB.
//
// # Description
//
//	Keys are cp/<session>/<sequence zero-padded to 20 digits> so Badger's
//	lexicographic iteration order equals sequence order and the latest
//	checkpoint is one reverse seek away.
//
// # Thread Safety
//
//	Safe for concurrent use.
type BadgerStore struct {
	db *badger.DB
}

// badgerLogger adapts slog to Badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadgerStore opens a persistent store at path. The directory is
// created if absent. Caller must Close.
func OpenBadgerStore(path string, logger *slog.Logger) (*BadgerStore, error) {
	if path == "" {
		return nil, errors.New("checkpoint store path must not be empty")
	}
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", path, err)
	}
	opts := badger.DefaultOptions(path).WithSyncWrites(true)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// OpenInMemoryBadgerStore opens an in-memory store for tests.
func OpenInMemoryBadgerStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory checkpoint database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the database. Further calls fail.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func checkpointKey(sessionID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("cp/%s/%020d", sessionID, seq))
}

func sessionPrefix(sessionID string) []byte {
	return []byte(fmt.Sprintf("cp/%s/", sessionID))
}

// Save implements Store.
func (s *BadgerStore) Save(ctx context.Context, cp *Checkpoint) error {
	ctx, span := tracer.Start(ctx, "BadgerStore.Save")
	defer span.End()
	_ = ctx

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(cp.SessionID, cp.Sequence), data)
	})
	if err != nil {
		return fmt.Errorf("persist checkpoint seq %d: %w", cp.Sequence, err)
	}
	return nil
}

// Load implements Store.
func (s *BadgerStore) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	ctx, span := tracer.Start(ctx, "BadgerStore.Load")
	defer span.End()
	_ = ctx

	var cp *Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = sessionPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek key past every real key in the
		// prefix range. 0xff sorts after any digit.
		seek := append(sessionPrefix(sessionID), 0xff)
		it.Seek(seek)
		if !it.ValidForPrefix(sessionPrefix(sessionID)) {
			return ErrCheckpointNotFound
		}
		return it.Item().Value(func(val []byte) error {
			decoded, err := decode(val)
			if err != nil {
				return err
			}
			cp = decoded
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrCheckpointNotFound) || errors.Is(err, ErrCheckpointCorrupt) {
			return nil, err
		}
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	return cp, nil
}

// LoadAt implements Store.
func (s *BadgerStore) LoadAt(ctx context.Context, sessionID string, seq uint64) (*Checkpoint, error) {
	ctx, span := tracer.Start(ctx, "BadgerStore.LoadAt")
	defer span.End()
	_ = ctx

	var cp *Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(sessionID, seq))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrCheckpointNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := decode(val)
			if err != nil {
				return err
			}
			cp = decoded
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrCheckpointNotFound) || errors.Is(err, ErrCheckpointCorrupt) {
			return nil, err
		}
		return nil, fmt.Errorf("load checkpoint seq %d: %w", seq, err)
	}
	return cp, nil
}

// History implements Store.
func (s *BadgerStore) History(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	ctx, span := tracer.Start(ctx, "BadgerStore.History")
	defer span.End()
	_ = ctx

	var out []*Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sessionPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(sessionPrefix(sessionID)); it.ValidForPrefix(sessionPrefix(sessionID)); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				cp, err := decode(val)
				if err != nil {
					return err
				}
				out = append(out, cp)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCheckpointCorrupt) {
			return nil, err
		}
		return nil, fmt.Errorf("load checkpoint history: %w", err)
	}
	return out, nil
}

// decode unmarshals and verifies a stored checkpoint.
func decode(val []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(val, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}
	if err := cp.Verify(); err != nil {
		return nil, err
	}
	return &cp, nil
}
