// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package snapshot persists remediation snapshots in an embedded badger
// database so a restarted runtime can resume them.
package snapshot

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/united-manufacturing-hub/remediation-core/pkg/eventmanager"
	"github.com/united-manufacturing-hub/remediation-core/pkg/logger"
	"github.com/united-manufacturing-hub/remediation-core/pkg/safejson"
	"go.uber.org/zap"
)

const keyPrefix = "remediation/"

var ErrNotFound = errors.New("snapshot not found")

// Config selects where snapshots live. An empty Path with InMemory unset is
// rejected.
type Config struct {
	Path       string
	InMemory   bool
	SyncWrites bool
}

// Store keeps one snapshot per request id.
type Store struct {
	db     *badger.DB
	logger *zap.SugaredLogger
}

// Open opens or creates the snapshot database.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent snapshot store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create snapshot directory %s: %w", cfg.Path, err)
		}

		opts = badger.DefaultOptions(cfg.Path)
	}

	log := logger.For(logger.ComponentSnapshotStore)

	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}

	return &Store{db: db, logger: log}, nil
}

func key(requestID string) []byte {
	return []byte(keyPrefix + requestID)
}

// Save stores snap, replacing an older snapshot of the same request.
func (s *Store) Save(snap *eventmanager.Snapshot) error {
	data, err := safejson.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.RequestID, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(snap.RequestID), data)
	})
}

// Load returns the snapshot of requestID.
func (s *Store) Load(requestID string) (*eventmanager.Snapshot, error) {
	var snap eventmanager.Snapshot

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(requestID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}

		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			return safejson.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", requestID, err)
	}

	return &snap, nil
}

// Delete removes the snapshot of requestID. Deleting a missing snapshot is
// not an error.
func (s *Store) Delete(requestID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(requestID))
	})
}

// List returns every stored snapshot. Entries that cannot be decoded are
// logged and skipped.
func (s *Store) List() ([]*eventmanager.Snapshot, error) {
	var out []*eventmanager.Snapshot

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()

			var snap eventmanager.Snapshot
			if err := item.Value(func(val []byte) error {
				return safejson.Unmarshal(val, &snap)
			}); err != nil {
				s.logger.Warnw("skipping unreadable snapshot", "key", string(item.Key()), "error", err)

				continue
			}

			out = append(out, &snap)
		}

		return nil
	})

	return out, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's own logging into zap. Info and debug output
// is demoted to debug.
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.log.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.log.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.log.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.log.Debugf(format, args...) }
