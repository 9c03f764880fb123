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

package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/united-manufacturing-hub/remediation-core/pkg/backoff"
)

const createTable = `CREATE TABLE IF NOT EXISTS operationshistory (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	closedloopname TEXT NOT NULL,
	requestid TEXT NOT NULL,
	targetentity TEXT,
	actor TEXT NOT NULL,
	operation TEXT NOT NULL,
	target TEXT,
	subrequestid TEXT,
	message TEXT,
	outcome TEXT NOT NULL,
	starttime TIMESTAMP,
	endtime TIMESTAMP
)`

const insertRecord = `INSERT INTO operationshistory
	(closedloopname, requestid, targetentity, actor, operation, target, subrequestid, message, outcome, starttime, endtime)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteStore writes records to the operationshistory table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates) the database at path. Use ":memory:"
// for a throwaway database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", connectionString(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, createTable); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create operationshistory table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func connectionString(path string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path
	}

	params := "?mode=rwc&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"
	if runtime.GOOS == "darwin" {
		params += "&_fullfsync=1"
	}

	return path + params
}

func (s *SQLiteStore) Write(ctx context.Context, batch []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}

	for _, r := range batch {
		_, err = tx.ExecContext(ctx, insertRecord,
			r.ClosedLoopName, r.RequestID, r.TargetEntity, r.Actor, r.Operation, r.Target,
			r.SubRequestID, r.Message, r.Outcome, nullTime(r.Start), nullTime(r.End))
		if err != nil {
			_ = tx.Rollback()

			return classify(fmt.Errorf("failed to insert record: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit records: %w", err))
	}

	return nil
}

// Count returns the number of stored rows for requestID, or all rows when
// requestID is empty.
func (s *SQLiteStore) Count(ctx context.Context, requestID string) (int, error) {
	var (
		n   int
		err error
	)

	if requestID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operationshistory`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operationshistory WHERE requestid = ?`, requestID).Scan(&n)
	}

	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}

	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

// classify marks busy and locked database errors as retryable.
func classify(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return backoff.NewTransientError(err)
	}

	return err
}
