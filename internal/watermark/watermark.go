// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package watermark persists the two durable scalars that make a run
// resumable and idempotent: the Gmail history_id high-water mark and
// the local index's own revision counter.
//
// Both scalars live in a SQLite table alongside a signed/unsigned
// ordering trick (history_id is a uint64, SQLite INTEGER is signed
// 64-bit).
package watermark

import (
	"context"
	"database/sql"
	"math"

	"github.com/pkg/errors"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS watermarks (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);`

const (
	keyHistoryID     = "history_id"
	keyLocalRevision = "local_revision"
)

// Store persists the history_id/local_revision watermarks.
type Store struct {
	db *sql.DB
}

// Open prepares the watermarks table on an already-open database
// handle. The Local Store and the Watermark Store deliberately share
// one *sql.DB, so a watermark advance and the index writes it
// summarizes land in the same file and commit in program order.
func Open(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return nil, errors.Wrap(err, "creating watermarks table")
	}
	return &Store{db: db}, nil
}

func orderedToSigned(u uint64) int64 {
	return int64(u - uint64(math.MaxInt64) - 1)
}

func orderedToUnsigned(s int64) uint64 {
	return uint64(s) + uint64(math.MaxInt64) + 1
}

// HistoryID returns the persisted history ID and whether one exists
// yet; absent means no prior sync has completed.
func (s *Store) HistoryID(ctx context.Context) (id uint64, ok bool, err error) {
	return s.get(ctx, keyHistoryID)
}

func (s *Store) get(ctx context.Context, key string) (uint64, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM watermarks WHERE name = ?`, key)
	var signed int64
	if err := row.Scan(&signed); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, errors.Wrapf(err, "reading watermark %q", key)
	}
	return orderedToUnsigned(signed), true, nil
}

// SetHistoryID persists a new high-water mark. It is a no-op (not an
// error) if the new value does not exceed the previous one, enforcing
// invariant 3 ("watermark monotonicity") directly in SQL rather than
// trusting every caller to check first.
func (s *Store) SetHistoryID(ctx context.Context, id uint64) error {
	return s.setMax(ctx, keyHistoryID, id)
}

// LocalRevision returns the last local-store revision counter that
// was successfully synced.
func (s *Store) LocalRevision(ctx context.Context) (rev int64, ok bool, err error) {
	u, ok, err := s.get(ctx, keyLocalRevision)
	return int64(u), ok, err
}

// SetLocalRevision persists the local-store revision counter observed
// at the end of a successful run.
func (s *Store) SetLocalRevision(ctx context.Context, rev int64) error {
	return s.setMax(ctx, keyLocalRevision, uint64(rev))
}

func (s *Store) setMax(ctx context.Context, key string, value uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin watermark tx")
	}
	defer tx.Rollback()
	if err := setMaxTx(ctx, tx, key, value); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit watermark tx")
}

func setMaxTx(ctx context.Context, tx *sql.Tx, key string, value uint64) error {
	signed := orderedToSigned(value)
	_, err := tx.ExecContext(ctx, `
INSERT INTO watermarks (name, value) VALUES (?, ?)
ON CONFLICT (name) DO UPDATE SET value = MAX(watermarks.value, excluded.value)`,
		key, signed)
	if err != nil {
		return errors.Wrapf(err, "writing watermark %q", key)
	}
	return nil
}
