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

// Package localstore implements the Local Store: a Maildir-style
// on-disk layout coupled with a SQLite tag index, since no Go binding
// for libnotmuch is available.
package localstore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pkg/errors"

	"github.com/gmailmuch/gmailmuch/internal/message"
	"github.com/gmailmuch/gmailmuch/internal/policy"
)

const (
	dirFileMode     = 0700
	messageFileMode = 0600
)

// gmailMessageRE accepts the full standard Maildir flag alphabet on
// read; Store always writes the empty-flags form.
var gmailMessageRE = regexp.MustCompile(`^gmail\.([0-9a-f]+):2,[PRSTDF]*$`)

var createTableSQL = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		path     TEXT PRIMARY KEY,
		gmail_id TEXT,
		rev      INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS messages_gmail_id ON messages(gmail_id);`,
	`CREATE TABLE IF NOT EXISTS message_tags (
		path TEXT NOT NULL,
		tag  TEXT NOT NULL,
		PRIMARY KEY (path, tag)
	);`,
	`CREATE TABLE IF NOT EXISTS revision_counter (
		id   INTEGER PRIMARY KEY CHECK (id = 0),
		next INTEGER NOT NULL
	);`,
	`INSERT OR IGNORE INTO revision_counter (id, next) VALUES (0, 1);`,
}

// Store is the Local Store component.
type Store struct {
	db     *sql.DB
	policy *policy.Policy

	gmailDir string
	tmpDir   string
	newDir   string
	curDir   string
}

// Open prepares the on-disk maildir tree under notmuchDBDir/gmail and
// the tag-index tables on db (shared with internal/watermark, so both
// live in one database file; each commits in its own transaction).
func Open(ctx context.Context, db *sql.DB, notmuchDBDir string, p *policy.Policy) (*Store, error) {
	gmailDir := filepath.Join(notmuchDBDir, "gmail")
	s := &Store{
		db:       db,
		policy:   p,
		gmailDir: gmailDir,
		tmpDir:   filepath.Join(gmailDir, "tmp"),
		newDir:   filepath.Join(gmailDir, "new"),
		curDir:   filepath.Join(gmailDir, "cur"),
	}
	for _, sql := range createTableSQL {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return nil, errors.Wrapf(err, "initializing local store schema: %q", sql)
		}
	}
	return s, nil
}

func mkdir(dir string) error {
	if err := os.MkdirAll(dir, dirFileMode); err != nil {
		return errors.Wrapf(err, "creating directory %q", dir)
	}
	return nil
}

// Store writes a newly-fetched message to disk via the maildir
// tmp/→new/ rename dance and sets its mtime/atime to the message's
// internal timestamp. It returns the final path.
func (s *Store) Store(ctx context.Context, id message.ID, raw []byte, internalDateMS int64) (string, error) {
	filename := "gmail." + string(id) + ":2,"

	if err := mkdir(s.tmpDir); err != nil {
		return "", err
	}
	if err := mkdir(s.curDir); err != nil {
		return "", err
	}
	if err := mkdir(s.newDir); err != nil {
		return "", err
	}

	tmpPath := filepath.Join(s.tmpDir, filename)
	if err := os.WriteFile(tmpPath, raw, messageFileMode); err != nil {
		return "", errors.Wrapf(err, "writing temp message file %q", tmpPath)
	}

	newPath := filepath.Join(s.newDir, filename)
	if err := os.Rename(tmpPath, newPath); err != nil {
		return "", errors.Wrapf(err, "renaming %q to %q", tmpPath, newPath)
	}

	if internalDateMS > 0 {
		t := time.UnixMilli(internalDateMS)
		// Best-effort; a failed Chtimes doesn't invalidate the store.
		_ = os.Chtimes(newPath, t, t)
	}

	return newPath, nil
}

// ParseGmailFilename reports the gmail id encoded in a maildir
// filename, if it matches the gmail.<hex>:2,<flags> pattern.
func ParseGmailFilename(name string) (message.ID, bool) {
	m := gmailMessageRE.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return message.ID(m[1]), true
}

func (s *Store) pathForID(id message.ID) string {
	return filepath.Join(s.newDir, "gmail."+string(id)+":2,")
}

func (s *Store) nextRevision(ctx context.Context, tx *sql.Tx) (int64, error) {
	row := tx.QueryRowContext(ctx, `SELECT next FROM revision_counter WHERE id = 0`)
	var next int64
	if err := row.Scan(&next); err != nil {
		return 0, errors.Wrap(err, "reading revision counter")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE revision_counter SET next = ? WHERE id = 0`, next+1); err != nil {
		return 0, errors.Wrap(err, "advancing revision counter")
	}
	return next, nil
}

// Index adds newly-stored messages to the tag index in a single
// transaction, so that no intermediate (partial) tag set is ever
// visible to a concurrent reader.
func (s *Store) Index(ctx context.Context, messages map[string]message.TagSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin index tx")
	}
	defer tx.Rollback()

	for path, tags := range messages {
		rev, err := s.nextRevision(ctx, tx)
		if err != nil {
			return err
		}
		gmailID, isGmail := ParseGmailFilename(filepath.Base(path))
		var gmailIDVal interface{}
		if isGmail {
			gmailIDVal = string(gmailID)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (path, gmail_id, rev) VALUES (?, ?, ?)
ON CONFLICT (path) DO UPDATE SET gmail_id = excluded.gmail_id, rev = excluded.rev`,
			path, gmailIDVal, rev); err != nil {
			return errors.Wrapf(err, "indexing %q", path)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM message_tags WHERE path = ?`, path); err != nil {
			return errors.Wrapf(err, "clearing tags for %q", path)
		}
		for tag := range tags {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO message_tags (path, tag) VALUES (?, ?)`, path, tag); err != nil {
				return errors.Wrapf(err, "tagging %q with %q", path, tag)
			}
		}
	}

	return errors.Wrap(tx.Commit(), "commit index tx")
}

// ApplyTags replaces the tag set of each named message, atomically per
// message. If a message is missing from the index, its id is returned
// in missing so the caller can log a warning and continue.
func (s *Store) ApplyTags(ctx context.Context, updates map[message.ID]message.TagSet) (missing []message.ID, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin apply-tags tx")
	}
	defer tx.Rollback()

	for id, tags := range updates {
		path := s.pathForID(id)
		rev, err := s.nextRevision(ctx, tx)
		if err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx, `UPDATE messages SET rev = ? WHERE path = ?`, rev, path)
		if err != nil {
			return nil, errors.Wrapf(err, "updating revision for %q", path)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "rows affected")
		}
		if n == 0 {
			missing = append(missing, id)
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM message_tags WHERE path = ?`, path); err != nil {
			return nil, errors.Wrapf(err, "clearing tags for %q", path)
		}
		for tag := range tags {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO message_tags (path, tag) VALUES (?, ?)`, path, tag); err != nil {
				return nil, errors.Wrapf(err, "tagging %q with %q", path, tag)
			}
		}
	}

	return missing, errors.Wrap(tx.Commit(), "commit apply-tags tx")
}

// Delete removes messages from the index (ignoring "not found") and
// then unlinks their maildir files, if still present. Safe to call
// more than once for the same id.
func (s *Store) Delete(ctx context.Context, ids []message.ID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete tx")
	}
	defer tx.Rollback()

	for _, id := range ids {
		path := s.pathForID(id)
		if _, err := tx.ExecContext(ctx, `DELETE FROM message_tags WHERE path = ?`, path); err != nil {
			return errors.Wrapf(err, "deleting tags for %q", path)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE path = ?`, path); err != nil {
			return errors.Wrapf(err, "deleting index entry for %q", path)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "unlinking %q", path)
		}
	}

	return errors.Wrap(tx.Commit(), "commit delete tx")
}

// ChangedSince returns the messages modified since rev, split into
// Gmail-owned entries (keyed by id) and purely-local entries (keyed
// by path). Every returned tag set has had the locally-ignored tags
// subtracted.
func (s *Store) ChangedSince(ctx context.Context, rev int64) (gmail map[message.ID]message.TagSet, local map[string]message.TagSet, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, gmail_id FROM messages WHERE rev > ?`, rev)
	if err != nil {
		return nil, nil, errors.Wrap(err, "querying changed messages")
	}
	defer rows.Close()

	gmail = make(map[message.ID]message.TagSet)
	local = make(map[string]message.TagSet)

	type entry struct {
		path    string
		gmailID sql.NullString
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.path, &e.gmailID); err != nil {
			return nil, nil, errors.Wrap(err, "scanning changed messages")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "iterating changed messages")
	}

	for _, e := range entries {
		tags, err := s.tagsForPath(ctx, e.path)
		if err != nil {
			return nil, nil, err
		}
		tags = s.policy.FilterLocalTags(tags)
		if e.gmailID.Valid {
			gmail[message.ID(e.gmailID.String)] = tags
		} else {
			local[e.path] = tags
		}
	}
	return gmail, local, nil
}

// AllGmailIDs returns every Gmail-owned message currently indexed,
// with locally-ignored tags filtered out.
func (s *Store) AllGmailIDs(ctx context.Context) (map[message.ID]message.TagSet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, gmail_id FROM messages WHERE gmail_id IS NOT NULL`)
	if err != nil {
		return nil, errors.Wrap(err, "querying gmail messages")
	}
	defer rows.Close()

	type entry struct {
		path, gmailID string
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.path, &e.gmailID); err != nil {
			return nil, errors.Wrap(err, "scanning gmail messages")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating gmail messages")
	}

	out := make(map[message.ID]message.TagSet, len(entries))
	for _, e := range entries {
		tags, err := s.tagsForPath(ctx, e.path)
		if err != nil {
			return nil, err
		}
		out[message.ID(e.gmailID)] = s.policy.FilterLocalTags(tags)
	}
	return out, nil
}

func (s *Store) tagsForPath(ctx context.Context, path string) (message.TagSet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM message_tags WHERE path = ?`, path)
	if err != nil {
		return nil, errors.Wrapf(err, "querying tags for %q", path)
	}
	defer rows.Close()
	tags := make(message.TagSet)
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, errors.Wrap(err, "scanning tag")
		}
		tags[tag] = struct{}{}
	}
	return tags, rows.Err()
}

// CurrentRevision reports the revision counter's current value, for
// the Reconciler to persist as the new local_revision watermark.
func (s *Store) CurrentRevision(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT next FROM revision_counter WHERE id = 0`)
	var next int64
	if err := row.Scan(&next); err != nil {
		return 0, errors.Wrap(err, "reading revision counter")
	}
	return next - 1, nil
}
