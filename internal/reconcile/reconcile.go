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

// Package reconcile implements the Reconciler: the top-level,
// seven-step orchestration of one synchronization run.
package reconcile

import (
	"context"
	"log"

	"github.com/pkg/errors"

	"github.com/gmailmuch/gmailmuch/internal/detect"
	"github.com/gmailmuch/gmailmuch/internal/gmailapi"
	"github.com/gmailmuch/gmailmuch/internal/message"
	"github.com/gmailmuch/gmailmuch/internal/tagmap"
)

// RemoteClient is the subset of internal/gmailapi.Client the
// reconciler needs beyond what it hands to the detector.
type RemoteClient interface {
	detect.RemoteClient
	ListLabelCatalog(ctx context.Context, m *tagmap.Mapper) error
	ModifyLabels(ctx context.Context, ops map[message.ID]gmailapi.ModifyOp, onResult func(message.ID, error)) error
}

// LocalStore is the subset of internal/localstore.Store the
// reconciler needs beyond what it hands to the detector.
type LocalStore interface {
	detect.LocalChangeSource
	Store(ctx context.Context, id message.ID, raw []byte, internalDateMS int64) (string, error)
	Index(ctx context.Context, messages map[string]message.TagSet) error
	ApplyTags(ctx context.Context, updates map[message.ID]message.TagSet) (missing []message.ID, err error)
	Delete(ctx context.Context, ids []message.ID) error
	CurrentRevision(ctx context.Context) (int64, error)
}

// WatermarkStore is the subset of internal/watermark.Store the
// reconciler needs.
type WatermarkStore interface {
	HistoryID(ctx context.Context) (uint64, bool, error)
	SetHistoryID(ctx context.Context, id uint64) error
	LocalRevision(ctx context.Context) (int64, bool, error)
	SetLocalRevision(ctx context.Context, rev int64) error
}

// Config is the subset of internal/config.Config the fetch and merge
// steps consult.
type Config struct {
	PushLocalTags  bool
	LocalWins      bool
	IndexBatchSize int
}

// Reconciler runs one synchronization pass end to end.
type Reconciler struct {
	Remote    RemoteClient
	Local     LocalStore
	Watermark WatermarkStore
	Detector  *detect.Detector
	Mapper    *tagmap.Mapper
	Config    Config
}

// Run executes the seven steps of a synchronization pass: the
// AuthProvider step happens before Run is called, so by the time a
// Reconciler exists, Remote is already backed by an authorized
// *http.Client.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.Remote.ListLabelCatalog(ctx, r.Mapper); err != nil {
		return errors.Wrap(err, "refreshing label catalog")
	}

	cs, err := r.detectChanges(ctx)
	if err != nil {
		return errors.Wrap(err, "detecting changes")
	}

	if err := r.fetchAndIndex(ctx, cs); err != nil {
		return errors.Wrap(err, "fetching new remote messages")
	}

	if err := r.mergeTagChanges(ctx, cs); err != nil {
		return errors.Wrap(err, "merging tag changes")
	}

	if len(cs.RemoteDeleted) > 0 {
		ids := make([]message.ID, 0, len(cs.RemoteDeleted))
		for id := range cs.RemoteDeleted {
			ids = append(ids, id)
		}
		if err := r.Local.Delete(ctx, ids); err != nil {
			return errors.Wrap(err, "deleting locally-absent-remotely messages")
		}
	}

	return r.advanceWatermarks(ctx, cs)
}

// detectChanges implements step 3: try incremental, fall back to full
// on a missing history_id or detect.ErrHistoryTooOld.
func (r *Reconciler) detectChanges(ctx context.Context) (*detect.ChangeSet, error) {
	historyID, ok, err := r.Watermark.HistoryID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading history_id watermark")
	}
	localRev, _, err := r.Watermark.LocalRevision(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading local_revision watermark")
	}

	if !ok {
		log.Print("no prior history_id watermark, running a full scan")
		return r.Detector.Full(ctx, localRev)
	}

	cs, err := r.Detector.Incremental(ctx, historyID, localRev)
	if err == nil {
		return cs, nil
	}
	if errors.Is(err, detect.ErrHistoryTooOld) {
		log.Print("history_id watermark too old, falling back to a full scan")
		return r.Detector.Full(ctx, localRev)
	}
	return nil, err
}

// fetchAndIndex implements step 4: stream remote_new through the
// Remote Client in raw format, storing each to maildir and flushing
// accumulated path→tagset batches to the Local Store every
// IndexBatchSize messages (plus a final partial flush).
func (r *Reconciler) fetchAndIndex(ctx context.Context, cs *detect.ChangeSet) error {
	if len(cs.RemoteNew) == 0 {
		return nil
	}

	ids := make([]message.ID, 0, len(cs.RemoteNew))
	for id := range cs.RemoteNew {
		ids = append(ids, id)
	}

	chunkSize := r.Config.IndexBatchSize
	if chunkSize <= 0 {
		chunkSize = 1000
	}

	pending := make(map[string]message.TagSet, chunkSize)
	var fetchErr error

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := r.Local.Index(ctx, pending); err != nil {
			return err
		}
		pending = make(map[string]message.TagSet, chunkSize)
		return nil
	}

	err := r.Remote.FetchContents(ctx, ids, "raw", func(msg *message.RawMessage, ferr error) {
		if fetchErr != nil {
			return
		}
		if ferr != nil {
			if errors.Is(ferr, gmailapi.ErrMessageNotFound) {
				log.Printf("warning: remote message %v disappeared before fetch, skipping", ferr)
				return
			}
			fetchErr = ferr
			return
		}
		if msg.HistoryID > cs.ObservedHistoryID {
			cs.ObservedHistoryID = msg.HistoryID
		}
		tags, terr := r.Mapper.MessageTags(&msg.MinimalMessage)
		if terr != nil {
			// NoSync here means the message's labels changed between
			// detection and fetch; drop it silently.
			return
		}
		path, serr := r.Local.Store(ctx, msg.ID, msg.RawBytes, msg.InternalDateMS)
		if serr != nil {
			fetchErr = serr
			return
		}
		pending[path] = tags
		if len(pending) >= chunkSize {
			if err := flush(); err != nil {
				fetchErr = err
			}
		}
	})
	if err != nil {
		return err
	}
	if fetchErr != nil {
		return fetchErr
	}
	return flush()
}

// mergeTagChanges implements step 5, including the ordering rule:
// fetch current remote labels before diffing and pushing, so the
// pusher never clobbers a remote change it did not consider.
func (r *Reconciler) mergeTagChanges(ctx context.Context, cs *detect.ChangeSet) error {
	conflicts := make(map[message.ID]struct{})
	for id := range cs.LocalUpdated {
		if _, ok := cs.RemoteUpdated[id]; ok {
			conflicts[id] = struct{}{}
		}
	}

	localWinsOnConflict := r.Config.PushLocalTags && r.Config.LocalWins
	for id := range conflicts {
		if localWinsOnConflict {
			delete(cs.RemoteUpdated, id)
		} else {
			delete(cs.LocalUpdated, id)
		}
	}

	if r.Config.PushLocalTags && len(cs.LocalUpdated) > 0 {
		if err := r.pushLocalTags(ctx, cs.LocalUpdated); err != nil {
			return errors.Wrap(err, "pushing local tag changes")
		}
	}

	if len(cs.RemoteUpdated) > 0 {
		missing, err := r.Local.ApplyTags(ctx, cs.RemoteUpdated)
		if err != nil {
			return errors.Wrap(err, "applying remote tag changes locally")
		}
		for _, id := range missing {
			log.Printf("warning: remote tag update for unknown local message %q, skipped", id)
		}
	}
	return nil
}

// pushLocalTags pushes local tag changes to Gmail: for each
// locally-changed message, fetch its current remote tag set, diff,
// translate, and push.
func (r *Reconciler) pushLocalTags(ctx context.Context, localUpdated map[message.ID]message.TagSet) error {
	ids := make([]message.ID, 0, len(localUpdated))
	for id := range localUpdated {
		ids = append(ids, id)
	}

	currentRemote := make(map[message.ID]message.TagSet, len(ids))
	var fetchErr error
	err := r.Remote.FetchContents(ctx, ids, "minimal", func(msg *message.RawMessage, ferr error) {
		if ferr != nil {
			if errors.Is(ferr, gmailapi.ErrMessageNotFound) {
				return
			}
			fetchErr = ferr
			return
		}
		tags, terr := r.Mapper.MessageTags(&msg.MinimalMessage)
		if terr != nil {
			return
		}
		currentRemote[msg.ID] = tags
	})
	if err != nil {
		return err
	}
	if fetchErr != nil {
		return fetchErr
	}

	ops := make(map[message.ID]gmailapi.ModifyOp, len(localUpdated))
	for id, local := range localUpdated {
		remote, ok := currentRemote[id]
		if !ok {
			continue // disappeared server-side between fetch and here
		}
		add := local.Sub(remote)
		remove := remote.Sub(local)
		if len(add) == 0 && len(remove) == 0 {
			continue
		}
		op := gmailapi.ModifyOp{}
		for _, tag := range add.Slice() {
			labelID, lerr := r.Mapper.TagToLabel(ctx, tag)
			if lerr != nil {
				return errors.Wrapf(lerr, "translating tag %q to a label", tag)
			}
			op.Add = append(op.Add, labelID)
		}
		for _, tag := range remove.Slice() {
			labelID, lerr := r.Mapper.TagToLabel(ctx, tag)
			if lerr != nil {
				return errors.Wrapf(lerr, "translating tag %q to a label", tag)
			}
			op.Remove = append(op.Remove, labelID)
		}
		ops[id] = op
	}
	if len(ops) == 0 {
		return nil
	}

	var modifyErr error
	err = r.Remote.ModifyLabels(ctx, ops, func(id message.ID, merr error) {
		if merr != nil && modifyErr == nil {
			modifyErr = merr
		}
	})
	if err != nil {
		return err
	}
	return modifyErr
}

// advanceWatermarks implements step 7. It always advances based on
// the maximum historyId actually observed across detection and fetch,
// never past what this run actually processed.
func (r *Reconciler) advanceWatermarks(ctx context.Context, cs *detect.ChangeSet) error {
	if cs.ObservedHistoryID > 0 {
		if err := r.Watermark.SetHistoryID(ctx, cs.ObservedHistoryID); err != nil {
			return errors.Wrap(err, "advancing history_id watermark")
		}
	}
	rev, err := r.Local.CurrentRevision(ctx)
	if err != nil {
		return errors.Wrap(err, "reading current local revision")
	}
	if err := r.Watermark.SetLocalRevision(ctx, rev); err != nil {
		return errors.Wrap(err, "advancing local_revision watermark")
	}
	return nil
}
