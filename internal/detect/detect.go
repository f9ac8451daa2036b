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

// Package detect implements two change detection strategies,
// Incremental and Full, that both produce the same ChangeSet shape so
// the Reconciler can treat them identically.
package detect

import (
	"context"

	"github.com/pkg/errors"
	gmail "google.golang.org/api/gmail/v1"

	"github.com/gmailmuch/gmailmuch/internal/gmailapi"
	"github.com/gmailmuch/gmailmuch/internal/message"
	"github.com/gmailmuch/gmailmuch/internal/policy"
	"github.com/gmailmuch/gmailmuch/internal/tagmap"
)

// ErrHistoryTooOld is gmailapi.ErrHistoryTooOld, re-exported: callers
// fall back to Full on this error.
var ErrHistoryTooOld = gmailapi.ErrHistoryTooOld

// ChangeSet is the unified output of both detection strategies.
type ChangeSet struct {
	LocalUpdated      map[message.ID]message.TagSet
	LocalNew          map[message.ID]message.TagSet
	RemoteUpdated     map[message.ID]message.TagSet
	RemoteNew         map[message.ID]struct{}
	RemoteDeleted     map[message.ID]struct{}
	ObservedHistoryID uint64
}

func newChangeSet() *ChangeSet {
	return &ChangeSet{
		LocalUpdated:  map[message.ID]message.TagSet{},
		LocalNew:      map[message.ID]message.TagSet{},
		RemoteUpdated: map[message.ID]message.TagSet{},
		RemoteNew:     map[message.ID]struct{}{},
		RemoteDeleted: map[message.ID]struct{}{},
	}
}

// RemoteClient is the subset of internal/gmailapi.Client the detector
// needs.
type RemoteClient interface {
	StreamHistory(ctx context.Context, startID uint64, handler func(*gmail.History) error) error
	StreamAllIDs(ctx context.Context, handler func(sizeEstimate int64, ids []message.ID) error) error
	FetchContents(ctx context.Context, ids []message.ID, format string, onResult func(*message.RawMessage, error)) error
}

// LocalChangeSource is the subset of internal/localstore.Store the
// detector needs for the local side, shared identically by both
// strategies.
type LocalChangeSource interface {
	ChangedSince(ctx context.Context, rev int64) (gmail map[message.ID]message.TagSet, local map[string]message.TagSet, err error)
	AllGmailIDs(ctx context.Context) (map[message.ID]message.TagSet, error)
}

// Detector runs both strategies against one remote client/mapper pair.
type Detector struct {
	Remote RemoteClient
	Local  LocalChangeSource
	Mapper *tagmap.Mapper
}

// Incremental folds Gmail's history log into a ChangeSet.
// Returns ErrHistoryTooOld (in place of the transport's 404) when the
// requested startID is no longer covered by Gmail's change log; the
// Reconciler falls back to Full on that error.
func (d *Detector) Incremental(ctx context.Context, startID uint64, lastLocalRevision int64) (*ChangeSet, error) {
	cs := newChangeSet()
	cs.ObservedHistoryID = startID

	err := d.Remote.StreamHistory(ctx, startID, func(h *gmail.History) error {
		if h.Id > cs.ObservedHistoryID {
			cs.ObservedHistoryID = h.Id
		}
		for _, a := range h.MessagesAdded {
			d.foldAdded(cs, message.ID(a.Message.Id))
		}
		for _, del := range h.MessagesDeleted {
			d.foldDeleted(cs, message.ID(del.Message.Id))
		}
		for _, la := range h.LabelsAdded {
			if err := d.foldLabelsChanged(cs, message.ID(la.Message.Id), la.Message.LabelIds); err != nil {
				return err
			}
		}
		for _, lr := range h.LabelsRemoved {
			if err := d.foldLabelsChanged(cs, message.ID(lr.Message.Id), lr.Message.LabelIds); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gmailapi.ErrHistoryTooOld) {
			return nil, ErrHistoryTooOld
		}
		return nil, err
	}

	if err := d.fillLocalSide(ctx, cs, lastLocalRevision); err != nil {
		return nil, err
	}
	return cs, nil
}

func (d *Detector) foldAdded(cs *ChangeSet, id message.ID) {
	delete(cs.RemoteUpdated, id)
	delete(cs.RemoteDeleted, id)
	cs.RemoteNew[id] = struct{}{}
}

func (d *Detector) foldDeleted(cs *ChangeSet, id message.ID) {
	delete(cs.RemoteUpdated, id)
	delete(cs.RemoteNew, id)
	cs.RemoteDeleted[id] = struct{}{}
}

// foldLabelsChanged ignores a label change for an id already in
// RemoteNew or RemoteDeleted; otherwise it overwrites RemoteUpdated[id]
// with the mapper's current tag set, dropping NoSync messages from the
// stream entirely.
func (d *Detector) foldLabelsChanged(cs *ChangeSet, id message.ID, labelIDs []string) error {
	if _, ok := cs.RemoteNew[id]; ok {
		return nil
	}
	if _, ok := cs.RemoteDeleted[id]; ok {
		return nil
	}
	tags, err := d.Mapper.MessageTags(&message.MinimalMessage{ID: id, LabelIDs: labelIDs})
	if err != nil {
		if errors.Is(err, policy.ErrNoSync) {
			return nil
		}
		return err
	}
	cs.RemoteUpdated[id] = tags
	return nil
}

// Full computes a ChangeSet by diffing every remote id against known
// local ids: used when there is no prior history_id, or Incremental
// reports ErrHistoryTooOld.
func (d *Detector) Full(ctx context.Context, lastLocalRevision int64) (*ChangeSet, error) {
	cs := newChangeSet()

	knownLocal, err := d.Local.AllGmailIDs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing known local gmail ids")
	}

	allRemote := map[message.ID]struct{}{}
	err = d.Remote.StreamAllIDs(ctx, func(_ int64, ids []message.ID) error {
		for _, id := range ids {
			allRemote[id] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing all remote ids")
	}

	for id := range allRemote {
		if _, known := knownLocal[id]; !known {
			cs.RemoteNew[id] = struct{}{}
		}
	}
	for id := range knownLocal {
		if _, present := allRemote[id]; !present {
			cs.RemoteDeleted[id] = struct{}{}
		}
	}

	stillPresent := make([]message.ID, 0, len(knownLocal))
	for id := range knownLocal {
		if _, deleted := cs.RemoteDeleted[id]; !deleted {
			stillPresent = append(stillPresent, id)
		}
	}

	var fetchErr error
	err = d.Remote.FetchContents(ctx, stillPresent, "minimal", func(msg *message.RawMessage, ferr error) {
		if ferr != nil {
			fetchErr = ferr
			return
		}
		if msg.HistoryID > cs.ObservedHistoryID {
			cs.ObservedHistoryID = msg.HistoryID
		}
		tags, terr := d.Mapper.MessageTags(&msg.MinimalMessage)
		if terr != nil {
			if errors.Is(terr, policy.ErrNoSync) {
				return
			}
			fetchErr = terr
			return
		}
		if !tags.Equal(knownLocal[msg.ID]) {
			cs.RemoteUpdated[msg.ID] = tags
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "fetching minimal message content")
	}
	if fetchErr != nil {
		return nil, fetchErr
	}

	if err := d.fillLocalSide(ctx, cs, lastLocalRevision); err != nil {
		return nil, err
	}
	return cs, nil
}

// fillLocalSide computes the local side of the ChangeSet; identical
// for both strategies.
func (d *Detector) fillLocalSide(ctx context.Context, cs *ChangeSet, lastLocalRevision int64) error {
	gmailChanged, localChanged, err := d.Local.ChangedSince(ctx, lastLocalRevision)
	if err != nil {
		return errors.Wrap(err, "listing local changes")
	}
	for id, tags := range gmailChanged {
		cs.LocalUpdated[id] = tags
	}
	for path, tags := range localChanged {
		cs.LocalNew[message.ID(path)] = tags
	}
	return nil
}
