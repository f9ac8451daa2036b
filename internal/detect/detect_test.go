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

package detect

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	gmail "google.golang.org/api/gmail/v1"

	"github.com/gmailmuch/gmailmuch/internal/gmailapi"
	"github.com/gmailmuch/gmailmuch/internal/message"
	"github.com/gmailmuch/gmailmuch/internal/policy"
	"github.com/gmailmuch/gmailmuch/internal/tagmap"
)

type fakeRemote struct {
	historyErr    error
	history       []*gmail.History
	allIDs        []message.ID
	minimalByID   map[message.ID]*message.RawMessage
	fetchContentsErr error
}

func (f *fakeRemote) StreamHistory(ctx context.Context, startID uint64, handler func(*gmail.History) error) error {
	if f.historyErr != nil {
		return f.historyErr
	}
	for _, h := range f.history {
		if err := handler(h); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeRemote) StreamAllIDs(ctx context.Context, handler func(int64, []message.ID) error) error {
	return handler(int64(len(f.allIDs)), f.allIDs)
}

func (f *fakeRemote) FetchContents(ctx context.Context, ids []message.ID, format string, onResult func(*message.RawMessage, error)) error {
	if f.fetchContentsErr != nil {
		return f.fetchContentsErr
	}
	for _, id := range ids {
		onResult(f.minimalByID[id], nil)
	}
	return nil
}

type fakeLocal struct {
	gmailChanged map[message.ID]message.TagSet
	localChanged map[string]message.TagSet
	allGmailIDs  map[message.ID]message.TagSet
}

func (f *fakeLocal) ChangedSince(ctx context.Context, rev int64) (map[message.ID]message.TagSet, map[string]message.TagSet, error) {
	return f.gmailChanged, f.localChanged, nil
}

func (f *fakeLocal) AllGmailIDs(ctx context.Context) (map[message.ID]message.TagSet, error) {
	return f.allGmailIDs, nil
}

func newMapper() *tagmap.Mapper {
	p := policy.New([]string{"CHATS"}, nil, nil)
	return tagmap.New(p, nil, nil)
}

func TestIncrementalFoldsAddedThenLabelChange(t *testing.T) {
	m := newMapper()
	remote := &fakeRemote{history: []*gmail.History{
		{Id: 10, MessagesAdded: []*gmail.HistoryMessageAdded{
			{Message: &gmail.Message{Id: "a"}},
		}},
		{Id: 11, LabelsAdded: []*gmail.HistoryLabelAdded{
			{Message: &gmail.Message{Id: "a", LabelIds: []string{"INBOX"}}},
		}},
	}}
	local := &fakeLocal{gmailChanged: map[message.ID]message.TagSet{}, localChanged: map[string]message.TagSet{}}
	d := &Detector{Remote: remote, Local: local, Mapper: m}

	cs, err := d.Incremental(context.Background(), 5, 0)
	if err != nil {
		t.Fatalf("Incremental: %v", err)
	}
	if _, ok := cs.RemoteNew["a"]; !ok {
		t.Errorf("expected 'a' to remain in remote_new, got %+v", cs.RemoteNew)
	}
	if _, ok := cs.RemoteUpdated["a"]; ok {
		t.Errorf("a label change after messageAdded must not also populate remote_updated: %+v", cs.RemoteUpdated)
	}
	if cs.ObservedHistoryID != 11 {
		t.Errorf("ObservedHistoryID = %d, want 11", cs.ObservedHistoryID)
	}
}

func TestIncrementalDropsNoSyncLabelChange(t *testing.T) {
	m := newMapper()
	remote := &fakeRemote{history: []*gmail.History{
		{Id: 1, LabelsAdded: []*gmail.HistoryLabelAdded{
			{Message: &gmail.Message{Id: "a", LabelIds: []string{"CHATS"}}},
		}},
	}}
	local := &fakeLocal{gmailChanged: map[message.ID]message.TagSet{}, localChanged: map[string]message.TagSet{}}
	d := &Detector{Remote: remote, Local: local, Mapper: m}

	cs, err := d.Incremental(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("Incremental: %v", err)
	}
	if len(cs.RemoteUpdated) != 0 {
		t.Errorf("no-sync message leaked into remote_updated: %+v", cs.RemoteUpdated)
	}
}

func TestIncrementalHistoryTooOldFallsBack(t *testing.T) {
	m := newMapper()
	remote := &fakeRemote{historyErr: gmailapi.ErrHistoryTooOld}
	local := &fakeLocal{}
	d := &Detector{Remote: remote, Local: local, Mapper: m}

	_, err := d.Incremental(context.Background(), 1, 0)
	if err != ErrHistoryTooOld {
		t.Fatalf("err = %v, want ErrHistoryTooOld", err)
	}
}

func TestFullComputesNewUpdatedAndDeleted(t *testing.T) {
	m := newMapper()
	remote := &fakeRemote{
		allIDs: []message.ID{"keep", "new-one"},
		minimalByID: map[message.ID]*message.RawMessage{
			"keep": {MinimalMessage: message.MinimalMessage{ID: "keep", HistoryID: 42, LabelIDs: []string{"STARRED"}}},
		},
	}
	local := &fakeLocal{
		gmailChanged: map[message.ID]message.TagSet{},
		localChanged: map[string]message.TagSet{},
		allGmailIDs: map[message.ID]message.TagSet{
			"keep": message.NewTagSet("inbox"),
			"gone": message.NewTagSet("inbox"),
		},
	}
	d := &Detector{Remote: remote, Local: local, Mapper: m}

	cs, err := d.Full(context.Background(), 0)
	if err != nil {
		t.Fatalf("Full: %v", err)
	}
	if _, ok := cs.RemoteNew["new-one"]; !ok {
		t.Errorf("expected new-one in remote_new: %+v", cs.RemoteNew)
	}
	if _, ok := cs.RemoteDeleted["gone"]; !ok {
		t.Errorf("expected gone in remote_deleted: %+v", cs.RemoteDeleted)
	}
	want := message.NewTagSet("starred")
	if diff := cmp.Diff(want, cs.RemoteUpdated["keep"]); diff != "" {
		t.Errorf("remote_updated[keep] mismatch (-want +got):\n%s", diff)
	}
	if cs.ObservedHistoryID != 42 {
		t.Errorf("ObservedHistoryID = %d, want 42", cs.ObservedHistoryID)
	}
}
