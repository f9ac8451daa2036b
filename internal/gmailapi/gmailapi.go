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

// Package gmailapi implements the Remote Client: a typed façade over
// the Gmail REST API. Non-batched calls go through a quota-aware
// rate.Limiter gate; the two high-fanout calls (messages.get,
// messages.modify) are driven through internal/batch.
package gmailapi

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/gmailmuch/gmailmuch/internal/batch"
	"github.com/gmailmuch/gmailmuch/internal/message"
	"github.com/gmailmuch/gmailmuch/internal/policy"
	"github.com/gmailmuch/gmailmuch/internal/tagmap"
)

// Scope is the OAuth2 scope required to read and modify Gmail
// messages and labels.
const Scope = gmail.GmailModifyScope

// See https://developers.google.com/gmail/api/v1/reference/quota
const (
	quotaUnitsPerHistoryList  = 2
	quotaUnitsPerMessagesList = 1
	quotaUnitsPerLabelsList   = 1
	quotaUnitsPerLabelCreate  = 5

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	maxBatchSizeContent = 50
	maxBatchSizeModify  = 50
)

// ErrMessageNotFound is wrapped by the error reported for a message id
// the server no longer knows about (HTTP 404 on a batched sub-request).
var ErrMessageNotFound = errors.New("gmail message not found")

// ErrHistoryTooOld is returned by StreamHistory when the server
// rejects the requested start id (HTTP 404) because the change log no
// longer covers it.
var ErrHistoryTooOld = errors.New("gmail history is too old")

// Client is the Remote Client component.
type Client struct {
	service    *gmail.Service
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     *policy.Policy
}

// New builds a Client from an already-authorized *http.Client (the
// AuthProvider collaborator's responsibility to build). The same
// client is reused directly for the two batch endpoints, since
// google.golang.org/api/gmail/v1 exposes no batch-request builder of
// its own (see submit.go).
func New(ctx context.Context, httpClient *http.Client, p *policy.Policy) (*Client, error) {
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, errors.Wrap(err, "creating gmail service")
	}
	return &Client{
		service:    svc,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
		policy:     p,
	}, nil
}

// CreateLabel implements tagmap.LabelCreator and the Remote Client's
// CreateLabel operation.
func (c *Client) CreateLabel(ctx context.Context, name string) (string, error) {
	if err := c.limiter.WaitN(ctx, quotaUnitsPerLabelCreate); err != nil {
		return "", err
	}
	label, err := gmail.NewUsersLabelsService(c.service).Create("me", &gmail.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return "", errors.Wrapf(err, "creating label %q", name)
	}
	return label.Id, nil
}

// ListLabelCatalog fetches every known label and loads the mapper's
// id/name mirrors.
func (c *Client) ListLabelCatalog(ctx context.Context, m *tagmap.Mapper) error {
	if err := c.limiter.WaitN(ctx, quotaUnitsPerLabelsList); err != nil {
		return err
	}
	resp, err := gmail.NewUsersLabelsService(c.service).List("me").Context(ctx).Do()
	if err != nil {
		return errors.Wrap(err, "listing label catalog")
	}
	catalog := make(map[string]string, len(resp.Labels))
	for _, l := range resp.Labels {
		catalog[l.Id] = l.Name
	}
	m.LoadCatalog(catalog)
	return nil
}

// StreamAllIDs lists every message id not excluded by the no-sync
// policy, including spam and trash. handler is called
// once per page with the page's resultSizeEstimate and message ids.
func (c *Client) StreamAllIDs(ctx context.Context, handler func(sizeEstimate int64, ids []message.ID) error) error {
	q := noSyncQuery(c.policy.NoSyncLabels())

	wait := func() error { return c.limiter.WaitN(ctx, quotaUnitsPerMessagesList) }
	if err := wait(); err != nil {
		return err
	}

	req := gmail.NewUsersMessagesService(c.service).List("me").Q(q).IncludeSpamTrash(true).Context(ctx)
	return req.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		ids := make([]message.ID, len(page.Messages))
		for i, m := range page.Messages {
			ids[i] = message.ID(m.Id)
		}
		if err := handler(page.ResultSizeEstimate, ids); err != nil {
			return err
		}
		if page.NextPageToken != "" {
			return wait()
		}
		return nil
	})
}

// noSyncQuery builds the `-in:<label>` exclusion query used to keep
// no-sync-labeled messages out of the full id listing.
func noSyncQuery(labels []string) string {
	terms := make([]string, len(labels))
	for i, l := range labels {
		terms[i] = "-in:" + l
	}
	return strings.Join(terms, " ")
}

// StreamHistory lists history records since startID, invoking handler
// once per record. Returns ErrHistoryTooOld if the server rejects
// startID with 404.
func (c *Client) StreamHistory(ctx context.Context, startID uint64, handler func(*gmail.History) error) error {
	wait := func() error { return c.limiter.WaitN(ctx, quotaUnitsPerHistoryList) }
	if err := wait(); err != nil {
		return err
	}

	req := gmail.NewUsersHistoryService(c.service).List("me").Context(ctx).
		HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved").
		StartHistoryId(startID)

	err := req.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		for _, h := range page.History {
			if err := handler(h); err != nil {
				return err
			}
		}
		if page.NextPageToken != "" {
			return wait()
		}
		return nil
	})
	if isNotFound(err) {
		return ErrHistoryTooOld
	}
	return err
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 404
	}
	return false
}

// FetchContents retrieves every message in ids in the given format
// ("minimal" or "raw") via the adaptive batch transport, invoking
// onResult once per message, in arbitrary order: with the decoded
// message on success, or with a nil message and an error for a
// sub-request the server rejected (HTTP 400/404 or undecodable).
func (c *Client) FetchContents(ctx context.Context, ids []message.ID, format string, onResult func(*message.RawMessage, error)) error {
	work := make(map[string]batch.Request, len(ids))
	for _, id := range ids {
		work[string(id)] = id
	}

	sub := &contentSubmitter{httpClient: c.httpClient, format: format}
	d := batch.NewDriver(maxBatchSizeContent)
	return d.Run(ctx, work, sub, func(id string, payload interface{}, err error) {
		if err != nil {
			onResult(nil, errors.Wrapf(err, "fetching message %q", id))
			return
		}
		msg, ok := payload.(*message.RawMessage)
		if !ok {
			log.Printf("warning: unexpected payload type for message %q", id)
			return
		}
		onResult(msg, nil)
	})
}

// ModifyOp is one message's requested label add/remove set.
type ModifyOp struct {
	Add    []string
	Remove []string
}

// ModifyLabels pushes label changes for every message in ops via the
// Batch Transport.
func (c *Client) ModifyLabels(ctx context.Context, ops map[message.ID]ModifyOp, onResult func(message.ID, error)) error {
	work := make(map[string]batch.Request, len(ops))
	for id, op := range ops {
		work[string(id)] = op
	}

	sub := &modifySubmitter{httpClient: c.httpClient}
	d := batch.NewDriver(maxBatchSizeModify)
	return d.Run(ctx, work, sub, func(id string, payload interface{}, err error) {
		onResult(message.ID(id), err)
	})
}
