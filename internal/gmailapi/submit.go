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

package gmailapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	gmail "google.golang.org/api/gmail/v1"

	"github.com/gmailmuch/gmailmuch/internal/batch"
	"github.com/gmailmuch/gmailmuch/internal/message"
)

// httpPoster is the subset of *http.Client the batch submitters need;
// narrowed for testability.
type httpPoster interface {
	Do(req *http.Request) (*http.Response, error)
}

// batchEndpoint is the Gmail batch HTTP endpoint. The
// google.golang.org/api client used elsewhere in this package exposes
// no batch-request builder of its own, so the multipart/mixed envelope
// is assembled by hand here with the standard library's
// mime/multipart.
const batchEndpoint = "https://www.googleapis.com/batch/gmail/v1"

// contentSubmitter is a batch.Submitter that fetches message content
// (minimal or raw format) via the Gmail batch endpoint.
type contentSubmitter struct {
	httpClient httpPoster
	format     string
}

func (s *contentSubmitter) Submit(ctx context.Context, reqs map[string]batch.Request) batch.BatchOutcome {
	fields := "id,historyId,labelIds,sizeEstimate,internalDate"
	if s.format == "raw" {
		fields += ",raw"
	}

	parts := make(map[string]string, len(reqs))
	for id := range reqs {
		gmailID := string(reqs[id].(message.ID))
		path := fmt.Sprintf("/gmail/v1/users/me/messages/%s?format=%s&fields=%s",
			gmailID, s.format, fields)
		parts[id] = buildGetSubrequest(path)
	}

	return doBatch(ctx, s.httpClient, parts, func(id string, status int, body []byte) batch.ItemResult {
		if status < 200 || status >= 300 {
			return badOrFatalItem(status, body)
		}
		var raw gmail.Message
		if err := json.Unmarshal(body, &raw); err != nil {
			return batch.ItemResult{Outcome: batch.OutcomeBadMessage, Err: err}
		}
		msg, err := decodeMessage(&raw, s.format)
		if err != nil {
			return batch.ItemResult{Outcome: batch.OutcomeBadMessage, Err: err}
		}
		return batch.ItemResult{Outcome: batch.OutcomeOK, Payload: msg}
	})
}

func decodeMessage(raw *gmail.Message, format string) (*message.RawMessage, error) {
	msg := &message.RawMessage{
		MinimalMessage: message.MinimalMessage{
			ID:           message.ID(raw.Id),
			HistoryID:    raw.HistoryId,
			LabelIDs:     raw.LabelIds,
			SizeEstimate: raw.SizeEstimate,
		},
		InternalDateMS: raw.InternalDate,
	}
	if format == "raw" {
		decoded, err := base64.URLEncoding.DecodeString(raw.Raw)
		if err != nil {
			return nil, err
		}
		msg.RawBytes = decoded
	}
	return msg, nil
}

// modifySubmitter is a batch.Submitter that pushes label add/remove
// sets via the Gmail batch endpoint.
type modifySubmitter struct {
	httpClient httpPoster
}

func (s *modifySubmitter) Submit(ctx context.Context, reqs map[string]batch.Request) batch.BatchOutcome {
	parts := make(map[string]string, len(reqs))
	for id, r := range reqs {
		op := r.(ModifyOp)
		body, _ := json.Marshal(&gmail.ModifyMessageRequest{
			AddLabelIds:    op.Add,
			RemoveLabelIds: op.Remove,
		})
		path := fmt.Sprintf("/gmail/v1/users/me/messages/%s/modify", id)
		parts[id] = buildPostSubrequest(path, body)
	}

	return doBatch(ctx, s.httpClient, parts, func(id string, status int, body []byte) batch.ItemResult {
		if status < 200 || status >= 300 {
			return badOrFatalItem(status, body)
		}
		return batch.ItemResult{Outcome: batch.OutcomeOK}
	})
}

func badOrFatalItem(status int, body []byte) batch.ItemResult {
	err := fmt.Errorf("gmail sub-request failed: status %d: %s", status, string(body))
	if status == 404 {
		err = fmt.Errorf("%w: status %d: %s", ErrMessageNotFound, status, string(body))
	}
	if status == 400 || status == 404 {
		return batch.ItemResult{Outcome: batch.OutcomeBadMessage, Err: err}
	}
	// Any other per-item status is treated as bad-message too: the
	// batch as a whole already succeeded (outer HTTP 200), so there is
	// nothing left to retry at the batch level.
	return batch.ItemResult{Outcome: batch.OutcomeBadMessage, Err: err}
}

func buildGetSubrequest(path string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: www.googleapis.com\r\n")
	b.WriteString("\r\n")
	return b.String()
}

func buildPostSubrequest(path string, body []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "POST %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: www.googleapis.com\r\n")
	fmt.Fprintf(&b, "Content-Type: application/json\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("\r\n")
	b.Write(body)
	return b.String()
}

// doBatch assembles parts into one multipart/mixed batch request,
// executes it with the authorized HTTP client, and classifies the
// outer response: a transport-level failure is OutcomeConnError, a
// non-200 outer status is OutcomeRateLimited (403/429) or
// OutcomeFatal, and a 200 outer response is demultiplexed into per-id
// results with decode.
func doBatch(ctx context.Context, httpClient httpPoster, parts map[string]string, decode func(id string, status int, body []byte) batch.ItemResult) batch.BatchOutcome {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	ids := make([]string, 0, len(parts))
	for id := range parts {
		ids = append(ids, id)
	}
	for _, id := range ids {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "application/http")
		header.Set("Content-ID", "<"+id+">")
		part, err := w.CreatePart(header)
		if err != nil {
			return batch.BatchOutcome{Batch: batch.OutcomeFatal, Err: err}
		}
		if _, err := part.Write([]byte(parts[id])); err != nil {
			return batch.BatchOutcome{Batch: batch.OutcomeFatal, Err: err}
		}
	}
	if err := w.Close(); err != nil {
		return batch.BatchOutcome{Batch: batch.OutcomeFatal, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, batchEndpoint, &buf)
	if err != nil {
		return batch.BatchOutcome{Batch: batch.OutcomeFatal, Err: err}
	}
	req.Header.Set("Content-Type", mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": w.Boundary()}))

	resp, err := httpClient.Do(req)
	if err != nil {
		return batch.BatchOutcome{Batch: batch.OutcomeConnError, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case 403, 429:
		return batch.BatchOutcome{Batch: batch.OutcomeRateLimited, Err: fmt.Errorf("gmail batch rate limited: status %d", resp.StatusCode)}
	case 200:
		// fall through to demultiplex
	default:
		return batch.BatchOutcome{Batch: batch.OutcomeFatal, Err: fmt.Errorf("gmail batch request failed: status %d", resp.StatusCode)}
	}

	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return batch.BatchOutcome{Batch: batch.OutcomeFatal, Err: err}
	}
	mr := multipart.NewReader(resp.Body, params["boundary"])

	results := make(map[string]batch.ItemResult, len(parts))
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		id := strings.Trim(part.Header.Get("Content-ID"), "<>")
		id = strings.TrimPrefix(id, "response-")
		status, body, err := parseEmbeddedResponse(part)
		if err != nil {
			results[id] = batch.ItemResult{Outcome: batch.OutcomeBadMessage, Err: err}
			continue
		}
		results[id] = decode(id, status, body)
	}
	return batch.BatchOutcome{Results: results}
}

// parseEmbeddedResponse reads the "HTTP/1.1 <status> ..." status line
// and body out of one multipart/mixed sub-response part.
func parseEmbeddedResponse(part *multipart.Part) (int, []byte, error) {
	r := bufio.NewReader(part)
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return 0, nil, err
	}
	fields := strings.Fields(statusLine)
	if len(fields) < 2 {
		return 0, nil, fmt.Errorf("malformed sub-response status line %q", statusLine)
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, nil, err
	}
	tp := textproto.NewReader(r)
	if _, err := tp.ReadMIMEHeader(); err != nil && len(fields) > 0 {
		// MIME header parse errors on a trailing blank body are
		// tolerated; the body read below still proceeds on r.
	}
	body := new(bytes.Buffer)
	if _, err := body.ReadFrom(r); err != nil {
		return status, nil, err
	}
	return status, body.Bytes(), nil
}
