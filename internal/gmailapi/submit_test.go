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
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"testing"

	"github.com/gmailmuch/gmailmuch/internal/batch"
	"github.com/gmailmuch/gmailmuch/internal/message"
)

// fakePoster plays the Gmail batch endpoint: it parses the outgoing
// multipart/mixed request, looks up a canned per-Content-ID response
// in responses, and writes back a matching multipart/mixed reply.
type fakePoster struct {
	statusCode int
	responses  map[string]fakeResponse // keyed by Content-ID
}

type fakeResponse struct {
	status int
	body   string
}

func (f *fakePoster) Do(req *http.Request) (*http.Response, error) {
	if f.statusCode != 0 && f.statusCode != 200 {
		return &http.Response{
			StatusCode: f.statusCode,
			Body:       io.NopCloser(strings.NewReader("")),
		}, nil
	}

	_, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])

	var out bytes.Buffer
	w := multipart.NewWriter(&out)
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		id := strings.Trim(part.Header.Get("Content-ID"), "<>")
		resp, ok := f.responses[id]
		if !ok {
			continue
		}
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "application/http")
		header.Set("Content-ID", "<response-"+id+">")
		pw, err := w.CreatePart(header)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(pw, "HTTP/1.1 %d OK\r\n\r\n%s", resp.status, resp.body)
	}
	w.Close()

	return &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": []string{mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": w.Boundary()})}},
		Body:       io.NopCloser(&out),
	}, nil
}

func TestContentSubmitterDecodesRawMessage(t *testing.T) {
	raw := base64.URLEncoding.EncodeToString([]byte("From: a\r\n\r\nhi"))
	body := fmt.Sprintf(`{"id":"abc","historyId":"5","labelIds":["INBOX"],"sizeEstimate":42,"internalDate":"1600000000000","raw":%q}`, raw)

	p := &fakePoster{responses: map[string]fakeResponse{
		"abc": {status: 200, body: body},
	}}
	sub := &contentSubmitter{httpClient: p, format: "raw"}

	out := sub.Submit(context.Background(), map[string]batch.Request{"abc": message.ID("abc")})
	if out.Batch != batch.OutcomeOK {
		t.Fatalf("unexpected batch-level outcome: %+v", out)
	}
	r, ok := out.Results["abc"]
	if !ok {
		t.Fatalf("missing result for abc: %+v", out.Results)
	}
	if r.Outcome != batch.OutcomeOK {
		t.Fatalf("item outcome = %v, err = %v", r.Outcome, r.Err)
	}
	msg := r.Payload.(*message.RawMessage)
	if string(msg.RawBytes) != "From: a\r\n\r\nhi" {
		t.Errorf("RawBytes = %q", msg.RawBytes)
	}
	if msg.HistoryID != 5 || msg.SizeEstimate != 42 {
		t.Errorf("unexpected fields: %+v", msg.MinimalMessage)
	}
}

func TestContentSubmitterClassifiesBadMessage(t *testing.T) {
	p := &fakePoster{responses: map[string]fakeResponse{
		"gone": {status: 404, body: `{"error":"not found"}`},
	}}
	sub := &contentSubmitter{httpClient: p, format: "minimal"}

	out := sub.Submit(context.Background(), map[string]batch.Request{"gone": message.ID("gone")})
	r, ok := out.Results["gone"]
	if !ok {
		t.Fatalf("missing result: %+v", out.Results)
	}
	if r.Outcome != batch.OutcomeBadMessage {
		t.Errorf("outcome = %v, want OutcomeBadMessage", r.Outcome)
	}
}

func TestDoBatchClassifiesRateLimit(t *testing.T) {
	p := &fakePoster{statusCode: 429}
	sub := &contentSubmitter{httpClient: p, format: "minimal"}

	out := sub.Submit(context.Background(), map[string]batch.Request{"x": message.ID("x")})
	if out.Batch != batch.OutcomeRateLimited {
		t.Errorf("Batch = %v, want OutcomeRateLimited", out.Batch)
	}
}

func TestModifySubmitterOK(t *testing.T) {
	p := &fakePoster{responses: map[string]fakeResponse{
		"m1": {status: 200, body: `{}`},
	}}
	sub := &modifySubmitter{httpClient: p}

	out := sub.Submit(context.Background(), map[string]batch.Request{
		"m1": ModifyOp{Add: []string{"STARRED"}},
	})
	if r := out.Results["m1"]; r.Outcome != batch.OutcomeOK {
		t.Errorf("outcome = %v, err = %v", r.Outcome, r.Err)
	}
}
