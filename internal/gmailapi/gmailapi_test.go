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
	"testing"

	"google.golang.org/api/googleapi"
)

func TestNoSyncQuery(t *testing.T) {
	got := noSyncQuery([]string{"CHATS", "SPAM"})
	want := "-in:CHATS -in:SPAM"
	if got != want {
		t.Errorf("noSyncQuery = %q, want %q", got, want)
	}
}

func TestIsNotFound(t *testing.T) {
	if isNotFound(nil) {
		t.Error("isNotFound(nil) = true")
	}
	if !isNotFound(&googleapi.Error{Code: 404}) {
		t.Error("isNotFound(404) = false, want true")
	}
	if isNotFound(&googleapi.Error{Code: 500}) {
		t.Error("isNotFound(500) = true, want false")
	}
}
