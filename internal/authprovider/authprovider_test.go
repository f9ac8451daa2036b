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

package authprovider

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestLoadReturnsNilWhenCacheAbsent(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tok, err := c.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tok != nil {
		t.Errorf("load() = %+v, want nil", tok)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "oauth.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := &oauth2.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		Expiry:       time.Unix(1700000000, 0).UTC(),
	}
	if err := c.save(want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := c.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken {
		t.Errorf("load() = %+v, want %+v", got, want)
	}
}

type fakeTokenSource struct {
	tokens []*oauth2.Token
	i      int
}

func (f *fakeTokenSource) Token() (*oauth2.Token, error) {
	if f.i >= len(f.tokens) {
		return nil, errors.New("no more tokens")
	}
	tok := f.tokens[f.i]
	f.i++
	return tok, nil
}

func TestSavingTokenSourcePersistsOnlyOnChange(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "oauth.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	same := &oauth2.Token{AccessToken: "a1"}
	refreshed := &oauth2.Token{AccessToken: "a2"}
	src := &savingTokenSource{
		inner: &fakeTokenSource{tokens: []*oauth2.Token{same, same, refreshed}},
		store: c,
	}

	if _, err := src.Token(); err != nil {
		t.Fatalf("Token: %v", err)
	}
	first, err := c.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, err := src.Token(); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if _, err := src.Token(); err != nil {
		t.Fatalf("Token: %v", err)
	}
	final, err := c.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if first.AccessToken != "a1" {
		t.Errorf("first cached token = %q, want a1", first.AccessToken)
	}
	if final.AccessToken != "a2" {
		t.Errorf("final cached token = %q, want a2", final.AccessToken)
	}
}
