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

// Package authprovider implements the AuthProvider collaborator: it
// produces an authorized *http.Client for internal/gmailapi via an
// interactive loopback-HTTP OAuth2 installed-app flow, with credential
// caching on disk under status_dir.
package authprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/gmailmuch/gmailmuch/internal/gmailapi"
)

// installedAppClientID/Secret identify this program to Google's OAuth2
// endpoint as an "installed application" (desktop/CLI). A real
// distribution would register its own; these are placeholders.
const (
	installedAppClientID     = "000000000000-gmailmuch.apps.googleusercontent.com"
	installedAppClientSecret = "gmailmuch-installed-app-secret"
)

// CredentialStore owns the on-disk OAuth2 token cache
// (status_dir/oauth.json). Explicit Open/Close lifecycle, no global
// singleton.
type CredentialStore struct {
	path string
}

// Open prepares a CredentialStore backed by the JSON file at path. The
// file need not exist yet; it is created on the first successful
// Authenticate.
func Open(path string) (*CredentialStore, error) {
	return &CredentialStore{path: path}, nil
}

// Close is a no-op; it exists so CredentialStore has the same
// Open/Close shape as the database-backed stores.
func (c *CredentialStore) Close() error { return nil }

func (c *CredentialStore) load() (*oauth2.Token, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading credential cache %q", c.path)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, errors.Wrapf(err, "parsing credential cache %q", c.path)
	}
	return &tok, nil
}

func (c *CredentialStore) save(tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding credential cache")
	}
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return errors.Wrapf(err, "writing credential cache %q", c.path)
	}
	return nil
}

func oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     installedAppClientID,
		ClientSecret: installedAppClientSecret,
		Scopes:       []string{gmailapi.Scope},
		Endpoint:     google.Endpoint,
	}
}

// Authenticate produces an authorized *http.Client, reusing a cached
// token if one exists, refreshing it transparently via
// oauth2.Config.TokenSource, and persisting any newly-acquired token.
// If no cached token exists, it runs the interactive loopback-HTTP
// browser flow.
func (c *CredentialStore) Authenticate(ctx context.Context) (*http.Client, error) {
	cfg := oauthConfig()

	tok, err := c.load()
	if err != nil {
		return nil, err
	}
	if tok == nil {
		tok, err = authenticateInteractive(ctx, cfg)
		if err != nil {
			return nil, errors.Wrap(err, "interactive OAuth2 authentication")
		}
		if err := c.save(tok); err != nil {
			return nil, err
		}
	}

	src := &savingTokenSource{
		ctx:   ctx,
		inner: cfg.TokenSource(ctx, tok),
		store: c,
	}
	return oauth2.NewClient(ctx, src), nil
}

// savingTokenSource wraps an oauth2.TokenSource so every refreshed
// token is persisted back to the CredentialStore, not just the first
// one.
type savingTokenSource struct {
	ctx   context.Context
	inner oauth2.TokenSource
	store *CredentialStore
	last  *oauth2.Token
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.inner.Token()
	if err != nil {
		return nil, err
	}
	if s.last == nil || s.last.AccessToken != tok.AccessToken {
		if err := s.store.save(tok); err != nil {
			return nil, err
		}
		s.last = tok
	}
	return tok, nil
}

// authenticateInteractive runs the loopback-HTTP OAuth2 installed-app
// flow: a local httptest server catches the redirect, the browser is
// opened to the consent screen, and the resulting code is exchanged
// for a token.
func authenticateInteractive(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
	randState := fmt.Sprintf("st%d", time.Now().UnixNano())
	ch := make(chan string, 1)
	errCh := make(chan error, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("state") != randState {
			http.Error(w, "state mismatch", http.StatusInternalServerError)
			errCh <- errors.New("oauth2 callback state mismatch")
			return
		}
		code := r.FormValue("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusInternalServerError)
			errCh <- errors.New("oauth2 callback missing code")
			return
		}
		fmt.Fprint(w, "<h1>Authorized</h1>You may close this tab.")
		ch <- code
	}))
	defer ts.Close()

	cfg.RedirectURL = ts.URL
	authURL := cfg.AuthCodeURL(randState, oauth2.AccessTypeOffline)

	fmt.Printf("Opening your browser to authorize gmailmuch:\n\n%s\n\n", authURL)
	openBrowser(authURL)

	var code string
	select {
	case code = <-ch:
	case err := <-errCh:
		return nil, err
	}

	return cfg.Exchange(ctx, code)
}

func openBrowser(url string) {
	for _, bin := range []string{"xdg-open", "open"} {
		if err := exec.Command(bin, url).Start(); err == nil {
			return
		}
	}
	fmt.Printf("Open the following URL in your browser:\n\n%s\n", url)
}
