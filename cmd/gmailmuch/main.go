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

// The gmailmuch command synchronizes a Gmail account with a local
// Maildir and tag index. Commands: auth, pull, defconfig, watch.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/gmailmuch/gmailmuch/internal/authprovider"
	"github.com/gmailmuch/gmailmuch/internal/config"
	"github.com/gmailmuch/gmailmuch/internal/detect"
	"github.com/gmailmuch/gmailmuch/internal/gmailapi"
	"github.com/gmailmuch/gmailmuch/internal/lockfile"
	"github.com/gmailmuch/gmailmuch/internal/localstore"
	"github.com/gmailmuch/gmailmuch/internal/policy"
	"github.com/gmailmuch/gmailmuch/internal/reconcile"
	"github.com/gmailmuch/gmailmuch/internal/tagmap"
	"github.com/gmailmuch/gmailmuch/internal/tracehttp"
	"github.com/gmailmuch/gmailmuch/internal/watermark"
)

var (
	flagConfig = ""
	flagTrace  = false
)

func main() {
	root := &cobra.Command{
		Use:   "gmailmuch",
		Short: "Synchronize a Gmail account with a local Maildir and tag index",
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", defaultConfigPath(), "path to the configuration file")
	root.PersistentFlags().BoolVarP(&flagTrace, "trace", "T", false, "dump every HTTP request/response")

	root.AddCommand(authCmd(), pullCmd(), defconfigCmd(), watchCmd())

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// defaultConfigPath honors the NOTMUCH_GMAIL_CONFIG environment
// override before falling back to the conventional dotfile path.
func defaultConfigPath() string {
	if p := os.Getenv("NOTMUCH_GMAIL_CONFIG"); p != "" {
		return p
	}
	return "~/.notmuch-gmail.cfg"
}

// exitCodeFor maps an error to a process exit code: 0
// success/already-running, 1 remote/auth error, 2 user interrupt.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, lockfile.ErrAlreadyRunning):
		return 0
	case errors.Is(err, context.Canceled):
		return 2
	default:
		return 1
	}
}

func authCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Run the interactive OAuth2 authorization flow and cache the resulting token",
		RunE: func(cmd *cobra.Command, args []string) error {
			maybeTrace()
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.StatusDir, 0700); err != nil {
				return errors.Wrap(err, "creating status_dir")
			}
			store, err := authprovider.Open(cfg.OAuthFile)
			if err != nil {
				return err
			}
			if _, err := store.Authenticate(cmd.Context()); err != nil {
				return err
			}
			log.Print("authorization succeeded")
			return nil
		},
	}
}

func defconfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "defconfig",
		Short: "Print the default configuration document",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.Default)
			return nil
		},
	}
}

func pullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Run one synchronization pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			maybeTrace()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPull(ctx, flagConfig)
		},
	}
}

func watchCmd() *cobra.Command {
	var schedule string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run pull periodically on a cron schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			maybeTrace()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := cron.New()
			_, err := c.AddFunc(schedule, func() {
				if err := runPull(ctx, flagConfig); err != nil {
					log.Printf("scheduled pull failed: %v", err)
				}
			})
			if err != nil {
				return errors.Wrapf(err, "invalid schedule %q", schedule)
			}
			c.Start()
			<-ctx.Done()
			c.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "*/15 * * * *", "cron schedule on which to run pull")
	return cmd
}

func maybeTrace() {
	if flagTrace {
		tracehttp.WrapDefaultTransport()
	}
}

// runPull wires every collaborator together for one Reconciler.Run
// call: ProcessLock guards against a concurrent instance,
// AuthProvider produces the authorized HTTP client, and the SQLite
// handle is shared between the Local Store and the Watermark Store
// so both live in one database file.
func runPull(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.StatusDir, 0700); err != nil {
		return errors.Wrap(err, "creating status_dir")
	}

	lockPath := filepath.Join(cfg.StatusDir, "pull.lock")
	lock, err := lockfile.Acquire(lockPath)
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyRunning) {
			log.Print("another pull is already running, exiting")
			return nil
		}
		return err
	}
	defer lock.Release()

	authStore, err := authprovider.Open(cfg.OAuthFile)
	if err != nil {
		return err
	}
	httpClient, err := authStore.Authenticate(ctx)
	if err != nil {
		return errors.Wrap(err, "authenticating")
	}

	pol := policy.New(cfg.NoSyncLabels, cfg.IgnoreRemote, cfg.IgnoreLocal)

	db, err := sql.Open("sqlite3", cfg.CacheSqliteFile)
	if err != nil {
		return errors.Wrap(err, "opening cache database")
	}
	defer db.Close()

	local, err := localstore.Open(ctx, db, cfg.NotmuchDBDir, pol)
	if err != nil {
		return errors.Wrap(err, "opening local store")
	}
	wmStore, err := watermark.Open(ctx, db)
	if err != nil {
		return errors.Wrap(err, "opening watermark store")
	}

	remote, err := gmailapi.New(ctx, httpClient, pol)
	if err != nil {
		return errors.Wrap(err, "initializing gmail client")
	}

	mapper := tagmap.New(pol, cfg.LabelsTranslate, remote)

	r := &reconcile.Reconciler{
		Remote:    remote,
		Local:     local,
		Watermark: wmStore,
		Detector:  &detect.Detector{Remote: remote, Local: local, Mapper: mapper},
		Mapper:    mapper,
		Config: reconcile.Config{
			PushLocalTags:  cfg.PushLocalTags,
			LocalWins:      cfg.LocalWins,
			IndexBatchSize: cfg.IndexBatchSize,
		},
	}
	if err := r.Run(ctx); err != nil {
		return errors.Wrap(err, "reconciling")
	}
	log.Print("pull complete")
	return nil
}
