// Package config loads the INI-style configuration document, parsed
// with gopkg.in/ini.v1.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/gmailmuch/gmailmuch/internal/homedir"
)

// defaultNoSyncLabels, defaultIgnoreRemote and defaultIgnoreLocal are
// the built-in label filters applied when a section is unconfigured.
var (
	defaultNoSyncLabels = []string{"CHATS"}
	defaultIgnoreRemote = []string{
		"CATEGORY_FORUMS",
		"CATEGORY_PERSONAL",
		"CATEGORY_PROMOTIONS",
		"CATEGORY_SOCIAL",
		"CATEGORY_UPDATES",
	}
	defaultIgnoreLocal = []string{"attachment", "new", "signed"}
)

// Config is the fully resolved configuration document.
type Config struct {
	NotmuchDBDir  string
	StatusDir     string
	PushLocalTags bool
	LocalWins     bool
	UploadDrafts  bool
	UploadSent    bool
	HTTPTimeoutS  int // read from http_timeout; not applied to any HTTP client

	// IndexBatchSize is the Reconciler's ingest chunk size, kept
	// configurable rather than a magic constant buried in the
	// reconciler.
	IndexBatchSize int

	NoSyncLabels []string
	IgnoreRemote []string
	IgnoreLocal  []string

	// LabelsTranslate is the [labels_translate] override section,
	// GMAIL_LABEL -> local_tag.
	LabelsTranslate map[string]string

	OAuthFile       string
	CacheSqliteFile string
}

// Load reads the configuration at path (expanding "~"), falling back
// to NOTMUCH_CONFIG's [database] path (or ~/mail) for notmuch_db when
// the [core] section doesn't set one.
func Load(path string) (*Config, error) {
	path = expandUser(path)

	f, err := ini.LooseLoad(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading config %q", path)
	}

	core := f.Section("core")

	defaultDB := defaultNotmuchDB()
	dbDir := expandUser(core.Key("notmuch_db").MustString(defaultDB))

	statusDir := core.Key("status_dir").MustString("./.notmuch-gmail")
	statusDir = expandUser(statusDir)
	if !filepath.IsAbs(statusDir) {
		statusDir = filepath.Join(dbDir, statusDir)
	}

	httpTimeout := core.Key("http_timeout").MustInt(5)

	ignore := f.Section("ignore_labels")
	noSync := splitOrDefault(ignore.Key("no_sync").String(), defaultNoSyncLabels)
	ignoreRemote := splitOrDefault(ignore.Key("remote").String(), defaultIgnoreRemote)
	ignoreLocal := splitOrDefault(ignore.Key("local").String(), defaultIgnoreLocal)

	translate := map[string]string{}
	if sec, err := f.GetSection("labels_translate"); err == nil {
		for _, k := range sec.Keys() {
			translate[k.Name()] = k.Value()
		}
	}

	cfg := &Config{
		NotmuchDBDir:    dbDir,
		StatusDir:       statusDir,
		PushLocalTags:   core.Key("push_local_tags").MustBool(true),
		LocalWins:       core.Key("local_wins").MustBool(false),
		UploadDrafts:    core.Key("upload_drafts").MustBool(true),
		UploadSent:      core.Key("upload_sent").MustBool(false),
		HTTPTimeoutS:    httpTimeout,
		IndexBatchSize:  core.Key("index_batch_size").MustInt(1000),
		NoSyncLabels:    noSync,
		IgnoreRemote:    ignoreRemote,
		IgnoreLocal:     ignoreLocal,
		LabelsTranslate: translate,
	}
	cfg.OAuthFile = filepath.Join(cfg.StatusDir, "oauth.json")
	cfg.CacheSqliteFile = filepath.Join(cfg.StatusDir, "cache.sqlite")
	return cfg, nil
}

func splitOrDefault(raw string, def []string) []string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return def
	}
	return fields
}

// defaultNotmuchDB reads NOTMUCH_CONFIG's [database] path, falling
// back to "~/mail" if unset.
func defaultNotmuchDB() string {
	nmConfigPath := os.Getenv("NOTMUCH_CONFIG")
	if nmConfigPath == "" {
		nmConfigPath = expandUser("~/.notmuch-config")
	}
	f, err := ini.LooseLoad(nmConfigPath)
	if err != nil {
		return "~/mail"
	}
	return f.Section("database").Key("path").MustString("~/mail")
}

func expandUser(p string) string {
	if p == "~" {
		home, err := homedir.Get()
		if err == nil {
			return home
		}
		return p
	}
	if strings.HasPrefix(p, "~/") {
		home, err := homedir.Get()
		if err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// Default is the default configuration document text, printed by the
// `defconfig` CLI command.
const Default = `# This is the default configuration for gmailmuch.

[core]
# Folder where to store email messages in files and notmuch database.
#notmuch_db = ~/mail

# Folder where to store persistent data such as Gmail OAuth2
# credentials and synchronization state. Any relative path is
# resolved against notmuch_db.
#status_dir = ./.notmuch-gmail

# Push local tag changes to Gmail.
#push_local_tags = True

# Favor the local version on conflicting changes. By default, the
# remote (Gmail) side wins.
#local_wins = False

# Upload local messages tagged "draft"/"sent" to Gmail.
#upload_drafts = True
#upload_sent = False

# Socket timeout in seconds. This key is parsed but not applied:
# remote requests use the HTTP client's default timeouts.
#http_timeout = 5

# Number of newly-fetched messages indexed per local-store transaction.
#index_batch_size = 1000

[ignore_labels]
#no_sync = CHATS
#remote = CATEGORY_FORUMS CATEGORY_PERSONAL CATEGORY_PROMOTIONS CATEGORY_SOCIAL CATEGORY_UPDATES
#local = attachment new signed

[labels_translate]
#INBOX = inbox
#SPAM = spam
#TRASH = trash
#UNREAD = unread
#STARRED = starred
#IMPORTANT = important
#SENT = sent
#DRAFT = draft
`
