// Package tagmap implements the bidirectional translation between
// Gmail label IDs/names and local tag names. It is pure and
// in-memory, rebuilt fresh from the label catalog each run.
package tagmap

import (
	"context"

	"github.com/gmailmuch/gmailmuch/internal/message"
	"github.com/gmailmuch/gmailmuch/internal/policy"
)

// defaultTranslate is the built-in bijection: Gmail SYSTEM labels,
// lowercased.
var defaultTranslate = map[string]string{
	"INBOX":     "inbox",
	"SPAM":      "spam",
	"TRASH":     "trash",
	"UNREAD":    "unread",
	"STARRED":   "starred",
	"IMPORTANT": "important",
	"SENT":      "sent",
	"DRAFT":     "draft",
}

// LabelCreator creates a label server-side and reports its ID. The
// Mapper calls this on demand when translating a tag that has no
// known label yet.
type LabelCreator interface {
	CreateLabel(ctx context.Context, name string) (id string, err error)
}

// Mapper translates between Gmail labels and local tags.
type Mapper struct {
	policy *policy.Policy

	labelToTag map[string]string
	tagToLabel map[string]string

	nameToID map[string]string
	idToName map[string]string

	creator LabelCreator
}

// New builds a Mapper. overrides is the [labels_translate] section:
// it is merged on top of defaultTranslate, so a configured entry wins
// over the built-in one for the same label.
func New(p *policy.Policy, overrides map[string]string, creator LabelCreator) *Mapper {
	labelToTag := make(map[string]string, len(defaultTranslate)+len(overrides))
	for k, v := range defaultTranslate {
		labelToTag[k] = v
	}
	for k, v := range overrides {
		labelToTag[k] = v
	}
	tagToLabel := make(map[string]string, len(labelToTag))
	for label, tag := range labelToTag {
		tagToLabel[tag] = label
	}
	return &Mapper{
		policy:     p,
		labelToTag: labelToTag,
		tagToLabel: tagToLabel,
		nameToID:   make(map[string]string),
		idToName:   make(map[string]string),
		creator:    creator,
	}
}

// LoadCatalog replaces the label name/ID mirrors, typically right
// after RemoteClient.ListLabelCatalog.
func (m *Mapper) LoadCatalog(idToName map[string]string) {
	m.idToName = make(map[string]string, len(idToName))
	m.nameToID = make(map[string]string, len(idToName))
	for id, name := range idToName {
		m.idToName[id] = name
		m.nameToID[name] = id
	}
}

// LabelToTag translates a Gmail label name to a local tag name. A
// label with no entry in the bijection maps to itself.
func (m *Mapper) LabelToTag(label string) string {
	if tag, ok := m.labelToTag[label]; ok {
		return tag
	}
	return label
}

// TagToLabel translates a local tag name to the ID of its Gmail label,
// creating the label server-side (and registering it in the name/ID
// mirrors) if it does not yet exist. A tag with no entry in the
// bijection maps to itself.
func (m *Mapper) TagToLabel(ctx context.Context, tag string) (labelID string, err error) {
	name, ok := m.tagToLabel[tag]
	if !ok {
		name = tag
	}
	if id, ok := m.nameToID[name]; ok {
		return id, nil
	}
	id, err := m.creator.CreateLabel(ctx, name)
	if err != nil {
		return "", err
	}
	m.nameToID[name] = id
	m.idToName[id] = name
	return id, nil
}

// MessageTags computes the local tag set for a remote message's
// label IDs. It returns policy.ErrNoSync if any label
// is in the no-sync list: callers drop the message from the change
// stream entirely on that error.
func (m *Mapper) MessageTags(msg *message.MinimalMessage) (message.TagSet, error) {
	tags := make(message.TagSet)
	for _, id := range msg.LabelIDs {
		name, ok := m.idToName[id]
		if !ok {
			// Unknown label id (catalog stale or never seen):
			// fall back to treating the id itself as the name.
			name = id
		}
		if m.policy.IsNoSync(name) {
			return nil, policy.ErrNoSync
		}
		if m.policy.IsIgnoredRemoteLabel(name) {
			continue
		}
		tag := m.LabelToTag(name)
		if m.policy.IsIgnoredLocalTag(tag) {
			continue
		}
		tags[tag] = struct{}{}
	}
	return tags, nil
}
