// Package policy implements the pure ignore/no-sync predicate layer
// consulted by the tag mapper and the change detector. It holds no
// state beyond the three configured label/tag sets and performs no
// I/O.
package policy

import "github.com/pkg/errors"

// ErrNoSync is returned by callers that determine a message carries a
// no-sync label. It is a sentinel, not an exception: the detector and
// mapper check for it explicitly and silently drop the message from
// the change stream.
var ErrNoSync = errors.New("message carries a no-sync label")

// Policy holds the three label/tag sets from the
// [ignore_labels] configuration section.
type Policy struct {
	noSync        map[string]struct{}
	ignoreRemote  map[string]struct{}
	ignoreLocal   map[string]struct{}
}

// New builds a Policy from the already-split label/tag lists.
func New(noSync, ignoreRemote, ignoreLocal []string) *Policy {
	return &Policy{
		noSync:       toSet(noSync),
		ignoreRemote: toSet(ignoreRemote),
		ignoreLocal:  toSet(ignoreLocal),
	}
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, i := range items {
		s[i] = struct{}{}
	}
	return s
}

// IsNoSync reports whether the named Gmail label puts a message
// entirely out of scope for the engine.
func (p *Policy) IsNoSync(label string) bool {
	_, ok := p.noSync[label]
	return ok
}

// IsIgnoredRemoteLabel reports whether the named Gmail label should be
// filtered out on ingest (but the message is otherwise in scope).
func (p *Policy) IsIgnoredRemoteLabel(label string) bool {
	_, ok := p.ignoreRemote[label]
	return ok
}

// IsIgnoredLocalTag reports whether the named local tag should never
// be observed on either side of a comparison.
func (p *Policy) IsIgnoredLocalTag(tag string) bool {
	_, ok := p.ignoreLocal[tag]
	return ok
}

// FilterLocalTags removes every ignored local tag from a tag set,
// returning a new set. Callers in internal/localstore use this on
// every read so that invariant 1 ("tag-filter soundness") holds for
// any tag set observed anywhere in the engine.
func (p *Policy) FilterLocalTags(tags map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(tags))
	for t := range tags {
		if p.IsIgnoredLocalTag(t) {
			continue
		}
		out[t] = struct{}{}
	}
	return out
}

// NoSyncLabels returns the configured no-sync label set, for callers
// (internal/gmailapi) that need to build a `-in:<label>` query term
// per label.
func (p *Policy) NoSyncLabels() []string {
	out := make([]string, 0, len(p.noSync))
	for l := range p.noSync {
		out = append(out, l)
	}
	return out
}
