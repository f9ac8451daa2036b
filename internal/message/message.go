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

// Package message defines the data objects shared between the remote
// client, the local store and the reconciler.
package message

// ID is the opaque, permanent identifier of a message as assigned by
// Gmail. It is a lowercase hex string.
type ID string

// TagSet is an unordered set of short local tag (or, before
// translation, Gmail label) names.
type TagSet map[string]struct{}

// NewTagSet builds a TagSet from a slice of names.
func NewTagSet(names ...string) TagSet {
	s := make(TagSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Clone returns a shallow copy.
func (s TagSet) Clone() TagSet {
	c := make(TagSet, len(s))
	for k := range s {
		c[k] = struct{}{}
	}
	return c
}

// Equal reports whether s and o contain the same elements.
func (s TagSet) Equal(o TagSet) bool {
	if len(s) != len(o) {
		return false
	}
	for k := range s {
		if _, ok := o[k]; !ok {
			return false
		}
	}
	return true
}

// Sub returns the elements of s that are not in o (s - o).
func (s TagSet) Sub(o TagSet) TagSet {
	r := make(TagSet)
	for k := range s {
		if _, ok := o[k]; !ok {
			r[k] = struct{}{}
		}
	}
	return r
}

// Slice returns the set's elements in unspecified order.
func (s TagSet) Slice() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// MinimalMessage is the "minimal" format GMail message: enough to
// know what labels a message currently carries, but no content.
type MinimalMessage struct {
	ID           ID
	HistoryID    uint64
	LabelIDs     []string
	SizeEstimate int64
}

// RawMessage is the "raw" format GMail message: everything in
// MinimalMessage plus the full RFC 2822 body.
type RawMessage struct {
	MinimalMessage

	// InternalDateMS is milliseconds since epoch, as reported by Gmail.
	InternalDateMS int64

	// RawBytes is the base64url-decoded RFC 2822 message body.
	RawBytes []byte
}

// Label is a Gmail label resource.
type Label struct {
	ID   string
	Name string
}
