// Package models defines the core data structures used throughout revblob
// including revisions, attachment rows and their serialized form.
package models

import "strings"

// Reserved property keys. Revision bodies never store them.
const (
	PropID          = "_id"
	PropRev         = "_rev"
	PropDeleted     = "_deleted"
	PropAttachments = "_attachments"
)

// Revision is one node of a document's revision tree.
type Revision struct {
	DocID       string         `json:"doc_id"`
	RevID       string         `json:"rev_id"`
	Sequence    int64          `json:"sequence"`
	Generation  int            `json:"generation"`
	ParentRevID string         `json:"parent_rev_id,omitempty"`
	Deleted     bool           `json:"deleted,omitempty"`
	Pruned      bool           `json:"pruned,omitempty"`
	Body        map[string]any `json:"body,omitempty"`
}

// IsReserved reports whether a property key is owned by the database.
func IsReserved(key string) bool {
	return strings.HasPrefix(key, "_")
}

// StripReserved returns a copy of props without reserved keys.
func StripReserved(props map[string]any) map[string]any {
	body := make(map[string]any, len(props))
	for k, v := range props {
		if !IsReserved(k) {
			body[k] = v
		}
	}
	return body
}

// Properties returns the body merged with _id and _rev.
func (r *Revision) Properties() map[string]any {
	props := make(map[string]any, len(r.Body)+3)
	for k, v := range r.Body {
		props[k] = v
	}
	props[PropID] = r.DocID
	props[PropRev] = r.RevID
	if r.Deleted {
		props[PropDeleted] = true
	}
	return props
}

// ParseGeneration returns the numeric prefix of a rev id like "3-abc".
// It returns 0 for malformed ids.
func ParseGeneration(revID string) int {
	prefix, _, ok := strings.Cut(revID, "-")
	if !ok || prefix == "" {
		return 0
	}
	n := 0
	for _, c := range prefix {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
