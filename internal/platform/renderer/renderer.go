// Package renderer turns a frozen report document into PDF bytes. Renderers
// format what the document says; they never recompute scores.
package renderer

import (
	"encoding/json"
	"time"
)

// Signoff is the report's current signoff state, printed alongside the
// frozen document.
type Signoff struct {
	Status       string     `json:"status"`
	Method       string     `json:"method,omitempty"`
	SignedBy     string     `json:"signed_by,omitempty"`
	Role         string     `json:"role,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	SignedAt     *time.Time `json:"signed_at,omitempty"`
	ReviewStatus string     `json:"review_status,omitempty"`
}

type Request struct {
	Report  json.RawMessage `json:"report"`
	Signoff Signoff         `json:"signoff"`
}
