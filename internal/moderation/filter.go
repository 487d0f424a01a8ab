// Package moderation decides whether user supplied text is allowed.
package moderation

import (
	"strings"

	goaway "github.com/TwiN/go-away"
)

// Filter reports whether text must be rejected.
type Filter interface {
	Disallowed(text string) bool
}

// Func adapts a plain function to Filter.
type Func func(text string) bool

// Disallowed calls f.
func (f Func) Disallowed(text string) bool {
	return f(text)
}

// Nop allows everything.
var Nop Filter = Func(func(string) bool { return false })

// Detector rejects profanity using the go-away dictionary plus an optional
// list of extra blocked terms.
type Detector struct {
	detector *goaway.ProfanityDetector
	extra    []string
}

// NewDetector returns a Detector. extra terms are matched case-insensitively
// as substrings.
func NewDetector(extra ...string) *Detector {
	d := &Detector{detector: goaway.NewProfanityDetector()}
	for _, term := range extra {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" {
			d.extra = append(d.extra, term)
		}
	}
	return d
}

// Disallowed reports whether text contains profanity or a blocked term.
func (d *Detector) Disallowed(text string) bool {
	lower := strings.ToLower(text)
	for _, term := range d.extra {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return d.detector.IsProfane(lower)
}
