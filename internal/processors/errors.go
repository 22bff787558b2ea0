// Copyright 2025 James Ross
package processors

import (
	"errors"
	"fmt"
)

// Kind is the closed sum type processors use to tag a failure's origin
// (spec §4.7: "tagged domain=provider|infrastructure", generalized to the
// full error taxonomy of spec §7).
type Kind string

const (
	// Validation marks a payload the processor could not make sense of —
	// never retried productively, since a retry sees the same payload.
	Validation Kind = "validation"
	// Infrastructure marks a KV store, database, or other internal-system
	// failure — transient, worth retrying.
	Infrastructure Kind = "infrastructure"
	// Domain marks a business-rule rejection (for example, a connection
	// record owned by a different user).
	Domain Kind = "domain"
	// Provider marks an upstream third-party failure (bank aggregator,
	// ESG data vendor, property valuation API).
	Provider Kind = "provider"
)

// Error wraps a processor failure with its Kind, so the Worker Pool's
// ExhaustedHandler and the Tracing Sink can tag it without string
// sniffing.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches a Kind to an error. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind from an error produced by Wrap, defaulting to
// Infrastructure for anything unclassified — the safest default to retry.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Infrastructure
}
