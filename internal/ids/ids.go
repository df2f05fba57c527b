// Package ids generates the identifiers that name runs on disk and in the
// state store. KSUIDs sort by creation time, so work directories and
// activity rows list chronologically.
package ids

import (
	"fmt"

	"github.com/segmentio/ksuid"
)

// NewRunID generates a run identifier with a stable prefix for display.
func NewRunID() string {
	return newIdentifier("run")
}

// NewRetryID generates an identifier for retry bookkeeping rows.
func NewRetryID() string {
	return newIdentifier("retry")
}

func newIdentifier(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, ksuid.New().String())
}

// NewKSUID exposes raw KSUID generation for callers that need unprefixed identifiers.
func NewKSUID() string {
	return ksuid.New().String()
}
