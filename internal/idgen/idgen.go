// Package idgen provides short, URL-safe unique ID generation backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

const (
	// EventPrefix is prepended to event ids.
	EventPrefix = "ev-"
	// EpochPrefix is prepended to log epochs.
	EpochPrefix = "ep-"

	alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	length   = 16
)

// NewEventID returns a new unique event id.
func NewEventID() (string, error) {
	return GenerateWithPrefix(EventPrefix)
}

// NewEpoch returns a new log epoch.
func NewEpoch() (string, error) {
	return GenerateWithPrefix(EpochPrefix)
}

// GenerateWithPrefix returns a new unique ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(alphabet, length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// MustEventID is NewEventID for call sites that cannot surface an error.
// nanoid only fails when the system random source fails.
func MustEventID() string {
	id, err := NewEventID()
	if err != nil {
		panic(err)
	}
	return id
}
