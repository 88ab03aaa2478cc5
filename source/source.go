// Package source provides the live channel readers the capture loop samples from.
package source

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned when disconnecting a source that is not connected
	ErrNotConnected = errors.New("source is not connected")
	// ErrUnknownKind is returned for a source kind outside the supported set
	ErrUnknownKind = errors.New("unknown source kind")
)

// Source is a connectable reader of N channel values
type Source interface {
	Connect(address string, baudRate int) error
	Disconnect() error
	Connected() bool
	// GetData returns the latest complete reading without blocking; nil means no reading
	GetData() []float64
	Name() string
}

// Kind selects a Source implementation
type Kind string

const (
	KindSimulation Kind = "simulation"
	KindSerial     Kind = "serial"
)

// Kinds lists every supported source kind
func Kinds() []Kind {
	return []Kind{KindSimulation, KindSerial}
}

// ParseKind accepts a kind name case-insensitively
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// New constructs the source for kind reading the given number of channels
func New(kind Kind, channels int, logger *zap.Logger) (Source, error) {
	switch kind {
	case KindSimulation:
		return NewSimulation(channels), nil
	case KindSerial:
		return NewSerial(channels, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
