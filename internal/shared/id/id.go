// Package id provides centralized ID generation for installd.
//
// Session ids are small process-unique integers allocated by the registry;
// this package covers everything else that needs a globally unique,
// k-sortable identifier:
//   - EventID: session event stream entries (ordering within a session)
//   - CheckpointID: staging coordinator verification checkpoints
//   - request ids: per-request trace correlation
//
// ULIDs keep logs readable via type prefixes (evt_*, ckpt_*) and sort by
// creation time without a separate timestamp column.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventID identifies an entry in the session event stream.
type EventID string

// CheckpointID identifies a staging verification checkpoint.
type CheckpointID string

const (
	EventPrefix      = "evt"
	CheckpointPrefix = "ckpt"
	RequestPrefix    = "req"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand entropy.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source,
// useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewEventID generates a new event ID.
func NewEventID() EventID {
	return EventID(Default().GenerateWithPrefix(EventPrefix))
}

// NewCheckpointID generates a new checkpoint ID.
func NewCheckpointID() CheckpointID {
	return CheckpointID(Default().GenerateWithPrefix(CheckpointPrefix))
}

// NewRequestID generates an identifier for request tracing.
func NewRequestID() string {
	return Default().GenerateWithPrefix(RequestPrefix)
}
