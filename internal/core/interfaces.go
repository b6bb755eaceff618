// Package core defines the domain types and contracts shared by the
// narration pipeline: normalized synthesis parameters, segment identity,
// the synthesis engine interface, and blob storage.
package core

import (
	"context"

	"github.com/book-expert/narration-service/internal/subtitle"
)

// SynthesisOptions carries the voice parameters for one engine call.
type SynthesisOptions struct {
	Voice  string
	Rate   string
	Pitch  string
	Volume string
	Format string
}

// SynthesisOutput is what an engine produces for one text segment: a fully
// synthesized audio buffer and, when the backend reports word or sentence
// boundaries, a time-aligned cue list.
type SynthesisOutput struct {
	Audio []byte
	Cues  []subtitle.Cue
}

// Engine is the uniform contract over pluggable speech-synthesis backends.
// A segment is always fully synthesized before the output is returned.
type Engine interface {
	Name() string
	Synthesize(ctx context.Context, text string, opts SynthesisOptions) (*SynthesisOutput, error)
	SupportedLanguages() []string
}

// Initializer is implemented by engines that need a startup health check.
// An engine whose Initialize fails is removed from the active registry
// rather than crashing the process.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// BlobStore is the interface for a key-value blob store used for finished
// artifacts and as an optional cache backend.
type BlobStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}
