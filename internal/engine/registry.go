// Package engine provides the pluggable speech-synthesis backends and the
// registry that routes a requested voice to the backend able to speak it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
)

// Static errors.
var (
	// ErrEngineExists rejects registering two backends under one name.
	ErrEngineExists = errors.New("engine already registered")
	// ErrEngineNotFound is returned for an unknown backend name.
	ErrEngineNotFound = errors.New("engine not found")
	// ErrNoEngineForVoice is returned when no registered backend supports
	// the language implied by the requested voice.
	ErrNoEngineForVoice = errors.New("no engine supports the requested voice")
)

// Registry holds the active synthesis backends by name. It is constructed
// once at process start; backends whose startup health check fails are
// removed rather than crashing the process.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]core.Engine
	log     *logger.Logger
}

// NewRegistry creates an empty backend registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		engines: make(map[string]core.Engine),
		log:     log,
	}
}

// Register adds a backend under its own name.
func (r *Registry) Register(eng core.Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := eng.Name()

	_, exists := r.engines[name]
	if exists {
		return fmt.Errorf("%w: %s", ErrEngineExists, name)
	}

	r.engines[name] = eng

	return nil
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (core.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	eng, found := r.engines[name]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrEngineNotFound, name)
	}

	return eng, nil
}

// Names returns the sorted names of every active backend.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// InitializeAll health-checks every backend that implements
// core.Initializer and removes the ones that fail, logging each removal.
// The registry stays usable with whatever subset survives.
func (r *Registry) InitializeAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, eng := range r.engines {
		initializer, needsInit := eng.(core.Initializer)
		if !needsInit {
			continue
		}

		err := initializer.Initialize(ctx)
		if err != nil {
			r.log.Error("Engine %s failed initialization, removing: %v", name, err)
			delete(r.engines, name)
		}
	}
}

// Route returns a backend able to speak the given voice. The language is
// taken from the voice's locale prefix (e.g. "en-US-AriaNeural" speaks
// "en"); the first registered backend, in name order, that supports the
// language wins.
func (r *Registry) Route(voice string) (core.Engine, error) {
	language := VoiceLanguage(voice)

	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		eng := r.engines[name]

		for _, supported := range eng.SupportedLanguages() {
			if strings.EqualFold(supported, language) {
				return eng, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: voice %q (language %q)", ErrNoEngineForVoice, voice, language)
}

// VoiceLanguage extracts the language code from a locale-prefixed voice
// name: "en-US-AriaNeural" yields "en". A voice without a locale prefix is
// returned unchanged, lowercased.
func VoiceLanguage(voice string) string {
	dash := strings.IndexByte(voice, '-')
	if dash <= 0 {
		return strings.ToLower(voice)
	}

	return strings.ToLower(voice[:dash])
}
