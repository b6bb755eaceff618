package core

import (
	// #nosec G501 -- md5 is used for stable cache/task key derivation,
	// not for anything security sensitive. It matches the keys the rest
	// of the platform already stores.
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
)

// Neutral values that empty parameters are coerced to before key
// derivation, so semantically equivalent requests collide to one key.
const (
	NeutralRate   = "+0%"
	NeutralPitch  = "+0Hz"
	NeutralVolume = "+0%"
	DefaultVoice  = "en-US-AriaNeural"
	DefaultFormat = "mp3"
)

// Key derivation settings.
const (
	DefaultKeyPrefix = "task"
	hashWindowBytes  = 1000
)

// SynthesisParams are the normalized inputs of one narration request. The
// zero values of Rate, Pitch, Volume, Voice and Format are coerced by
// Normalized; Text is only trimmed.
type SynthesisParams struct {
	Text   string `json:"text"`
	Voice  string `json:"voice"`
	Rate   string `json:"rate"`
	Pitch  string `json:"pitch"`
	Volume string `json:"volume"`
	Format string `json:"format"`
}

// Normalized returns a copy with every empty field coerced to its explicit
// neutral value. Callers must normalize before deriving cache or task keys.
func (p SynthesisParams) Normalized() SynthesisParams {
	out := SynthesisParams{
		Text:   strings.TrimSpace(p.Text),
		Voice:  strings.TrimSpace(p.Voice),
		Rate:   strings.TrimSpace(p.Rate),
		Pitch:  strings.TrimSpace(p.Pitch),
		Volume: strings.TrimSpace(p.Volume),
		Format: strings.TrimSpace(p.Format),
	}

	if out.Voice == "" {
		out.Voice = DefaultVoice
	}

	if out.Rate == "" {
		out.Rate = NeutralRate
	}

	if out.Pitch == "" {
		out.Pitch = NeutralPitch
	}

	if out.Volume == "" {
		out.Volume = NeutralVolume
	}

	if out.Format == "" {
		out.Format = DefaultFormat
	}

	return out
}

// Fields returns the parameter map used for key derivation and task
// registration.
func (p SynthesisParams) Fields() map[string]string {
	return map[string]string{
		"text":   p.Text,
		"voice":  p.Voice,
		"rate":   p.Rate,
		"pitch":  p.Pitch,
		"volume": p.Volume,
		"format": p.Format,
	}
}

// Options extracts the per-engine voice options.
func (p SynthesisParams) Options() SynthesisOptions {
	return SynthesisOptions{
		Voice:  p.Voice,
		Rate:   p.Rate,
		Pitch:  p.Pitch,
		Volume: p.Volume,
		Format: p.Format,
	}
}

// Key derives the stable content-addressable key for these parameters.
// Callers are expected to pass normalized parameters.
func (p SynthesisParams) Key(prefix string) string {
	return DeriveKey(p.Fields(), prefix)
}

// DeriveKey computes a deterministic, order-independent key for a field map:
// keys are sorted, empty values are skipped, and each key/value pair feeds an
// md5 digest. Long values are hashed in fixed windows so the key stays cheap
// to compute regardless of text length.
func DeriveKey(fields map[string]string, prefix string) string {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	digest := md5.New() // #nosec G401 -- content addressing, not security.

	for _, key := range keys {
		value := fields[key]
		if value == "" {
			continue
		}

		digest.Write([]byte(key))

		for start := 0; start < len(value); start += hashWindowBytes {
			end := start + hashWindowBytes
			if end > len(value) {
				end = len(value)
			}

			digest.Write([]byte(value[start:end]))
		}
	}

	return prefix + hex.EncodeToString(digest.Sum(nil))
}

// SynthesisResult is the caller-visible outcome of a narration request.
// Audio and Subtitle are paths (or download URLs) of the produced artifacts.
// Partial means at least one constituent segment failed; partial results are
// never written to the result cache.
type SynthesisResult struct {
	Audio    string `json:"audio"`
	Subtitle string `json:"srt"`
	Partial  bool   `json:"partial,omitempty"`
}
