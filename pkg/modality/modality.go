// Package modality defines the uniform streaming contract between a
// conversation session and the speech/language services that serve it.
//
// A backend advertises which of the four modalities it implements
// (audio-in, audio-out, text-in, text-out) together with the sample rates it
// accepts. A session requests a subset of those modalities; [Start] rejects
// any request the backend cannot satisfy with a [*ConfigurationError] before
// a connection to the service is made.
//
// Running backends are represented by an [Instance]: callers push caller
// audio and text in, and consume a single ordered [Output] channel that
// carries synthesized audio, transcripts and control signals. The output
// channel is closed when the instance ends; [Instance.Err] then reports why.
//
// This package lives under pkg/ because third-party backend adapters are
// expected to implement [Backend] and [Instance].
package modality

import (
	"fmt"
	"slices"
	"strings"
)

// Modality is one direction and medium of a conversation stream.
type Modality uint8

const (
	// AudioIn accepts caller audio.
	AudioIn Modality = 1 << iota

	// AudioOut emits synthesized audio.
	AudioOut

	// TextIn accepts caller text.
	TextIn

	// TextOut emits text such as transcripts or dialog responses.
	TextOut
)

var modalityNames = []struct {
	m    Modality
	name string
}{
	{AudioIn, "audio-in"},
	{AudioOut, "audio-out"},
	{TextIn, "text-in"},
	{TextOut, "text-out"},
}

// String returns the configuration name of a single modality.
func (m Modality) String() string {
	for _, n := range modalityNames {
		if n.m == m {
			return n.name
		}
	}
	return fmt.Sprintf("Modality(%d)", uint8(m))
}

// Set is a bit set of modalities.
type Set uint8

// NewSet builds a set from individual modalities.
func NewSet(ms ...Modality) Set {
	var s Set
	for _, m := range ms {
		s |= Set(m)
	}
	return s
}

// Has reports whether m is in the set.
func (s Set) Has(m Modality) bool { return s&Set(m) != 0 }

// Subset reports whether every modality in s is also in other.
func (s Set) Subset(other Set) bool { return s&^other == 0 }

// Missing returns the modalities in s that other lacks.
func (s Set) Missing(other Set) Set { return s &^ other }

// Empty reports whether the set has no modalities.
func (s Set) Empty() bool { return s == 0 }

// Names returns the configuration names of the set's modalities in canonical
// order.
func (s Set) Names() []string {
	var names []string
	for _, n := range modalityNames {
		if s.Has(n.m) {
			names = append(names, n.name)
		}
	}
	return names
}

func (s Set) String() string {
	if s.Empty() {
		return "{}"
	}
	return "{" + strings.Join(s.Names(), ",") + "}"
}

// ParseSet parses modality names such as "audio-in". Names are
// case-insensitive; an empty list yields an empty set.
func ParseSet(names []string) (Set, error) {
	var s Set
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		found := false
		for _, n := range modalityNames {
			if n.name == name {
				s |= Set(n.m)
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("modality: unknown modality %q", raw)
		}
	}
	return s, nil
}

// Capabilities describes what a backend can do. Values are constant for the
// lifetime of the [Backend].
type Capabilities struct {
	// Modalities is the set the backend implements.
	Modalities Set

	// SampleRates lists accepted canonical sample rates in preference order.
	// Empty means any rate is accepted.
	SampleRates []int
}

// SupportsRate reports whether rate is accepted.
func (c Capabilities) SupportsRate(rate int) bool {
	return len(c.SampleRates) == 0 || slices.Contains(c.SampleRates, rate)
}

// PreferredRate returns rate when it is supported, otherwise the backend's
// first advertised rate.
func (c Capabilities) PreferredRate(rate int) int {
	if c.SupportsRate(rate) {
		return rate
	}
	return c.SampleRates[0]
}
