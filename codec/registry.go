package codec

import (
	"fmt"
	"log/slog"
	"sort"
)

// Decoder turns a topic (already split into path segments) and raw
// payload into an Event. Decoders must be pure and must not block.
type Decoder func(path []string, payload []byte) (Event, error)

// DecodeError is returned for malformed payloads or unknown-but-expected
// topics. It is never fatal: callers log and count it.
type DecodeError struct {
	Topic string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decode %s: %v", e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type registration struct {
	pattern     string
	specificity int
	order       int
	decode      Decoder
}

// Registry resolves a topic string to the most specific registered
// decoder and dispatches decoded payloads. Matching ties are broken by
// registration order, per spec §4.1.
type Registry struct {
	regs []registration
}

// NewRegistry returns a Registry pre-wired with the subscribed
// topics from spec §6.
func NewRegistry() *Registry {
	r := &Registry{}
	registerDefaults(r)
	return r
}

// Register binds pattern (MQTT-style, using '+' and '#' wildcards) to
// a decoder. Registration order matters only as a specificity tiebreak.
func (r *Registry) Register(pattern string, decode Decoder) {
	r.regs = append(r.regs, registration{
		pattern:     pattern,
		specificity: specificity(pattern),
		order:       len(r.regs),
		decode:      decode,
	})
}

// Patterns returns every distinct registered topic pattern, in
// registration order. The Bus Adapter subscribes to all of them on
// connect.
func (r *Registry) Patterns() []string {
	seen := make(map[string]bool, len(r.regs))
	out := make([]string, 0, len(r.regs))
	for _, reg := range r.regs {
		if seen[reg.pattern] {
			continue
		}
		seen[reg.pattern] = true
		out = append(out, reg.pattern)
	}
	return out
}

// Decode resolves topic against registered patterns and runs the most
// specific decoder found. Topics outside the "home/" hierarchy are
// silently ignored (nil, nil). An unmatched topic under "home/" that
// nothing claims is also ignored, since spec §4.1 only requires errors
// for topics that were expected but malformed.
func (r *Registry) Decode(topic string, payload []byte) (*Event, error) {
	segs := topicSegments(topic)
	if len(segs) == 0 || segs[0] != "home" {
		return nil, nil
	}

	candidates := make([]registration, 0, 1)
	for _, reg := range r.regs {
		if matchTopic(reg.pattern, topic) {
			candidates = append(candidates, reg)
		}
	}
	if len(candidates) == 0 {
		slog.Debug("codec: no decoder for topic", "topic", topic)
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].specificity != candidates[j].specificity {
			return candidates[i].specificity > candidates[j].specificity
		}
		return candidates[i].order < candidates[j].order
	})

	ev, err := candidates[0].decode(segs, payload)
	if err != nil {
		return nil, &DecodeError{Topic: topic, Err: err}
	}
	return &ev, nil
}
