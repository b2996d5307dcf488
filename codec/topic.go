package codec

import "strings"

// topicSegments splits a topic or pattern into its '/'-delimited parts.
func topicSegments(s string) []string {
	return strings.Split(s, "/")
}

// matchTopic reports whether topic matches pattern, where pattern may
// use a single-level '+' wildcard and a trailing multi-level '#'
// wildcard, per the bus's topic grammar.
func matchTopic(pattern, topic string) bool {
	pSegs := topicSegments(pattern)
	tSegs := topicSegments(topic)

	for i, p := range pSegs {
		if p == "#" {
			// '#' must be the last pattern segment and matches the
			// remainder, including zero segments.
			return i == len(pSegs)-1
		}
		if i >= len(tSegs) {
			return false
		}
		if p == "+" {
			continue
		}
		if p != tSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(tSegs)
}

// specificity scores a pattern so the registry can resolve the most
// specific match first: literal segments outrank '+', which outranks
// a trailing '#'. Longer patterns (more segments pinned down) score
// higher than shorter ones.
func specificity(pattern string) int {
	segs := topicSegments(pattern)
	score := 0
	for _, s := range segs {
		switch s {
		case "#":
			score += 0
		case "+":
			score += 1
		default:
			score += 3
		}
	}
	return score
}
