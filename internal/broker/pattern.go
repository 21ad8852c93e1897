package broker

import "strings"

// matcher is a compiled channel-pattern matcher. Patterns are colon-segmented
// globs: "*" matches exactly one segment, "**" matches one or more trailing
// segments and must be the final pattern segment.
type matcher struct {
	segments []string
	trailing bool // pattern ends in "**"
}

func compilePattern(pattern string) matcher {
	segs := strings.Split(pattern, ":")
	m := matcher{segments: segs}
	if len(segs) > 0 && segs[len(segs)-1] == "**" {
		m.trailing = true
		m.segments = segs[:len(segs)-1]
	}
	return m
}

func (m matcher) match(channel string) bool {
	segs := strings.Split(channel, ":")
	if m.trailing {
		if len(segs) < len(m.segments) {
			return false
		}
	} else if len(segs) != len(m.segments) {
		return false
	}
	for i, p := range m.segments {
		if p == "*" {
			continue
		}
		if p != segs[i] {
			return false
		}
	}
	return true
}
