// SPDX-License-Identifier: GPL-3.0-or-later

package devconn

import "bytes"

// bmhThreshold is the pattern length above which the search switches
// from the stdlib scan to Boyer-Moore-Horspool. Short patterns are
// faster with [bytes.Index], which uses vectorized byte scanning.
const bmhThreshold = 4

// patternIndex returns the index of the first occurrence of pattern in
// data, or -1 when absent. Matching is a literal byte-substring match.
func patternIndex(data, pattern []byte) int {
	if len(pattern) <= 0 || len(pattern) > len(data) {
		return -1
	}
	if len(pattern) <= bmhThreshold {
		return bytes.Index(data, pattern)
	}
	return bmhIndex(data, pattern)
}

// bmhIndex implements Boyer-Moore-Horspool. The skip table keeps the
// exchange receive loop's worst case near linear in collected bytes
// when the caller supplies a long expect pattern.
func bmhIndex(data, pattern []byte) int {
	var skip [256]int
	for i := range skip {
		skip[i] = len(pattern)
	}
	for i := 0; i < len(pattern)-1; i++ {
		skip[pattern[i]] = len(pattern) - 1 - i
	}
	last := len(pattern) - 1
	pos := 0
	for pos+last < len(data) {
		if data[pos+last] == pattern[last] && bytes.Equal(data[pos:pos+last], pattern[:last]) {
			return pos
		}
		pos += skip[data[pos+last]]
	}
	return -1
}
