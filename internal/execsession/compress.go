package execsession

import (
	"fmt"
	"strconv"
	"strings"
)

// smartCompress collapses consecutive duplicate lines and monotonic
// numeric sequences into single summary lines, to keep chatty build/test
// output readable in a tail.
func smartCompress(lines []string) []string {
	out := make([]string, 0, len(lines))
	i := 0
	for i < len(lines) {
		if j := runOfDuplicates(lines, i); j > i+1 {
			out = append(out, fmt.Sprintf("%s (x%d)", lines[i], j-i))
			i = j
			continue
		}
		if j, step := runOfMonotonicNumbers(lines, i); j > i+2 {
			out = append(out, fmt.Sprintf("%s..%s (%d lines, step %d)", lines[i], lines[j-1], j-i, step))
			i = j
			continue
		}
		out = append(out, lines[i])
		i++
	}
	return out
}

func runOfDuplicates(lines []string, start int) int {
	j := start + 1
	for j < len(lines) && lines[j] == lines[start] {
		j++
	}
	return j
}

// runOfMonotonicNumbers finds the longest run starting at start of
// lines that parse as integers with a constant step between
// consecutive values, returning the exclusive end index and the step.
func runOfMonotonicNumbers(lines []string, start int) (int, int) {
	first, ok := parseLineInt(lines[start])
	if !ok {
		return start + 1, 0
	}
	if start+1 >= len(lines) {
		return start + 1, 0
	}
	second, ok := parseLineInt(lines[start+1])
	if !ok {
		return start + 1, 0
	}
	step := second - first
	if step == 0 {
		return start + 1, 0
	}
	j := start + 2
	prev := second
	for j < len(lines) {
		n, ok := parseLineInt(lines[j])
		if !ok || n-prev != step {
			break
		}
		prev = n
		j++
	}
	return j, step
}

func parseLineInt(s string) (int, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, false
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, false
	}
	return n, true
}
