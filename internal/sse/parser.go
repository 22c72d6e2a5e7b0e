// Package sse implements an incremental parser for the text/event-stream
// wire format. The parser is pure: callers feed it arbitrary chunks and
// prefix the returned remainder to the next chunk; event boundaries are
// reconstructed identically regardless of how the stream was split.
package sse

import (
	"strconv"
	"strings"
)

// Event is one framed unit of the stream, assembled from one or more field
// lines and terminated by a blank line.
type Event struct {
	Event string
	ID    string
	Retry int
	Data  string
}

// Parse splits buffer into complete events plus the unterminated tail.
// Multiple data: lines within one event are joined with \n. Lines starting
// with ':' are comments and ignored. An event that accumulated no fields
// (comments only) is not emitted.
func Parse(buffer string) ([]Event, string) {
	var events []Event

	// The last segment after the final newline is always incomplete.
	normalized := strings.ReplaceAll(buffer, "\r\n", "\n")
	cut := strings.LastIndexByte(normalized, '\n')
	if cut < 0 {
		return nil, buffer
	}
	complete := normalized[:cut+1]
	remainder := normalized[cut+1:]

	var current Event
	var dataLines []string
	dirty := false

	flush := func() {
		if !dirty {
			return
		}
		current.Data = strings.Join(dataLines, "\n")
		events = append(events, current)
		current = Event{}
		dataLines = nil
		dirty = false
	}

	lines := strings.Split(complete, "\n")
	// Split leaves a trailing empty element after the final newline; it is
	// not a blank line in the stream.
	lines = lines[:len(lines)-1]

	for _, line := range lines {
		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "data":
			dataLines = append(dataLines, value)
			dirty = true
		case "event":
			current.Event = value
			dirty = true
		case "id":
			current.ID = value
			dirty = true
		case "retry":
			if n, err := strconv.Atoi(value); err == nil {
				current.Retry = n
				dirty = true
			}
		}
	}

	// Anything accumulated without a terminating blank line belongs to the
	// remainder and is re-parsed on the next call.
	if dirty {
		var tail strings.Builder
		for _, line := range lines[len(lines)-pendingLineCount(lines):] {
			tail.WriteString(line)
			tail.WriteByte('\n')
		}
		tail.WriteString(remainder)
		return events, tail.String()
	}

	return events, remainder
}

// pendingLineCount returns how many trailing lines belong to the event that
// has not yet seen its terminating blank line.
func pendingLineCount(lines []string) int {
	count := 0
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] == "" {
			break
		}
		count++
	}
	return count
}

func splitField(line string) (string, string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field := line[:idx]
	value := line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value
}
