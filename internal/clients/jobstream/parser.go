package jobstream

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Event is one fully parsed event off the wire.
type Event struct {
	// Type is the value of the event: field, empty when the server sent none.
	Type string
	// ID is the event cursor in effect when the event was dispatched.
	ID string
	// Data is the raw payload, multi-line values newline-joined.
	Data string
	// Decoded is the JSON decode of Data, nil when Data is not valid JSON.
	Decoded any
	// RetryMillis is the server's reconnect hint, 0 when absent.
	RetryMillis int
}

// parser is an incremental text/event-stream decoder. Feed it raw body chunks
// in any split; it carries the trailing partial line across calls.
type parser struct {
	partial   strings.Builder
	eventType string
	dataLines []string
	lastID    string
	retry     int
}

func (p *parser) feed(chunk []byte, emit func(Event)) {
	p.partial.Write(chunk)
	text := p.partial.String()
	p.partial.Reset()

	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			// Possibly incomplete line, keep for the next chunk.
			p.partial.WriteString(text)
			return
		}
		line := strings.TrimSuffix(text[:idx], "\r")
		text = text[idx+1:]
		p.line(line, emit)
	}
}

// finish flushes a pending event at end of stream (final event may lack the
// trailing blank line).
func (p *parser) finish(emit func(Event)) {
	if tail := p.partial.String(); tail != "" {
		p.partial.Reset()
		p.line(strings.TrimSuffix(tail, "\r"), emit)
	}
	p.dispatch(emit)
}

func (p *parser) line(line string, emit func(Event)) {
	if line == "" {
		p.dispatch(emit)
		return
	}
	if strings.HasPrefix(line, ":") {
		return
	}

	field := line
	value := ""
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		field = line[:idx]
		value = line[idx+1:]
		// Exactly one leading space after the colon is framing, not payload.
		value = strings.TrimPrefix(value, " ")
	}

	switch field {
	case "event":
		p.eventType = value
	case "data":
		p.dataLines = append(p.dataLines, value)
	case "id":
		p.lastID = value
	case "retry":
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n >= 0 {
			p.retry = n
		}
	default:
		// Unknown fields are ignored, not errors.
	}
}

func (p *parser) dispatch(emit func(Event)) {
	if len(p.dataLines) == 0 {
		p.eventType = ""
		return
	}
	ev := Event{
		Type:        p.eventType,
		ID:          p.lastID,
		Data:        strings.Join(p.dataLines, "\n"),
		RetryMillis: p.retry,
	}
	p.eventType = ""
	p.dataLines = nil

	var decoded any
	if err := json.Unmarshal([]byte(ev.Data), &decoded); err == nil {
		ev.Decoded = decoded
	}
	emit(ev)
}
