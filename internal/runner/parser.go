package runner

import (
	"encoding/json"
	"strings"
)

const eventPrefix = "NIBBLER_EVENT "

// wireEvent is the on-the-wire shape of a NIBBLER_EVENT payload.
type wireEvent struct {
	Type      string   `json:"type"`
	Summary   string   `json:"summary,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Context   string   `json:"context,omitempty"`
	Impact    string   `json:"impact,omitempty"`
	Text      string   `json:"text,omitempty"`
	Questions []string `json:"questions,omitempty"`
}

// ParseLine scans a single line of runner output for protocol events. A
// line that is itself a NIBBLER_EVENT yields at most one event. A line
// that looks like a higher-level streaming-JSON envelope (the shape
// agent CLIs emit for their own progress text) has its text fields
// extracted and re-scanned, which may yield zero, one, or (rarely, if
// the envelope batches several lines of text) more than one event.
func ParseLine(line string) []Event {
	trimmed := strings.TrimSpace(line)
	if event, ok := parseEventLine(trimmed); ok {
		return []Event{event}
	}

	text := extractEnvelopeText(trimmed)
	if text == "" {
		return nil
	}
	var events []Event
	for _, sub := range strings.Split(text, "\n") {
		if event, ok := parseEventLine(strings.TrimSpace(sub)); ok {
			events = append(events, event)
		}
	}
	return events
}

// parseEventLine recognizes a line beginning (after trimming) with the
// literal NIBBLER_EVENT prefix; anything else is never an event, even if
// it happens to contain that substring further in the line.
func parseEventLine(trimmed string) (Event, bool) {
	if !strings.HasPrefix(trimmed, eventPrefix) {
		return Event{}, false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(trimmed, eventPrefix))

	we, ok := decodeWireEvent(payload)
	if !ok {
		// Retry against an unescape pass over the whole payload: a runner
		// that double-escapes its event JSON (e.g. when relaying it through
		// an intermediate logging layer) leaves every delimiting quote
		// backslash-escaped, which defeats balanced-brace extraction on the
		// first attempt.
		we, ok = decodeWireEvent(unescapeJSON(payload))
		if !ok {
			return Event{}, false
		}
	}
	if we.Type == "" {
		return Event{}, false
	}

	return Event{
		Kind:      EventKind(we.Type),
		Summary:   we.Summary,
		Reason:    we.Reason,
		Context:   we.Context,
		Impact:    we.Impact,
		Text:      we.Text,
		Questions: we.Questions,
	}, true
}

// decodeWireEvent extracts the first balanced brace-delimited JSON object
// from payload and unmarshals it into a wireEvent.
func decodeWireEvent(payload string) (wireEvent, bool) {
	jsonText := extractBalancedJSON(payload)
	if jsonText == "" {
		return wireEvent{}, false
	}
	var we wireEvent
	if err := json.Unmarshal([]byte(jsonText), &we); err != nil {
		return wireEvent{}, false
	}
	return we, true
}

// extractBalancedJSON returns the first balanced brace-delimited JSON
// object in s, or "" if none is found.
func extractBalancedJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string, ignore brace characters
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

var jsonUnescapeReplacer = strings.NewReplacer(
	`\"`, `"`,
	`\n`, "\n",
	`\r`, "\r",
	`\t`, "\t",
	`\\`, `\`,
)

// unescapeJSON retries a malformed payload by collapsing common escape
// sequences, for runners that double-escape their event JSON when
// writing it through an intermediate logging layer.
func unescapeJSON(s string) string {
	return jsonUnescapeReplacer.Replace(s)
}

// envelope mirrors the handful of streaming-JSON shapes real agent CLIs
// emit to stdout; only the text-bearing fields are needed here, since the
// event protocol itself is re-derived by re-scanning the extracted text.
type envelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Result  string `json:"result"`
	Text    string `json:"text"`
	Message *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Item *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
	Response string `json:"response"`
}

// extractEnvelopeText pulls human-readable text out of a JSON streaming
// envelope line, so its content can be re-scanned for NIBBLER_EVENT
// markers the agent embedded inside its own narrated output.
func extractEnvelopeText(line string) string {
	if line == "" || !strings.HasPrefix(line, "{") {
		return ""
	}
	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return ""
	}

	if env.Type == "result" && env.Subtype == "success" {
		if env.Result != "" {
			return env.Result
		}
		if env.Response != "" {
			return env.Response
		}
	}
	if env.Type == "assistant" && env.Message != nil {
		for _, c := range env.Message.Content {
			if c.Type == "text" && c.Text != "" {
				return c.Text
			}
		}
	}
	if env.Type == "text" && env.Text != "" {
		return env.Text
	}
	if env.Type == "item.completed" && env.Item != nil && env.Item.Type == "agent_message" {
		return env.Item.Text
	}
	return ""
}
