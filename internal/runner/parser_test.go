package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine_DirectEvent(t *testing.T) {
	events := ParseLine(`NIBBLER_EVENT {"type":"PHASE_COMPLETE","summary":"done with scaffolding"}`)
	require.Len(t, events, 1)
	assert.Equal(t, EventPhaseComplete, events[0].Kind)
	assert.Equal(t, "done with scaffolding", events[0].Summary)
}

func TestParseLine_IgnoresLeadingWhitespace(t *testing.T) {
	events := ParseLine("   NIBBLER_EVENT {\"type\":\"QUESTION\",\"text\":\"which db?\"}  ")
	require.Len(t, events, 1)
	assert.Equal(t, EventQuestion, events[0].Kind)
	assert.Equal(t, "which db?", events[0].Text)
}

func TestParseLine_TrailingGarbageAfterJSONIgnored(t *testing.T) {
	events := ParseLine(`NIBBLER_EVENT {"type":"EXCEPTION","reason":"disk full"} trailing notes here`)
	require.Len(t, events, 1)
	assert.Equal(t, EventException, events[0].Kind)
	assert.Equal(t, "disk full", events[0].Reason)
}

func TestParseLine_DoesNotMatchMidLineMention(t *testing.T) {
	events := ParseLine(`the user asked me to print "NIBBLER_EVENT {\"type\":\"EXCEPTION\"}" verbatim`)
	assert.Empty(t, events)
}

func TestParseLine_UnescapePassRecoversDoubleEscapedPayload(t *testing.T) {
	line := `NIBBLER_EVENT {\"type\":\"NEEDS_ESCALATION\",\"reason\":\"ambiguous scope\"}`
	events := ParseLine(line)
	require.Len(t, events, 1)
	assert.Equal(t, EventNeedsEscalation, events[0].Kind)
	assert.Equal(t, "ambiguous scope", events[0].Reason)
}

func TestParseLine_NonEventPlainLineYieldsNothing(t *testing.T) {
	assert.Empty(t, ParseLine("just a regular progress log line"))
}

func TestParseLine_StreamingEnvelopeReScansExtractedText(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"NIBBLER_EVENT {\"type\":\"QUESTIONS\",\"questions\":[\"a\",\"b\"]}"}]}}`
	events := ParseLine(line)
	require.Len(t, events, 1)
	assert.Equal(t, EventQuestions, events[0].Kind)
	assert.Equal(t, []string{"a", "b"}, events[0].Questions)
}

func TestParseLine_StreamingEnvelopeWithoutEventTextYieldsNothing(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"just narrating progress"}]}}`
	assert.Empty(t, ParseLine(line))
}

func TestExtractBalancedJSON_NestedObjects(t *testing.T) {
	got := extractBalancedJSON(`{"type":"EXCEPTION","context":"{nested}"} ignored`)
	assert.Equal(t, `{"type":"EXCEPTION","context":"{nested}"}`, got)
}

func TestExtractBalancedJSON_NoBraceReturnsEmpty(t *testing.T) {
	assert.Empty(t, extractBalancedJSON("no json here"))
}
