package envelope_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosey-chat/rosey-core/internal/envelope"
)

type payload struct {
	Answer string `json:"answer"`
}

func TestNewDefaultsPriorityAndGeneratesCorrelationID(t *testing.T) {
	e, err := envelope.New("rosey.commands.trivia.answer", "trivia.answer", "trivia-plugin", payload{Answer: "42"})
	require.NoError(t, err)
	assert.Equal(t, envelope.PriorityNormal, e.Priority)
	assert.NotEmpty(t, e.CorrelationID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e, err := envelope.New("rosey.commands.trivia.answer", "trivia.answer", "trivia-plugin", payload{Answer: "42"})
	require.NoError(t, err)
	e.WithMetadata("channel", "general")

	b, err := envelope.Encode(e)
	require.NoError(t, err)

	decoded, err := envelope.Decode(b)
	require.NoError(t, err)

	assert.Equal(t, e.Subject, decoded.Subject)
	assert.Equal(t, e.EventType, decoded.EventType)
	assert.Equal(t, e.Source, decoded.Source)
	assert.Equal(t, e.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, e.Priority, decoded.Priority)
	assert.Equal(t, e.Metadata, decoded.Metadata)

	var p payload
	require.NoError(t, decoded.DecodeData(&p))
	assert.Equal(t, "42", p.Answer)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	e := &envelope.Envelope{}
	assert.Error(t, e.Validate())

	e = &envelope.Envelope{Subject: "rosey.x", EventType: "t", Source: "s"}
	assert.Error(t, e.Validate(), "data is required")

	e = &envelope.Envelope{Subject: "rosey.x", EventType: "t", Source: "s", Data: json.RawMessage(`{}`)}
	assert.NoError(t, e.Validate())
	assert.Equal(t, envelope.PriorityNormal, e.Priority)
}

func TestMarshalJSONEncodesTimestampAsEpochSeconds(t *testing.T) {
	e, err := envelope.New("rosey.commands.trivia.answer", "trivia.answer", "trivia-plugin", payload{Answer: "42"})
	require.NoError(t, err)

	b, err := envelope.Encode(e)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	ts, ok := raw["timestamp"].(float64)
	require.True(t, ok, "timestamp must decode as a JSON number")
	assert.InDelta(t, float64(e.Timestamp.Unix()), ts, 1)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := envelope.Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestWithCorrelationIDPropagation(t *testing.T) {
	req, err := envelope.New("rosey.commands.trivia.answer", "trivia.answer", "trivia-plugin", payload{})
	require.NoError(t, err)

	reply, err := envelope.New("rosey.commands.trivia.reply", "trivia.reply", "trivia-plugin", payload{})
	require.NoError(t, err)
	reply.WithCorrelationID(req.CorrelationID)

	assert.Equal(t, req.CorrelationID, reply.CorrelationID)
}
