package signalr

import (
	"encoding/json"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJSONProtocol() *jsonHubProtocol {
	p := &jsonHubProtocol{}
	p.setDebugLogger(log.NewNopLogger())
	return p
}

func TestWriteHandshakeFrame(t *testing.T) {
	p := newTestJSONProtocol()
	frame, err := p.WriteHandshake()
	require.NoError(t, err)
	assert.Equal(t, "{\"protocol\":\"json\",\"version\":1}\x1e", string(frame))
}

func TestParseHandshakeSuccessWithTrailingData(t *testing.T) {
	p := newTestJSONProtocol()
	trailing := "{\"type\":6}\x1e"
	remaining, response, err := p.ParseHandshake([]byte("{}\x1e" + trailing))
	require.NoError(t, err)
	assert.Empty(t, response.Error)
	assert.Nil(t, response.Type)
	assert.Equal(t, trailing, string(remaining))
}

func TestParseHandshakeError(t *testing.T) {
	p := newTestJSONProtocol()
	_, response, err := p.ParseHandshake([]byte("{\"error\":\"bad protocol\"}\x1e"))
	require.NoError(t, err)
	assert.Equal(t, "bad protocol", response.Error)
}

func TestParseHandshakeUnexpectedType(t *testing.T) {
	p := newTestJSONProtocol()
	_, response, err := p.ParseHandshake([]byte("{\"type\":6}\x1e"))
	require.NoError(t, err)
	require.NotNil(t, response.Type)
	assert.Equal(t, 6, *response.Type)
}

func TestParseHandshakeMalformed(t *testing.T) {
	p := newTestJSONProtocol()
	_, _, err := p.ParseHandshake([]byte("{\x1e"))
	assert.Error(t, err)
}

func TestInvocationMessageRoundTrip(t *testing.T) {
	p := newTestJSONProtocol()
	frame, err := p.WriteMessage(invocationMessage{
		Type:         1,
		InvocationID: "42",
		Target:       "Add",
		Arguments:    []interface{}{2, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, byte(recordSeparator), frame[len(frame)-1])

	messages, err := p.ParseMessages(frame)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	invocation, ok := messages[0].(invocationMessage)
	require.True(t, ok)
	assert.Equal(t, 1, invocation.Type)
	assert.Equal(t, "42", invocation.InvocationID)
	assert.Equal(t, "Add", invocation.Target)
	require.Len(t, invocation.Arguments, 2)
	var first, second int
	require.NoError(t, p.UnmarshalArgument(invocation.Arguments[0], &first))
	require.NoError(t, p.UnmarshalArgument(invocation.Arguments[1], &second))
	assert.Equal(t, 2, first)
	assert.Equal(t, 3, second)
}

func TestParseMessagesToleratesStrippedSeparator(t *testing.T) {
	p := newTestJSONProtocol()
	withSeparator := []byte("{\"type\":6}\x1e")
	stripped := []byte("{\"type\":6}")

	m1, err := p.ParseMessages(withSeparator)
	require.NoError(t, err)
	m2, err := p.ParseMessages(stripped)
	require.NoError(t, err)
	assert.Equal(t, m1, m2)
}

func TestParseMessagesMultipleFrames(t *testing.T) {
	p := newTestJSONProtocol()
	data := []byte("{\"type\":6}\x1e{\"type\":1,\"target\":\"X\",\"arguments\":[]}\x1e")
	messages, err := p.ParseMessages(data)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	ping, ok := messages[0].(hubMessage)
	require.True(t, ok)
	assert.Equal(t, 6, ping.Type)
	invocation, ok := messages[1].(invocationMessage)
	require.True(t, ok)
	assert.Equal(t, "X", invocation.Target)
	assert.Empty(t, invocation.Arguments)
}

func TestParseMessagesCompletionVariants(t *testing.T) {
	p := newTestJSONProtocol()

	messages, err := p.ParseMessages([]byte("{\"type\":3,\"invocationId\":\"1\",\"result\":5}\x1e"))
	require.NoError(t, err)
	require.Len(t, messages, 1)
	completion := messages[0].(completionMessage)
	assert.Equal(t, "1", completion.InvocationID)
	var result int
	require.NoError(t, p.UnmarshalArgument(completion.Result, &result))
	assert.Equal(t, 5, result)
	assert.Empty(t, completion.Error)

	messages, err = p.ParseMessages([]byte("{\"type\":3,\"invocationId\":\"2\",\"error\":\"kaboom\"}\x1e"))
	require.NoError(t, err)
	completion = messages[0].(completionMessage)
	assert.Equal(t, "kaboom", completion.Error)
	assert.Nil(t, completion.Result)
}

func TestParseMessagesCloseMessage(t *testing.T) {
	p := newTestJSONProtocol()
	messages, err := p.ParseMessages([]byte("{\"type\":7,\"error\":\"bye\",\"allowReconnect\":true}\x1e"))
	require.NoError(t, err)
	cm := messages[0].(closeMessage)
	assert.Equal(t, "bye", cm.Error)
	assert.True(t, cm.AllowReconnect)
}

func TestParseMessagesStreamAndCancelTypes(t *testing.T) {
	p := newTestJSONProtocol()

	messages, err := p.ParseMessages([]byte("{\"type\":2,\"invocationId\":\"1\",\"item\":\"x\"}\x1e"))
	require.NoError(t, err)
	_, ok := messages[0].(streamItemMessage)
	assert.True(t, ok)

	messages, err = p.ParseMessages([]byte("{\"type\":4,\"target\":\"S\",\"invocationId\":\"1\",\"arguments\":[]}\x1e"))
	require.NoError(t, err)
	invocation, ok := messages[0].(invocationMessage)
	require.True(t, ok)
	assert.Equal(t, 4, invocation.Type)

	messages, err = p.ParseMessages([]byte("{\"type\":5,\"invocationId\":\"1\"}\x1e"))
	require.NoError(t, err)
	_, ok = messages[0].(cancelInvocationMessage)
	assert.True(t, ok)
}

func TestParseMessagesUnknownType(t *testing.T) {
	p := newTestJSONProtocol()
	messages, err := p.ParseMessages([]byte("{\"type\":9}\x1e"))
	require.NoError(t, err)
	message, ok := messages[0].(hubMessage)
	require.True(t, ok)
	assert.Equal(t, 9, message.Type)
}

func TestParseMessagesMalformedJSON(t *testing.T) {
	p := newTestJSONProtocol()
	_, err := p.ParseMessages([]byte("{\"type\":\x1e"))
	assert.Error(t, err)
	var jErr *jsonError
	assert.ErrorAs(t, err, &jErr)
}

func TestUnmarshalArgumentTypeMismatch(t *testing.T) {
	p := newTestJSONProtocol()
	var target int
	err := p.UnmarshalArgument(json.RawMessage(`"text"`), &target)
	assert.Error(t, err)
	err = p.UnmarshalArgument("not raw", &target)
	assert.Error(t, err)
}
