package signalr

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-kit/log"
)

// jsonHubProtocol is the JSON based SignalR hub protocol.
type jsonHubProtocol struct {
	dbg StructuredLogger
}

// jsonInvocationMessage keeps the arguments raw so they can be unmarshaled
// into the types the handler or invoker expects.
type jsonInvocationMessage struct {
	Type         int               `json:"type"`
	Target       string            `json:"target"`
	InvocationID string            `json:"invocationId"`
	Arguments    []json.RawMessage `json:"arguments"`
	StreamIds    []string          `json:"streamIds,omitempty"`
}

type jsonCompletionMessage struct {
	Type         int             `json:"type"`
	InvocationID string          `json:"invocationId"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

type jsonStreamItemMessage struct {
	Type         int             `json:"type"`
	InvocationID string          `json:"invocationId"`
	Item         json.RawMessage `json:"item"`
}

type jsonError struct {
	raw string
	err error
}

func (j *jsonError) Error() string {
	return fmt.Sprintf("%v (source: %v)", j.err, j.raw)
}

func (j *jsonError) Unwrap() error {
	return j.err
}

func (j *jsonHubProtocol) TransferFormat() TransferFormatType {
	return TransferFormatText
}

func (j *jsonHubProtocol) WriteHandshake() ([]byte, error) {
	data, err := json.Marshal(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		return nil, err
	}
	return append(data, recordSeparator), nil
}

func (j *jsonHubProtocol) ParseHandshake(data []byte) ([]byte, handshakeResponse, error) {
	frame := data
	var remaining []byte
	if i := bytes.IndexByte(data, recordSeparator); i >= 0 {
		frame = data[:i]
		remaining = data[i+1:]
	}
	response := handshakeResponse{}
	if err := json.Unmarshal(frame, &response); err != nil {
		return nil, handshakeResponse{}, &jsonError{string(frame), err}
	}
	return remaining, response, nil
}

// WriteMessage serializes message and appends the record separator.
func (j *jsonHubProtocol) WriteMessage(message interface{}) ([]byte, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	_ = j.dbg.Log(evt, "write", msg, string(data))
	return append(data, recordSeparator), nil
}

// ParseMessages decodes every complete frame in data. The transport may hand
// over messages with the trailing separator already stripped; those parse the
// same as separator-terminated data.
func (j *jsonHubProtocol) ParseMessages(data []byte) ([]interface{}, error) {
	if len(data) > 0 && data[len(data)-1] != recordSeparator {
		data = append(data, recordSeparator)
	}
	var messages []interface{}
	for {
		i := bytes.IndexByte(data, recordSeparator)
		if i < 0 {
			return messages, nil
		}
		frame := data[:i]
		data = data[i+1:]
		if len(frame) == 0 {
			continue
		}
		message, err := j.parseMessage(frame)
		if err != nil {
			return messages, err
		}
		messages = append(messages, message)
	}
}

func (j *jsonHubProtocol) parseMessage(frame []byte) (interface{}, error) {
	message := hubMessage{}
	if err := json.Unmarshal(frame, &message); err != nil {
		return nil, &jsonError{string(frame), err}
	}
	_ = j.dbg.Log(evt, "read", msg, string(frame))
	switch message.Type {
	case 1, 4:
		jsonInvocation := jsonInvocationMessage{}
		if err := json.Unmarshal(frame, &jsonInvocation); err != nil {
			return nil, &jsonError{string(frame), err}
		}
		arguments := make([]interface{}, len(jsonInvocation.Arguments))
		for i, a := range jsonInvocation.Arguments {
			arguments[i] = a
		}
		return invocationMessage{
			Type:         jsonInvocation.Type,
			Target:       jsonInvocation.Target,
			InvocationID: jsonInvocation.InvocationID,
			Arguments:    arguments,
			StreamIds:    jsonInvocation.StreamIds,
		}, nil
	case 2:
		streamItem := jsonStreamItemMessage{}
		if err := json.Unmarshal(frame, &streamItem); err != nil {
			return nil, &jsonError{string(frame), err}
		}
		return streamItemMessage{
			Type:         streamItem.Type,
			InvocationID: streamItem.InvocationID,
			Item:         streamItem.Item,
		}, nil
	case 3:
		completion := jsonCompletionMessage{}
		if err := json.Unmarshal(frame, &completion); err != nil {
			return nil, &jsonError{string(frame), err}
		}
		result := completionMessage{
			Type:         completion.Type,
			InvocationID: completion.InvocationID,
			Error:        completion.Error,
		}
		if completion.Result != nil {
			result.Result = completion.Result
		}
		return result, nil
	case 5:
		invocation := cancelInvocationMessage{}
		if err := json.Unmarshal(frame, &invocation); err != nil {
			return nil, &jsonError{string(frame), err}
		}
		return invocation, nil
	case 7:
		cm := closeMessage{}
		if err := json.Unmarshal(frame, &cm); err != nil {
			return nil, &jsonError{string(frame), err}
		}
		return cm, nil
	default:
		// ping and unknown types; the hub rejects the unknown ones
		return message, nil
	}
}

// UnmarshalArgument unmarshals a json.RawMessage into value.
func (j *jsonHubProtocol) UnmarshalArgument(argument interface{}, value interface{}) error {
	raw, ok := argument.(json.RawMessage)
	if !ok {
		return fmt.Errorf("argument %#v is not a json.RawMessage", argument)
	}
	if err := json.Unmarshal(raw, value); err != nil {
		return &jsonError{string(raw), err}
	}
	return nil
}

func (j *jsonHubProtocol) setDebugLogger(dbg StructuredLogger) {
	j.dbg = log.WithPrefix(dbg, "ts", log.DefaultTimestampUTC, "protocol", "JSON")
}
