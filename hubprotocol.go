package signalr

// recordSeparator terminates every frame on the wire. It is a protocol
// constant, not configuration.
const recordSeparator = 0x1e

// hubProtocol encodes and decodes hub frames. The JSON protocol is the only
// implementation shipped; the interface keeps the slot open for a second
// wire format.
type hubProtocol interface {
	// WriteHandshake returns the one-shot frame advertising protocol name and version.
	WriteHandshake() ([]byte, error)
	// ParseHandshake consumes one separator-delimited handshake frame and
	// returns the bytes that follow it. Those bytes are regular messages.
	ParseHandshake(data []byte) (remaining []byte, response handshakeResponse, err error)
	// WriteMessage produces a wire frame including the trailing record separator.
	WriteMessage(message interface{}) ([]byte, error)
	// ParseMessages decodes every complete frame in data. A stripped trailing
	// separator is tolerated.
	ParseMessages(data []byte) ([]interface{}, error)
	// UnmarshalArgument decodes a deferred argument or result into value.
	UnmarshalArgument(argument interface{}, value interface{}) error
	TransferFormat() TransferFormatType
}

// Protocol
type hubMessage struct {
	Type int `json:"type"`
}

type invocationMessage struct {
	Type         int           `json:"type"`
	Target       string        `json:"target"`
	InvocationID string        `json:"invocationId,omitempty"`
	Arguments    []interface{} `json:"arguments"`
	StreamIds    []string      `json:"streamIds,omitempty"`
}

type completionMessage struct {
	Type         int         `json:"type"`
	InvocationID string      `json:"invocationId"`
	Result       interface{} `json:"result,omitempty"`
	Error        string      `json:"error,omitempty"`
}

type streamItemMessage struct {
	Type         int         `json:"type"`
	InvocationID string      `json:"invocationId"`
	Item         interface{} `json:"item"`
}

type cancelInvocationMessage struct {
	Type         int    `json:"type"`
	InvocationID string `json:"invocationId"`
}

type closeMessage struct {
	Type           int    `json:"type"`
	Error          string `json:"error,omitempty"`
	AllowReconnect bool   `json:"allowReconnect,omitempty"`
}

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// handshakeResponse is the map the server answers the handshake with:
// empty on success, an error text on rejection. A type field means the
// server skipped the handshake response, which is a protocol violation.
type handshakeResponse struct {
	Error string `json:"error,omitempty"`
	Type  *int   `json:"type,omitempty"`
}
