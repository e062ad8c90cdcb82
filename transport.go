package signalr

// transport is the pull-style contract the connection consumes. Receive
// installs a one-shot continuation: the callback fires exactly once with the
// next complete message or an error, and the connection calls Receive again
// afterwards. Implementations bridge whatever delivery model the underlying
// network client has to this contract.
type transport interface {
	// Start opens the transport. callback fires with nil once the underlying
	// socket is open, or with the error that prevented it (including the
	// connect timeout).
	Start(url string, callback func(error))
	// Stop drains and shuts down. callback fires when resources are released.
	Stop(callback func(error))
	// Send transmits one payload. callback fires on acknowledgment or error.
	Send(payload []byte, callback func(error))
	// Receive installs the one-shot continuation for the next message.
	Receive(callback func(message []byte, err error))
}
