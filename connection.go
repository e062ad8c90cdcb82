package signalr

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ConnectionState is the public state of a hub connection. Transitions are
// strictly serialized; only the connection and its internal tasks mutate it.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// connection wires negotiation, the transport and the receive pump together
// and publishes state and connection id. The hub connection layers handshake,
// keepalive and reconnection on top of it.
type connection struct {
	mx           sync.Mutex
	state        ConnectionState
	connectionID string
	transport    transport
	config       clientConfig

	onMessageReceived func(message []byte)
	onDisconnected    func(err error)

	stopCallbackMx sync.Mutex
	stopCallbacks  []func(error)

	info StructuredLogger
	dbg  StructuredLogger
}

func newConnection(config clientConfig, info StructuredLogger, dbg StructuredLogger) *connection {
	return &connection{
		state:  Disconnected,
		config: config,
		info:   info,
		dbg:    dbg,
	}
}

func (c *connection) State() ConnectionState {
	defer c.mx.Unlock()
	c.mx.Lock()
	return c.state
}

func (c *connection) ConnectionID() string {
	defer c.mx.Unlock()
	c.mx.Lock()
	return c.connectionID
}

func (c *connection) SetOnMessageReceived(handler func(message []byte)) {
	defer c.mx.Unlock()
	c.mx.Lock()
	c.onMessageReceived = handler
}

func (c *connection) SetOnDisconnected(handler func(err error)) {
	defer c.mx.Unlock()
	c.mx.Lock()
	c.onDisconnected = handler
}

func (c *connection) changeStateLocked(state ConnectionState) {
	_ = c.dbg.Log(evt, "state changed", "from", c.state.String(), "to", state.String())
	c.state = state
}

// Start negotiates (unless skipped), opens the transport and installs the
// receive pump. callback fires once with the outcome; on failure the state
// is Disconnected again.
func (c *connection) Start(callback func(error)) {
	c.mx.Lock()
	if c.state != Disconnected {
		state := c.state
		c.mx.Unlock()
		callback(&InvalidStateError{Operation: "start", State: state})
		return
	}
	c.changeStateLocked(Connecting)
	c.mx.Unlock()

	go func() {
		address := c.config.URL
		connectionToken := ""
		if c.config.SkipNegotiation {
			c.setConnectionID(uuid.New().String())
		} else {
			response, finalURL, err := negotiate(context.Background(), c.config.HTTPClient, address, c.config.Headers, c.config.HTTPRequestTimeout)
			if err != nil {
				c.failStart(err, callback)
				return
			}
			if !response.hasTransport(TransportWebSockets) {
				c.failStart(errors.New("the server does not support the WebSockets transport"), callback)
				return
			}
			address = finalURL
			connectionToken = response.ConnectionToken
			c.setConnectionID(response.ConnectionID)
		}

		wsURL, err := buildTransportURL(address, connectionToken)
		if err != nil {
			c.failStart(err, callback)
			return
		}

		client := c.config.WebsocketFactory(c.config.Headers)
		t := newWebSocketTransport(client, c.config, c.info, c.dbg)
		c.mx.Lock()
		if c.state != Connecting {
			// a concurrent stop won the race
			c.mx.Unlock()
			callback(ErrCanceled)
			return
		}
		c.transport = t
		c.mx.Unlock()
		t.Start(wsURL, func(err error) {
			if err != nil {
				c.mx.Lock()
				c.transport = nil
				c.mx.Unlock()
				c.failStart(err, callback)
				return
			}
			c.receiveLoop()
			callback(nil)
		})
	}()
}

func (c *connection) failStart(err error, callback func(error)) {
	c.mx.Lock()
	c.changeStateLocked(Disconnected)
	c.mx.Unlock()
	callback(err)
}

// markConnected completes the start sequence once the hub's handshake
// resolved successfully.
func (c *connection) markConnected() {
	defer c.mx.Unlock()
	c.mx.Lock()
	if c.state == Connecting {
		c.changeStateLocked(Connected)
	}
}

func (c *connection) setConnectionID(id string) {
	defer c.mx.Unlock()
	c.mx.Lock()
	c.connectionID = id
}

// receiveLoop re-arms the transport's one-shot receive continuation. Each
// delivered message runs on a transport executor goroutine, so the re-arm
// does not grow any stack.
func (c *connection) receiveLoop() {
	c.mx.Lock()
	t := c.transport
	handler := c.onMessageReceived
	c.mx.Unlock()
	if t == nil {
		return
	}
	t.Receive(func(message []byte, err error) {
		if err != nil {
			c.handleTransportError(err)
			return
		}
		if handler != nil {
			handler(message)
		}
		c.receiveLoop()
	})
}

func (c *connection) handleTransportError(err error) {
	c.mx.Lock()
	state := c.state
	c.mx.Unlock()
	if state == Disconnecting || state == Disconnected {
		// the stop path resolves the pending receive; nothing to report
		return
	}
	_ = c.info.Log(evt, msgRecv, "error", err, react, "close connection")
	c.Stop(func(error) {}, err)
}

// Send forwards one payload to the transport. Sending is allowed while
// Connecting so the handshake frame can go out before the connection is
// marked Connected.
func (c *connection) Send(payload []byte, callback func(error)) {
	c.mx.Lock()
	t := c.transport
	state := c.state
	c.mx.Unlock()
	if t == nil || state == Disconnected || state == Disconnecting {
		callback(&InvalidStateError{Operation: "send", State: state})
		return
	}
	t.Send(payload, callback)
}

// Stop tears the connection down. It is idempotent; concurrent stops join
// the in-flight one and all their callbacks fire with the same outcome.
// cause is handed to the disconnected handler: nil for a graceful stop, the
// triggering error otherwise.
func (c *connection) Stop(callback func(error), cause error) {
	c.mx.Lock()
	if c.state == Disconnected {
		c.mx.Unlock()
		_ = c.dbg.Log(evt, "stop ignored because the connection is already disconnected")
		callback(nil)
		return
	}
	c.mx.Unlock()

	c.stopCallbackMx.Lock()
	c.stopCallbacks = append(c.stopCallbacks, callback)
	if len(c.stopCallbacks) > 1 {
		c.stopCallbackMx.Unlock()
		_ = c.info.Log(evt, "stop is already in progress, waiting for it to finish")
		return
	}
	c.stopCallbackMx.Unlock()

	go c.shutdown(cause)
}

func (c *connection) shutdown(cause error) {
	c.mx.Lock()
	if c.state == Disconnected {
		// a concurrent shutdown finished first; only its late-joined
		// callbacks are left to run
		c.mx.Unlock()
		c.drainStopCallbacks()
		return
	}
	c.changeStateLocked(Disconnecting)
	t := c.transport
	c.transport = nil
	c.mx.Unlock()

	if t != nil {
		done := make(chan struct{})
		t.Stop(func(error) { close(done) })
		<-done
	}

	c.mx.Lock()
	c.changeStateLocked(Disconnected)
	onDisconnected := c.onDisconnected
	c.mx.Unlock()

	c.drainStopCallbacks()

	if onDisconnected != nil {
		onDisconnected(cause)
	}
}

func (c *connection) drainStopCallbacks() {
	for {
		c.stopCallbackMx.Lock()
		callbacks := c.stopCallbacks
		c.stopCallbacks = nil
		c.stopCallbackMx.Unlock()
		if len(callbacks) == 0 {
			return
		}
		for _, callback := range callbacks {
			callback(nil)
		}
	}
}
