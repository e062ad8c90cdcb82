package signalr

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
)

func testLoggers() (StructuredLogger, StructuredLogger) {
	return log.NewNopLogger(), log.NewNopLogger()
}

// testingWebsocketClient is an in-memory WebsocketClient. Tests play the
// server by pushing frames with serverSend and killing the socket with
// serverClose. With autoHandshake set it answers the client handshake with
// its handshake frame: an empty response unless the factory set another.
type testingWebsocketClient struct {
	mx sync.Mutex
	// eventMx serializes event delivery the way a real read pump does
	eventMx       sync.Mutex
	onData        func(data []byte)
	onClose       func(err error)
	startErr      error
	sendErr       error
	autoHandshake bool
	handshake     []byte
	started       bool
	sends         chan []byte
}

func newTestingWebsocketClient() *testingWebsocketClient {
	return &testingWebsocketClient{
		sends:     make(chan []byte, 100),
		handshake: []byte("{}\x1e"),
	}
}

func (c *testingWebsocketClient) OnData(handler func(data []byte)) {
	defer c.mx.Unlock()
	c.mx.Lock()
	c.onData = handler
}

func (c *testingWebsocketClient) OnClose(handler func(err error)) {
	defer c.mx.Unlock()
	c.mx.Lock()
	c.onClose = handler
}

func (c *testingWebsocketClient) Start(url string, timeout time.Duration) error {
	defer c.mx.Unlock()
	c.mx.Lock()
	if c.startErr != nil {
		return c.startErr
	}
	c.started = true
	return nil
}

func (c *testingWebsocketClient) Send(payload []byte, format TransferFormatType) error {
	c.mx.Lock()
	sendErr := c.sendErr
	autoHandshake := c.autoHandshake
	handshake := c.handshake
	c.mx.Unlock()
	if sendErr != nil {
		return sendErr
	}
	if autoHandshake && bytes.Contains(payload, []byte(`"protocol"`)) {
		go c.serverSend(handshake)
	}
	select {
	case c.sends <- payload:
	default:
	}
	return nil
}

func (c *testingWebsocketClient) Stop() error {
	defer c.mx.Unlock()
	c.mx.Lock()
	c.started = false
	return nil
}

func (c *testingWebsocketClient) serverSend(data []byte) {
	c.mx.Lock()
	onData := c.onData
	c.mx.Unlock()
	defer c.eventMx.Unlock()
	c.eventMx.Lock()
	if onData != nil {
		onData(data)
	}
}

func (c *testingWebsocketClient) serverClose(err error) {
	c.mx.Lock()
	onClose := c.onClose
	c.mx.Unlock()
	defer c.eventMx.Unlock()
	c.eventMx.Lock()
	if onClose != nil {
		onClose(err)
	}
}

// nextSend returns the next payload the client wrote, skipping ping and
// handshake frames.
func (c *testingWebsocketClient) nextSend(timeout time.Duration) ([]byte, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case payload := <-c.sends:
			if bytes.Contains(payload, []byte(`"type":6`)) || bytes.Contains(payload, []byte(`"protocol"`)) {
				continue
			}
			return payload, true
		case <-deadline:
			return nil, false
		}
	}
}

// testingWebsocketFactory hands out one fresh client per connection start
// and keeps them all for inspection.
type testingWebsocketFactory struct {
	mx            sync.Mutex
	clients       []*testingWebsocketClient
	autoHandshake bool
	startErr      error
	handshake     []byte
	created       chan *testingWebsocketClient
}

func newTestingWebsocketFactory(autoHandshake bool) *testingWebsocketFactory {
	return &testingWebsocketFactory{
		autoHandshake: autoHandshake,
		created:       make(chan *testingWebsocketClient, 100),
	}
}

func (f *testingWebsocketFactory) factory() WebsocketClientFactory {
	return func(headers http.Header) WebsocketClient {
		client := newTestingWebsocketClient()
		f.mx.Lock()
		client.autoHandshake = f.autoHandshake
		client.startErr = f.startErr
		if f.handshake != nil {
			client.handshake = f.handshake
		}
		f.clients = append(f.clients, client)
		f.mx.Unlock()
		select {
		case f.created <- client:
		default:
		}
		return client
	}
}

func (f *testingWebsocketFactory) clientCount() int {
	defer f.mx.Unlock()
	f.mx.Lock()
	return len(f.clients)
}

func (f *testingWebsocketFactory) lastClient() *testingWebsocketClient {
	defer f.mx.Unlock()
	f.mx.Lock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}
