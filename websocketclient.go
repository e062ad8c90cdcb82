package signalr

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketClient is the event-driven byte-stream layer under the websocket
// transport. Data and close events fire on the client's own read loop; the
// transport bridges them to its pull-style receive contract. Handlers must be
// installed before Start.
type WebsocketClient interface {
	OnData(handler func(data []byte))
	OnClose(handler func(err error))
	// Start dials url and blocks until the socket is open or timeout elapsed.
	Start(url string, timeout time.Duration) error
	Send(payload []byte, format TransferFormatType) error
	Stop() error
}

// WebsocketClientFactory builds the websocket client a connection uses.
// Injecting one replaces the gorilla/websocket default.
type WebsocketClientFactory func(headers http.Header) WebsocketClient

func newGorillaWebsocketClient(headers http.Header) WebsocketClient {
	return &gorillaWebsocketClient{headers: headers}
}

// gorillaWebsocketClient dials with gorilla/websocket and pumps inbound
// frames into the data handler from a dedicated read goroutine. Writes are
// serialized; gorilla connections support one concurrent writer only.
type gorillaWebsocketClient struct {
	mx       sync.Mutex
	conn     *websocket.Conn
	headers  http.Header
	onData   func(data []byte)
	onClose  func(err error)
	stopping bool
}

func (g *gorillaWebsocketClient) OnData(handler func(data []byte)) {
	g.onData = handler
}

func (g *gorillaWebsocketClient) OnClose(handler func(err error)) {
	g.onClose = handler
}

func (g *gorillaWebsocketClient) Start(url string, timeout time.Duration) error {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.Dial(url, g.headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("websocket dial %v: %w", url, err)
	}
	g.mx.Lock()
	g.conn = conn
	g.stopping = false
	g.mx.Unlock()
	go g.readPump(conn)
	return nil
}

func (g *gorillaWebsocketClient) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.mx.Lock()
			stopping := g.stopping
			g.mx.Unlock()
			if !stopping && g.onClose != nil {
				g.onClose(err)
			}
			return
		}
		if g.onData != nil {
			g.onData(data)
		}
	}
}

func (g *gorillaWebsocketClient) Send(payload []byte, format TransferFormatType) error {
	defer g.mx.Unlock()
	g.mx.Lock()
	if g.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	messageType := websocket.TextMessage
	if format == TransferFormatBinary {
		messageType = websocket.BinaryMessage
	}
	return g.conn.WriteMessage(messageType, payload)
}

func (g *gorillaWebsocketClient) Stop() error {
	g.mx.Lock()
	conn := g.conn
	g.conn = nil
	g.stopping = true
	g.mx.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}
