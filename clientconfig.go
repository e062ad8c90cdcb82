package signalr

import (
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultHandshakeTimeout     = 15 * time.Second
	defaultServerTimeout        = 30 * time.Second
	defaultKeepAliveInterval    = 15 * time.Second
	defaultConnectTimeout       = 10 * time.Second
	defaultHTTPRequestTimeout   = 10 * time.Second
	defaultReceiveQueueLimit    = 50
	defaultReceiveExecutorLimit = 2
	// reconnectAttemptTimeout bounds a single reconnect start attempt.
	reconnectAttemptTimeout = 60 * time.Second
)

// clientConfig carries every tunable the builder can set. A zero value is
// not usable; defaultClientConfig supplies the defaults the builder starts
// from.
type clientConfig struct {
	URL                  string
	SkipNegotiation      bool
	Headers              http.Header
	HandshakeTimeout     time.Duration
	ServerTimeout        time.Duration
	KeepAliveInterval    time.Duration
	ConnectTimeout       time.Duration
	HTTPRequestTimeout   time.Duration
	ReceiveQueueLimit    int
	ReceiveExecutorLimit int
	AutoReconnect        bool
	ReconnectPolicy      backoff.BackOff
	MaxReconnectAttempts int
	HTTPClient           Doer
	WebsocketFactory     WebsocketClientFactory
	Scheduler            Scheduler
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		Headers:              http.Header{},
		HandshakeTimeout:     defaultHandshakeTimeout,
		ServerTimeout:        defaultServerTimeout,
		KeepAliveInterval:    defaultKeepAliveInterval,
		ConnectTimeout:       defaultConnectTimeout,
		HTTPRequestTimeout:   defaultHTTPRequestTimeout,
		ReceiveQueueLimit:    defaultReceiveQueueLimit,
		ReceiveExecutorLimit: defaultReceiveExecutorLimit,
		MaxReconnectAttempts: -1,
		HTTPClient:           http.DefaultClient,
		WebsocketFactory:     newGorillaWebsocketClient,
	}
}
