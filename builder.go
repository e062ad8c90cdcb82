package signalr

import (
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
)

// HubConnectionBuilder accumulates the configuration for a HubConnection.
// Every With* method returns the builder; the first invalid setting is
// remembered and returned by Build.
type HubConnectionBuilder struct {
	config clientConfig
	info   StructuredLogger
	dbg    StructuredLogger
	err    error
}

func NewHubConnectionBuilder() *HubConnectionBuilder {
	return &HubConnectionBuilder{config: defaultClientConfig()}
}

// WithURL sets the base URL used for negotiation and the transport.
func (b *HubConnectionBuilder) WithURL(url string) *HubConnectionBuilder {
	b.config.URL = url
	return b
}

// SkipNegotiation connects the transport directly without the negotiate
// exchange. The connection id is generated locally.
func (b *HubConnectionBuilder) SkipNegotiation() *HubConnectionBuilder {
	b.config.SkipNegotiation = true
	return b
}

// WithHTTPHeaders adds headers to all outbound HTTP and websocket requests.
func (b *HubConnectionBuilder) WithHTTPHeaders(headers http.Header) *HubConnectionBuilder {
	b.config.Headers = headers
	return b
}

// WithHTTPClient sets the http client used for negotiation. It is not used
// for the websocket connection.
func (b *HubConnectionBuilder) WithHTTPClient(client Doer) *HubConnectionBuilder {
	if client == nil {
		b.setErr(errors.New("http client cannot be nil"))
		return b
	}
	b.config.HTTPClient = client
	return b
}

// WithWebsocketFactory replaces the gorilla/websocket based default client.
func (b *HubConnectionBuilder) WithWebsocketFactory(factory WebsocketClientFactory) *HubConnectionBuilder {
	if factory == nil {
		b.setErr(errors.New("websocket factory cannot be nil"))
		return b
	}
	b.config.WebsocketFactory = factory
	return b
}

// WithAutomaticReconnect enables reconnection with the given backoff delays.
// Without delays the default sequence 0s, 2s, 10s, 30s is used; after the
// last entry every further attempt repeats it.
func (b *HubConnectionBuilder) WithAutomaticReconnect(delays ...time.Duration) *HubConnectionBuilder {
	b.config.AutoReconnect = true
	b.config.ReconnectPolicy = newSequenceBackOff(delays)
	return b
}

// WithReconnectPolicy enables reconnection with an arbitrary backoff policy.
func (b *HubConnectionBuilder) WithReconnectPolicy(policy backoff.BackOff) *HubConnectionBuilder {
	if policy == nil {
		b.setErr(errors.New("reconnect policy cannot be nil"))
		return b
	}
	b.config.AutoReconnect = true
	b.config.ReconnectPolicy = policy
	return b
}

// WithMaxReconnectAttempts caps the reconnect attempts; -1 means infinite.
func (b *HubConnectionBuilder) WithMaxReconnectAttempts(attempts int) *HubConnectionBuilder {
	b.config.MaxReconnectAttempts = attempts
	return b
}

// WithHandshakeTimeout bounds the wait for the server's handshake response.
func (b *HubConnectionBuilder) WithHandshakeTimeout(timeout time.Duration) *HubConnectionBuilder {
	b.config.HandshakeTimeout = timeout
	return b
}

// WithServerTimeout sets the maximum silence from the server before the
// connection is considered dead.
func (b *HubConnectionBuilder) WithServerTimeout(timeout time.Duration) *HubConnectionBuilder {
	b.config.ServerTimeout = timeout
	return b
}

// WithKeepAliveInterval sets the interval between pings.
func (b *HubConnectionBuilder) WithKeepAliveInterval(interval time.Duration) *HubConnectionBuilder {
	b.config.KeepAliveInterval = interval
	return b
}

// WithConnectTimeout bounds the websocket open.
func (b *HubConnectionBuilder) WithConnectTimeout(timeout time.Duration) *HubConnectionBuilder {
	b.config.ConnectTimeout = timeout
	return b
}

// WithReceiveQueueLimit bounds the inbound message queue. On overflow the
// oldest message is dropped.
func (b *HubConnectionBuilder) WithReceiveQueueLimit(limit int) *HubConnectionBuilder {
	if limit < 1 {
		b.setErr(errors.New("receive queue limit must be at least 1"))
		return b
	}
	b.config.ReceiveQueueLimit = limit
	return b
}

// WithScheduler replaces the lazily created default scheduler.
func (b *HubConnectionBuilder) WithScheduler(scheduler Scheduler) *HubConnectionBuilder {
	b.config.Scheduler = scheduler
	return b
}

// WithLogger logs logfmt lines to writer, filtered by level.
func (b *HubConnectionBuilder) WithLogger(writer io.Writer, level TraceLevel) *HubConnectionBuilder {
	b.info, b.dbg = newTraceLogger(writer, level)
	return b
}

// WithStructuredLogger installs a go-kit style logger. If debug is true,
// debug log events are generated, too.
func (b *HubConnectionBuilder) WithStructuredLogger(logger StructuredLogger, debug bool) *HubConnectionBuilder {
	if logger == nil {
		b.setErr(errors.New("logger cannot be nil"))
		return b
	}
	info, dbg := buildInfoDebugLogger(log.LoggerFunc(logger.Log), debug)
	b.info, b.dbg = info, dbg
	return b
}

func (b *HubConnectionBuilder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Build binds the accumulated configuration into a HubConnection. The
// scheduler is created here when none was injected.
func (b *HubConnectionBuilder) Build() (HubConnection, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.config.URL == "" {
		return nil, errors.New("cannot build a hub connection without a url")
	}
	info, dbg := b.info, b.dbg
	if info == nil {
		info, dbg = newTraceLogger(os.Stderr, TraceLevelInfo)
	}
	config := b.config
	if config.Scheduler == nil {
		config.Scheduler = newDefaultScheduler(info, defaultWorkerCount)
	}
	return newHubConnection(config, config.Scheduler, info, dbg)
}
