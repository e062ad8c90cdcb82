package signalr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/teivah/onecontext"
)

// HubConnection is the client side of a SignalR hub: it invokes server
// methods, registers handlers the server may invoke, keeps the connection
// alive and reconnects after failures when configured.
//
//	Start() error
//
// Start negotiates, connects the transport and completes the handshake. It
// returns once the connection is Connected or with the error that prevented
// it.
//
//	Stop() error
//
// Stop tears the connection down gracefully and cancels a reconnect in
// progress. It is idempotent.
//
//	Invoke(method string, arguments ...interface{}) <-chan InvokeResult
//
// Invoke calls a hub method and returns a channel which delivers the
// server's completion or a client side error.
//
//	Send(method string, arguments ...interface{}) <-chan error
//
// Send calls a hub method without awaiting a completion; the channel fires
// once the frame went out.
//
//	On(target string, handler func(arguments []interface{})) error
//
// On registers a handler for invocations of target. Handlers can only be
// registered while the connection is Disconnected and a target is unique.
//
//	SetDisconnected(handler func(err error))
//
// SetDisconnected installs the callback that fires after every
// disconnection; err is nil for a graceful stop.
type HubConnection interface {
	Start() error
	Stop() error
	Invoke(method string, arguments ...interface{}) <-chan InvokeResult
	Send(method string, arguments ...interface{}) <-chan error
	On(target string, handler func(arguments []interface{})) error
	SetDisconnected(handler func(err error))
	ConnectionID() string
	State() ConnectionState
}

type hubConnection struct {
	conn      *connection
	protocol  hubProtocol
	callbacks *callbackManager
	config    clientConfig
	scheduler Scheduler

	subscriptionMx sync.Mutex
	subscriptions  map[string]func(arguments []interface{})

	handshakeMx       sync.Mutex
	handshakeEvent    *completionEvent
	handshakeReceived bool
	disconnectCts     *cancelationTokenSource

	cachedPing []byte

	// unix milliseconds; written by sends and receives, read by the
	// keepalive timer
	nextSendPing      atomic.Int64
	nextServerTimeout atomic.Int64

	disconnectedMx      sync.Mutex
	disconnectedHandler func(err error)

	// reconnect lock; ordered before the connection's stop-callback lock
	reconnectMx       sync.Mutex
	reconnecting      bool
	reconnectAttempts int
	reconnectCts      *cancelationTokenSource
	reconnectPolicy   backoff.BackOff
	stopRequested     bool

	info StructuredLogger
	dbg  StructuredLogger
}

func newHubConnection(config clientConfig, scheduler Scheduler, info StructuredLogger, dbg StructuredLogger) (*hubConnection, error) {
	protocol := &jsonHubProtocol{}
	protocol.setDebugLogger(dbg)
	cachedPing, err := protocol.WriteMessage(hubMessage{Type: 6})
	if err != nil {
		return nil, err
	}
	reconnectPolicy := config.ReconnectPolicy
	if reconnectPolicy == nil {
		reconnectPolicy = newSequenceBackOff(nil)
	}
	hc := &hubConnection{
		protocol:        protocol,
		callbacks:       newCallbackManager(),
		config:          config,
		scheduler:       scheduler,
		subscriptions:   make(map[string]func(arguments []interface{})),
		cachedPing:      cachedPing,
		reconnectPolicy: reconnectPolicy,
		info:            info,
		dbg:             dbg,
	}
	hc.conn = newConnection(config, info, dbg)
	hc.conn.SetOnMessageReceived(hc.processMessage)
	hc.conn.SetOnDisconnected(hc.handleDisconnected)
	return hc, nil
}

func (hc *hubConnection) State() ConnectionState {
	return hc.conn.State()
}

func (hc *hubConnection) ConnectionID() string {
	return hc.conn.ConnectionID()
}

func (hc *hubConnection) SetDisconnected(handler func(err error)) {
	defer hc.disconnectedMx.Unlock()
	hc.disconnectedMx.Lock()
	hc.disconnectedHandler = handler
}

func (hc *hubConnection) getDisconnected() func(err error) {
	defer hc.disconnectedMx.Unlock()
	hc.disconnectedMx.Lock()
	return hc.disconnectedHandler
}

func (hc *hubConnection) On(target string, handler func(arguments []interface{})) error {
	if target == "" {
		return errors.New("target cannot be empty")
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if state := hc.conn.State(); state != Disconnected {
		return &InvalidStateError{Operation: "on", State: state}
	}
	defer hc.subscriptionMx.Unlock()
	hc.subscriptionMx.Lock()
	if _, ok := hc.subscriptions[target]; ok {
		return fmt.Errorf("an action for this target has already been registered: %v", target)
	}
	hc.subscriptions[target] = handler
	return nil
}

func (hc *hubConnection) Start() error {
	hc.reconnectMx.Lock()
	hc.stopRequested = false
	hc.reconnectAttempts = 0
	hc.reconnectPolicy.Reset()
	hc.reconnectMx.Unlock()
	result := make(chan error, 1)
	hc.start(func(err error) { result <- err })
	return <-result
}

func (hc *hubConnection) Stop() error {
	result := make(chan error, 1)
	hc.stop(func(err error) { result <- err })
	return <-result
}

func (hc *hubConnection) stop(callback func(error)) {
	hc.reconnectMx.Lock()
	hc.stopRequested = true
	hc.reconnecting = false
	cts := hc.reconnectCts
	hc.reconnectCts = nil
	hc.reconnectMx.Unlock()
	if cts != nil {
		cts.Cancel()
	}
	hc.conn.Stop(callback, nil)
}

// start drives the full start sequence: connection start, handshake send,
// handshake wait, keepalive. callback fires exactly once; the handshake shim
// below guards against its three producers racing.
func (hc *hubConnection) start(callback func(error)) {
	if state := hc.conn.State(); state != Disconnected {
		callback(&InvalidStateError{Operation: "start", State: state})
		return
	}

	hc.handshakeMx.Lock()
	hc.handshakeEvent = newCompletionEvent()
	hc.handshakeReceived = false
	hc.disconnectCts = newCancelationTokenSource()
	handshakeEvent := hc.handshakeEvent
	disconnectToken := hc.disconnectCts.Token()
	hc.handshakeMx.Unlock()

	hc.conn.Start(func(startErr error) {
		if startErr != nil {
			callback(startErr)
			return
		}

		var handshakeDoneMx sync.Mutex
		handshakeDone := false

		handleHandshake := func(err error, fromSend bool) {
			handshakeDoneMx.Lock()
			if !fromSend && handshakeDone {
				handshakeDoneMx.Unlock()
				return
			}
			handshakeDone = true
			handshakeDoneMx.Unlock()

			if err == nil {
				// The goroutine running this shim may be the transport
				// executor that also processes the handshake response, so
				// poll the event instead of blocking on it.
				if !handshakeEvent.pollSet(hc.config.HandshakeTimeout) {
					err = &HandshakeError{Timeout: true}
				} else {
					err = handshakeEvent.Err()
				}
			}
			if err != nil {
				_ = hc.info.Log(evt, "handshake failed", "error", err, react, "stopping connection")
				hc.conn.Stop(func(error) { callback(err) }, err)
				return
			}
			_ = hc.dbg.Log(evt, "handshake succeeded", react, "starting keepalive")
			hc.conn.markConnected()
			callback(nil)
			hc.startKeepAlive()
		}

		// If the connection closes before the handshake completes, nobody is
		// waiting on the event anymore; run the shim here. The event already
		// carries the real error by then.
		disconnectToken.RegisterCallback(func() {
			handshakeDoneMx.Lock()
			if handshakeDone {
				handshakeDoneMx.Unlock()
				return
			}
			handshakeDoneMx.Unlock()
			handleHandshake(nil, false)
		})

		handshakeTimeout := hc.config.HandshakeTimeout
		timer(hc.scheduler, func(elapsed time.Duration) bool {
			handshakeDoneMx.Lock()
			if handshakeEvent.IsSet() {
				handshakeDoneMx.Unlock()
				return true
			}
			if elapsed < handshakeTimeout {
				handshakeDoneMx.Unlock()
				return false
			}
			handshakeDoneMx.Unlock()
			err := &HandshakeError{Timeout: true}
			// unblocks the send path if it is polling the event
			handshakeEvent.Set(err)
			handleHandshake(err, false)
			return true
		})

		request, err := hc.protocol.WriteHandshake()
		if err != nil {
			handshakeDoneMx.Lock()
			handshakeDone = true
			handshakeDoneMx.Unlock()
			handleHandshake(err, true)
			return
		}
		hc.conn.Send(request, func(sendErr error) {
			handshakeDoneMx.Lock()
			if handshakeDone {
				// the timer or the disconnect token took over
				handshakeDoneMx.Unlock()
				return
			}
			handshakeDone = true
			handshakeDoneMx.Unlock()
			handleHandshake(sendErr, true)
		})
	})
}

// processMessage is the message pump: it resolves the handshake first, then
// demultiplexes regular messages.
func (hc *hubConnection) processMessage(data []byte) {
	hc.handshakeMx.Lock()
	handshakeReceived := hc.handshakeReceived
	handshakeEvent := hc.handshakeEvent
	hc.handshakeMx.Unlock()

	if !handshakeReceived {
		if handshakeEvent == nil {
			return
		}
		// the transport strips the record separator; the handshake parser
		// needs it to delineate the frame
		if bytes.IndexByte(data, recordSeparator) < 0 {
			data = append(data, recordSeparator)
		}
		remaining, response, err := hc.protocol.ParseHandshake(data)
		switch {
		case err != nil:
			_ = hc.info.Log(evt, "handshake received", "error", err)
			handshakeEvent.Set(&ProtocolViolationError{Message: fmt.Sprintf("malformed handshake response: %v", err)})
			return
		case response.Error != "":
			_ = hc.info.Log(evt, "handshake received", "error", response.Error)
			handshakeEvent.Set(&HandshakeError{Reason: response.Error})
			return
		case response.Type != nil:
			handshakeEvent.Set(&ProtocolViolationError{Message: "received unexpected message while waiting for the handshake response"})
			return
		}
		hc.handshakeMx.Lock()
		hc.handshakeReceived = true
		hc.handshakeMx.Unlock()
		handshakeEvent.Set(nil)
		if len(remaining) == 0 {
			return
		}
		data = remaining
	}

	hc.resetServerTimeout()
	messages, err := hc.protocol.ParseMessages(data)
	if err != nil {
		hc.protocolViolation(fmt.Sprintf("error occurred when parsing response: %v", err))
		return
	}
	for _, message := range messages {
		switch message := message.(type) {
		case invocationMessage:
			if message.Type == 4 {
				hc.protocolViolation("received unexpected message type 'StreamInvocation'")
				return
			}
			hc.dispatchInvocation(message)
		case completionMessage:
			hc.handleCompletion(message)
		case streamItemMessage:
			// server streaming is not supported; items are dropped
			_ = hc.dbg.Log(evt, msgRecv, msg, fmtMsg(message), react, "stream item ignored")
		case cancelInvocationMessage:
			hc.protocolViolation("received unexpected message type 'CancelInvocation'")
			return
		case closeMessage:
			// TODO: honor allowReconnect once close message handling is defined
			_ = hc.dbg.Log(evt, msgRecv, msg, fmtMsg(message))
		case hubMessage:
			if message.Type == 6 {
				_ = hc.dbg.Log(evt, "ping message received")
			} else {
				hc.protocolViolation(fmt.Sprintf("unknown message type '%v' received", message.Type))
				return
			}
		}
	}
}

func (hc *hubConnection) protocolViolation(text string) {
	err := &ProtocolViolationError{Message: text}
	_ = hc.info.Log(evt, msgRecv, "error", err, react, "close connection")
	hc.conn.Stop(func(error) {}, err)
}

func (hc *hubConnection) dispatchInvocation(invocation invocationMessage) {
	hc.subscriptionMx.Lock()
	handler, ok := hc.subscriptions[invocation.Target]
	hc.subscriptionMx.Unlock()
	if !ok {
		_ = hc.info.Log(evt, msgRecv, "error", "handler not found", "name", invocation.Target)
		return
	}
	arguments := make([]interface{}, len(invocation.Arguments))
	for i, argument := range invocation.Arguments {
		var value interface{}
		if err := hc.protocol.UnmarshalArgument(argument, &value); err != nil {
			_ = hc.info.Log(evt, msgRecv, "error", err, "name", invocation.Target, react, "invocation dropped")
			return
		}
		arguments[i] = value
	}
	defer hc.recoverInvocationPanic(invocation)
	handler(arguments)
}

func (hc *hubConnection) handleCompletion(completion completionMessage) {
	var err error
	var result interface{}
	if completion.Error != "" {
		err = &HubError{Message: completion.Error}
	} else if completion.Result != nil {
		var value interface{}
		if uerr := hc.protocol.UnmarshalArgument(completion.Result, &value); uerr != nil {
			err = uerr
		} else {
			result = value
		}
	}
	if !hc.callbacks.invokeCallback(completion.InvocationID, err, result, true) {
		_ = hc.info.Log(evt, msgRecv, "error", "no callback found", "invocationId", completion.InvocationID)
	}
}

func (hc *hubConnection) recoverInvocationPanic(invocation invocationMessage) {
	if err := recover(); err != nil {
		_ = hc.info.Log(evt, "panic in client hub method", "error", err, "name", invocation.Target)
		_ = hc.dbg.Log(evt, "panic in client hub method", "error", err, "name", invocation.Target, "stack", string(debug.Stack()))
	}
}

func (hc *hubConnection) Invoke(method string, arguments ...interface{}) <-chan InvokeResult {
	if arguments == nil {
		arguments = []interface{}{}
	}
	ch := make(chan InvokeResult, 1)
	id := hc.callbacks.registerCallback(func(err error, result interface{}) {
		if err != nil {
			ch <- InvokeResult{Error: err}
		} else {
			ch <- InvokeResult{Value: result}
		}
		close(ch)
	})
	payload, err := hc.protocol.WriteMessage(invocationMessage{
		Type:         1,
		InvocationID: id,
		Target:       method,
		Arguments:    arguments,
	})
	if err != nil {
		hc.callbacks.invokeCallback(id, err, nil, true)
		return ch
	}
	hc.conn.Send(payload, func(sendErr error) {
		if sendErr != nil {
			// the completion will never arrive; deliver the send error
			hc.callbacks.invokeCallback(id, sendErr, nil, true)
			return
		}
		hc.resetSendPing()
	})
	return ch
}

func (hc *hubConnection) Send(method string, arguments ...interface{}) <-chan error {
	if arguments == nil {
		arguments = []interface{}{}
	}
	ch := make(chan error, 1)
	payload, err := hc.protocol.WriteMessage(invocationMessage{
		Type:      1,
		Target:    method,
		Arguments: arguments,
	})
	if err != nil {
		ch <- err
		close(ch)
		return ch
	}
	hc.conn.Send(payload, func(sendErr error) {
		if sendErr == nil {
			hc.resetSendPing()
		}
		ch <- sendErr
		close(ch)
	})
	return ch
}

// Keepalive

func (hc *hubConnection) resetSendPing() {
	hc.nextSendPing.Store(time.Now().Add(hc.config.KeepAliveInterval).UnixMilli())
}

func (hc *hubConnection) resetServerTimeout() {
	hc.nextServerTimeout.Store(time.Now().Add(hc.config.ServerTimeout).UnixMilli())
}

func (hc *hubConnection) startKeepAlive() {
	_ = hc.dbg.Log(evt, "starting keep alive timer")
	hc.sendPing()
	hc.resetServerTimeout()
	timer(hc.scheduler, func(time.Duration) bool {
		if hc.conn.State() != Connected {
			return true
		}
		now := time.Now().UnixMilli()
		if now > hc.nextServerTimeout.Load() {
			err := &ServerTimeoutError{Timeout: hc.config.ServerTimeout}
			_ = hc.info.Log(evt, "keep alive", "error", err, react, "close connection")
			hc.conn.Stop(func(error) {}, err)
			return true
		}
		if now > hc.nextSendPing.Load() {
			_ = hc.dbg.Log(evt, "sending ping to server")
			hc.sendPing()
		}
		return false
	})
}

func (hc *hubConnection) sendPing() {
	hc.conn.Send(hc.cachedPing, func(err error) {
		if err != nil {
			_ = hc.info.Log(evt, "failed to send ping", "error", err)
			return
		}
		hc.resetSendPing()
	})
}

// Disconnection and reconnection

// handleDisconnected runs after the connection reached Disconnected: it
// aborts a handshake in progress, cancels the disconnect token, fails every
// outstanding invocation, decides on reconnection and fires the user
// callback.
func (hc *hubConnection) handleDisconnected(err error) {
	hc.handshakeMx.Lock()
	handshakeEvent := hc.handshakeEvent
	cts := hc.disconnectCts
	hc.handshakeMx.Unlock()
	if handshakeEvent != nil {
		handshakeEvent.Set(errHandshakeAborted)
	}
	if cts != nil {
		cts.Cancel()
	}

	hc.callbacks.clear(errConnectionStopped)

	if err != nil {
		hc.startReconnect(err)
	}

	if handler := hc.getDisconnected(); handler != nil {
		handler(err)
	}
}

// startReconnect is the entry point from the disconnection handler. While a
// reconnect cycle is running its attempt runner owns the retries; further
// disconnections must not schedule a second cycle.
func (hc *hubConnection) startReconnect(cause error) bool {
	if !hc.config.AutoReconnect {
		return false
	}
	hc.reconnectMx.Lock()
	if hc.reconnecting {
		hc.reconnectMx.Unlock()
		return false
	}
	hc.reconnectMx.Unlock()
	return hc.scheduleReconnect(cause)
}

// scheduleReconnect schedules the next attempt if the budget and the cause
// allow it, clearing the reconnecting flag otherwise. It reports whether an
// attempt was scheduled.
func (hc *hubConnection) scheduleReconnect(cause error) bool {
	defer hc.reconnectMx.Unlock()
	hc.reconnectMx.Lock()
	if hc.stopRequested || errors.Is(cause, ErrLegacyServer) {
		hc.reconnecting = false
		return false
	}
	if hc.config.MaxReconnectAttempts >= 0 && hc.reconnectAttempts >= hc.config.MaxReconnectAttempts {
		_ = hc.info.Log(evt, "reconnect", "error", cause, react, "giving up after max attempts", "attempts", hc.reconnectAttempts)
		hc.reconnecting = false
		return false
	}
	hc.reconnecting = true
	hc.reconnectAttempts++
	delay := hc.reconnectPolicy.NextBackOff()
	cts := newCancelationTokenSource()
	hc.reconnectCts = cts
	_ = hc.info.Log(evt, "reconnect scheduled", "attempt", hc.reconnectAttempts, "delay", delay, "error", cause)
	go hc.reconnectAfter(delay, cts.Token())
	return true
}

func (hc *hubConnection) reconnectAfter(delay time.Duration, token cancelationToken) {
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-token.Done():
			hc.clearReconnecting()
			return
		}
	}
	if token.IsCanceled() {
		hc.clearReconnecting()
		return
	}
	// the attempt gets its own goroutine, bounded by the attempt timeout
	// merged with the attempt's cancelation token
	go hc.runReconnectAttempt(token)
}

func (hc *hubConnection) runReconnectAttempt(token cancelationToken) {
	timeoutCtx, cancelTimeout := context.WithTimeout(context.Background(), reconnectAttemptTimeout)
	defer cancelTimeout()
	ctx, cancelMerge := onecontext.Merge(timeoutCtx, token.Context())
	defer cancelMerge()

	result := make(chan error, 1)
	hc.start(func(err error) { result <- err })

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		if token.IsCanceled() {
			err = ErrCanceled
		} else {
			err = fmt.Errorf("reconnect attempt timed out after %v", reconnectAttemptTimeout)
		}
	}

	if err == nil {
		hc.reconnectMx.Lock()
		hc.reconnecting = false
		hc.reconnectAttempts = 0
		hc.reconnectPolicy.Reset()
		hc.reconnectMx.Unlock()
		_ = hc.info.Log(evt, "reconnected", "connection", hc.conn.ConnectionID())
		return
	}
	if errors.Is(err, ErrCanceled) {
		hc.clearReconnecting()
		return
	}
	_ = hc.info.Log(evt, "reconnect attempt failed", "error", err)
	hc.scheduleReconnect(err)
}

func (hc *hubConnection) clearReconnecting() {
	defer hc.reconnectMx.Unlock()
	hc.reconnectMx.Lock()
	hc.reconnecting = false
}
