package signalr

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

var errTransportStopped = errors.New("websocket transport stopped")

const (
	// how long the delivery loop waits for a free executor before it puts the
	// message back and backs off
	executorWait    = 50 * time.Millisecond
	deliveryBackoff = 5 * time.Millisecond
	// the reassembly buffer is dropped once drained past this capacity
	remainderShrinkCap = 1 << 14
)

// webSocketTransport bridges the event-driven WebsocketClient to the
// pull-style transport contract. Inbound frames are reassembled on the record
// separator, queued in a bounded drop-oldest buffer and handed to the single
// pending-receive continuation by a dedicated delivery goroutine.
//
// Messages reach their receive callback on short-lived executor goroutines
// bounded by a counting semaphore, never on the delivery goroutine itself: the hub's
// message pump re-enters Receive from inside the callback, and running it
// inline would grow the delivery stack without bound.
//
// Lock order: queueMx before receiveMx, everywhere.
type webSocketTransport struct {
	client         WebsocketClient
	connectTimeout time.Duration
	queueLimit     int

	queueMx  sync.Mutex
	queue    [][]byte
	stopping bool

	receiveMx      sync.Mutex
	pendingReceive func(message []byte, err error)

	deliverySem chan struct{}
	executorSem chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once

	// reassembler, touched only on the client's event goroutine
	remainder []byte

	info StructuredLogger
	dbg  StructuredLogger
}

func newWebSocketTransport(client WebsocketClient, config clientConfig, info StructuredLogger, dbg StructuredLogger) *webSocketTransport {
	return &webSocketTransport{
		client:         client,
		connectTimeout: config.ConnectTimeout,
		queueLimit:     config.ReceiveQueueLimit,
		deliverySem:    make(chan struct{}, config.ReceiveQueueLimit),
		executorSem:    make(chan struct{}, config.ReceiveExecutorLimit),
		closed:         make(chan struct{}),
		info:           info,
		dbg:            dbg,
	}
}

func (t *webSocketTransport) Start(url string, callback func(error)) {
	t.client.OnData(t.handleData)
	t.client.OnClose(t.handleClose)
	go func() {
		err := t.client.Start(url, t.connectTimeout)
		if err == nil {
			go t.deliveryLoop()
		}
		callback(err)
	}()
}

func (t *webSocketTransport) Stop(callback func(error)) {
	t.queueMx.Lock()
	t.stopping = true
	t.queueMx.Unlock()
	t.closeOnce.Do(func() { close(t.closed) })
	t.resolvePending(errTransportStopped)
	callback(t.client.Stop())
}

func (t *webSocketTransport) Send(payload []byte, callback func(error)) {
	callback(t.client.Send(payload, TransferFormatText))
}

// Receive installs the one-shot continuation for the next message. The hub
// installs at most one at a time; a message already queued wakes the
// delivery goroutine.
func (t *webSocketTransport) Receive(callback func(message []byte, err error)) {
	t.queueMx.Lock()
	if t.stopping {
		t.queueMx.Unlock()
		go callback(nil, errTransportStopped)
		return
	}
	hasMessage := len(t.queue) > 0
	t.receiveMx.Lock()
	t.pendingReceive = callback
	t.receiveMx.Unlock()
	t.queueMx.Unlock()
	if hasMessage {
		t.signalDelivery()
	}
}

// handleData runs on the websocket read goroutine. It appends to the
// reassembly buffer and enqueues every complete frame.
func (t *webSocketTransport) handleData(data []byte) {
	t.remainder = append(t.remainder, data...)
	for {
		i := bytes.IndexByte(t.remainder, recordSeparator)
		if i < 0 {
			break
		}
		message := make([]byte, i)
		copy(message, t.remainder[:i])
		t.remainder = t.remainder[i+1:]
		t.enqueue(message)
	}
	if len(t.remainder) == 0 && cap(t.remainder) > remainderShrinkCap {
		t.remainder = nil
	}
}

func (t *webSocketTransport) handleClose(err error) {
	t.resolvePending(err)
}

func (t *webSocketTransport) enqueue(message []byte) {
	t.queueMx.Lock()
	if t.stopping {
		t.queueMx.Unlock()
		return
	}
	if len(t.queue) >= t.queueLimit {
		t.queue = t.queue[1:]
		_ = t.info.Log(evt, "receive queue full", "limit", t.queueLimit, react, "dropping oldest message")
	}
	t.queue = append(t.queue, message)
	t.queueMx.Unlock()
	t.signalDelivery()
}

func (t *webSocketTransport) signalDelivery() {
	select {
	case t.deliverySem <- struct{}{}:
	default:
		// a wake-up is already pending; the delivery loop drains the whole
		// queue per permit
	}
}

func (t *webSocketTransport) deliveryLoop() {
	for {
		select {
		case <-t.closed:
			return
		case <-t.deliverySem:
		}
		t.deliverPending()
	}
}

// deliverPending pops messages while both a pending-receive and a message
// exist and dispatches each message to its callback on an executor goroutine.
func (t *webSocketTransport) deliverPending() {
	for {
		t.queueMx.Lock()
		t.receiveMx.Lock()
		if t.pendingReceive == nil || len(t.queue) == 0 {
			t.receiveMx.Unlock()
			t.queueMx.Unlock()
			return
		}
		message := t.queue[0]
		t.queue = t.queue[1:]
		callback := t.pendingReceive
		t.pendingReceive = nil
		t.receiveMx.Unlock()
		t.queueMx.Unlock()

		select {
		case t.executorSem <- struct{}{}:
			go func() {
				defer func() { <-t.executorSem }()
				callback(message, nil)
			}()
		case <-t.closed:
			callback(nil, errTransportStopped)
			return
		case <-time.After(executorWait):
			// no executor freed up: put the message back at the head,
			// restore the continuation and retry after a short wait
			t.queueMx.Lock()
			if len(t.queue) < t.queueLimit {
				t.queue = append([][]byte{message}, t.queue...)
			} else {
				// the queue refilled meanwhile; the put-back message is the oldest
				_ = t.info.Log(evt, "receive queue full", "limit", t.queueLimit, react, "dropping oldest message")
			}
			t.receiveMx.Lock()
			if t.pendingReceive == nil {
				t.pendingReceive = callback
			}
			t.receiveMx.Unlock()
			t.queueMx.Unlock()
			t.signalDelivery()
			time.Sleep(deliveryBackoff)
			return
		}
	}
}

// resolvePending drains the queue and fires the pending continuation, if
// any, with err.
func (t *webSocketTransport) resolvePending(err error) {
	t.queueMx.Lock()
	t.queue = nil
	t.receiveMx.Lock()
	callback := t.pendingReceive
	t.pendingReceive = nil
	t.receiveMx.Unlock()
	t.queueMx.Unlock()
	if callback != nil {
		callback(nil, err)
	}
}
