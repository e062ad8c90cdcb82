package signalr

import (
	"strconv"
	"sync"
)

// invocationCallback receives the outcome of one server invocation: either a
// result value or an error, never both.
type invocationCallback func(err error, result interface{})

// callbackManager maps invocation ids to their continuations. Ids are
// monotonic decimal strings, unique for the life of one connection.
type callbackManager struct {
	mx        sync.Mutex
	callbacks map[string]invocationCallback
	lastID    int64
}

func newCallbackManager() *callbackManager {
	return &callbackManager{callbacks: make(map[string]invocationCallback)}
}

// registerCallback stores callback under a fresh id and returns the id.
func (m *callbackManager) registerCallback(callback invocationCallback) string {
	defer m.mx.Unlock()
	m.mx.Lock()
	m.lastID++
	id := strconv.FormatInt(m.lastID, 10)
	m.callbacks[id] = callback
	return id
}

// invokeCallback runs the continuation registered under id and reports
// whether one existed. With remove set the entry is erased before the
// continuation runs, so it can never fire twice.
func (m *callbackManager) invokeCallback(id string, err error, result interface{}, remove bool) bool {
	m.mx.Lock()
	callback, ok := m.callbacks[id]
	if ok && remove {
		delete(m.callbacks, id)
	}
	m.mx.Unlock()
	if !ok {
		return false
	}
	callback(err, result)
	return true
}

func (m *callbackManager) removeCallback(id string) {
	defer m.mx.Unlock()
	m.mx.Lock()
	delete(m.callbacks, id)
}

// clear invokes every registered continuation with err and empties the table.
func (m *callbackManager) clear(err error) {
	m.mx.Lock()
	callbacks := m.callbacks
	m.callbacks = make(map[string]invocationCallback)
	m.mx.Unlock()
	for _, callback := range callbacks {
		callback(err, nil)
	}
}
