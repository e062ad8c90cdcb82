package signalr

import (
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// StructuredLogger is the simplest logging interface for structured logging.
// See github.com/go-kit/log
type StructuredLogger interface {
	Log(keyVals ...interface{}) error
}

// TraceLevel filters what the client logs.
type TraceLevel int

const (
	TraceLevelDebug TraceLevel = iota
	TraceLevelInfo
	TraceLevelWarning
	TraceLevelError
	TraceLevelNone
)

func (t TraceLevel) String() string {
	switch t {
	case TraceLevelDebug:
		return "debug"
	case TraceLevelInfo:
		return "info"
	case TraceLevelWarning:
		return "warning"
	case TraceLevelError:
		return "error"
	case TraceLevelNone:
		return "none"
	}
	return "unknown"
}

// logfmt keys used throughout the client
const (
	evt     = "event"
	msg     = "message"
	msgRecv = "message received"
	msgSend = "message send"
	react   = "reaction"
)

func buildInfoDebugLogger(logger log.Logger, debug bool) (log.Logger, log.Logger) {
	if debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return level.Info(logger), log.With(level.Debug(logger), "caller", log.DefaultCaller)
}

func fmtMsg(message interface{}) string {
	return fmt.Sprintf("%v", message)
}

// newTraceLogger builds the info/debug logger pair for a writer and a TraceLevel.
// TraceLevelWarning and TraceLevelError map onto the corresponding level filters,
// so a client configured for errors only stays quiet on routine traffic.
func newTraceLogger(w io.Writer, traceLevel TraceLevel) (info log.Logger, dbg log.Logger) {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	switch traceLevel {
	case TraceLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case TraceLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case TraceLevelWarning:
		logger = level.NewFilter(logger, level.AllowWarn())
	case TraceLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case TraceLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	}
	return level.Info(logger), log.With(level.Debug(logger), "caller", log.DefaultCaller)
}
