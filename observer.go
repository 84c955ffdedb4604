package msgnet

import (
	"log/slog"
	"time"
)

// Logger receives rendered events as structured key/value records.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func defaultLogger() Logger {
	return slog.Default()
}

// EventKind identifies what happened in an Event.
type EventKind uint8

const (
	EventServerStarted EventKind = iota + 1
	EventServerStopped
	EventAccepted
	EventDenied
	EventAcceptError
	EventValidated
	EventHandshakeFailed
	EventConnected
	EventMessageRead
	EventMessageWritten
	EventIOError
	EventClosed
	EventPanic
)

func (k EventKind) String() string {
	switch k {
	case EventServerStarted:
		return "server started"
	case EventServerStopped:
		return "server stopped"
	case EventAccepted:
		return "connection approved"
	case EventDenied:
		return "connection denied"
	case EventAcceptError:
		return "accept error"
	case EventValidated:
		return "client validated"
	case EventHandshakeFailed:
		return "handshake failed"
	case EventConnected:
		return "connected"
	case EventMessageRead:
		return "message read"
	case EventMessageWritten:
		return "message written"
	case EventIOError:
		return "io error"
	case EventClosed:
		return "connection closed"
	case EventPanic:
		return "reactor panic"
	default:
		return "unknown event"
	}
}

// Event is a single observation emitted by a coordinator or connection.
type Event struct {
	Kind   EventKind `msgpack:"kind"`
	Time   time.Time `msgpack:"time"`
	ConnID uint32    `msgpack:"conn_id,omitempty"`
	Remote string    `msgpack:"remote,omitempty"`
	MsgID  uint64    `msgpack:"msg_id,omitempty"`
	Size   uint32    `msgpack:"size,omitempty"`
	Err    string    `msgpack:"error,omitempty"`
}

// Observer receives events.
// Observe runs on the reactor goroutine for connection events, so it must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts an ordinary function to the Observer interface.
type ObserverFunc func(Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) {
	f(e)
}

type logObserver struct {
	logger Logger
}

// LogObserver renders events to logger.
func LogObserver(logger Logger) Observer {
	return logObserver{logger: logger}
}

func (o logObserver) Observe(e Event) {
	args := make([]any, 0, 10)
	if e.ConnID != 0 {
		args = append(args, "conn_id", e.ConnID)
	}
	if e.Remote != "" {
		args = append(args, "remote_addr", e.Remote)
	}

	switch e.Kind {
	case EventMessageRead, EventMessageWritten:
		args = append(args, "msg_id", e.MsgID, "size", e.Size)
		o.logger.Debug(e.Kind.String(), args...)
	case EventIOError, EventHandshakeFailed, EventAcceptError:
		args = append(args, "error", e.Err)
		o.logger.Warn(e.Kind.String(), args...)
	case EventPanic:
		args = append(args, "error", e.Err)
		o.logger.Error(e.Kind.String(), args...)
	default:
		if e.Err != "" {
			args = append(args, "error", e.Err)
		}
		o.logger.Info(e.Kind.String(), args...)
	}
}

// emitter fans an event out to every observer.
type emitter []Observer

func (em emitter) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, o := range em {
		o.Observe(e)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
