package canbus

import (
	"context"
	"log/slog"
)

// LogOption is a bitmask selecting which operations a LoggedBus traces.
type LogOption uint8

const (
	LogNone  LogOption = 0
	LogRead  LogOption = 1 << iota
	LogWrite
	LogAll = LogRead | LogWrite
)

// NewLoggedBus wraps inner and traces the selected operations at level.
// Only frames accepted by filter are traced; a nil filter traces everything.
// Errors are always logged at error level for the selected directions.
func NewLoggedBus(inner Bus, logger *slog.Logger, level slog.Level, opts LogOption, filter FrameFilter) Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggedBus{
		inner:  inner,
		logger: logger,
		level:  level,
		opts:   opts,
		filter: filter,
	}
}

type loggedBus struct {
	inner  Bus
	logger *slog.Logger
	level  slog.Level
	opts   LogOption
	filter FrameFilter
}

func (l *loggedBus) traced(f Frame) bool {
	return l.filter == nil || l.filter(f)
}

func (l *loggedBus) logFrame(msg string, f Frame) {
	l.logger.Log(context.Background(), l.level, msg,
		"id", f.ID,
		"rtr", f.RTR,
		"len", int(f.Len),
		"frame", f.String(),
	)
}

func (l *loggedBus) Send(frame Frame) error {
	if l.opts&LogWrite != 0 && l.traced(frame) {
		l.logFrame("canbus send", frame)
	}
	err := l.inner.Send(frame)
	if l.opts&LogWrite != 0 && err != nil {
		l.logger.Error("canbus send error", "id", frame.ID, "error", err)
	}
	return err
}

func (l *loggedBus) Receive() (Frame, error) {
	f, err := l.inner.Receive()
	if l.opts&LogRead == 0 {
		return f, err
	}
	if err != nil {
		l.logger.Error("canbus receive error", "error", err)
	} else if l.traced(f) {
		l.logFrame("canbus receive", f)
	}
	return f, err
}

func (l *loggedBus) ResetReceiveBuffer() error {
	l.logger.Info("canbus receive buffer reset")
	return l.inner.ResetReceiveBuffer()
}

// Close forwards to the inner Bus without logging.
func (l *loggedBus) Close() error {
	return l.inner.Close()
}
