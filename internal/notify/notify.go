// Package notify delivers user-visible notifications: warnings, errors and
// transient indicators such as "reconnecting".
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level classifies a notification.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
	// LevelTransient notifications stay visible until dismissed by ID.
	LevelTransient
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Notification is one message for the user.
type Notification struct {
	// ID identifies transient notifications so they can be dismissed.
	ID      string    `json:"id,omitempty"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notifier shows and dismisses notifications. Implementations must not
// block the caller.
type Notifier interface {
	Notify(n Notification)
	Dismiss(id string)
}

// Warn shows a warning.
func Warn(n Notifier, msg string) {
	n.Notify(Notification{Level: LevelWarning, Message: msg, At: time.Now()})
}

// Error shows an error.
func Error(n Notifier, msg string) {
	n.Notify(Notification{Level: LevelError, Message: msg, At: time.Now()})
}

// Info shows an informational message.
func Info(n Notifier, msg string) {
	n.Notify(Notification{Level: LevelInfo, Message: msg, At: time.Now()})
}

// Transient shows a message that stays until Dismiss(id).
func Transient(n Notifier, id, msg string) {
	n.Notify(Notification{ID: id, Level: LevelTransient, Message: msg, At: time.Now()})
}

// Log writes notifications to a logger.
type Log struct {
	log *zap.Logger
}

// NewLog returns a Notifier that logs.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{log: logger.Named("notify")}
}

func (l *Log) Notify(n Notification) {
	fields := []zap.Field{zap.String("level", n.Level.String())}
	if n.ID != "" {
		fields = append(fields, zap.String("id", n.ID))
	}
	switch n.Level {
	case LevelError:
		l.log.Error(n.Message, fields...)
	case LevelWarning:
		l.log.Warn(n.Message, fields...)
	default:
		l.log.Info(n.Message, fields...)
	}
}

func (l *Log) Dismiss(id string) {
	l.log.Info("dismissed", zap.String("id", id))
}

// Multi fans notifications out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(n Notification) {
	for _, x := range m {
		x.Notify(n)
	}
}

func (m Multi) Dismiss(id string) {
	for _, x := range m {
		x.Dismiss(id)
	}
}

// Discard drops everything.
type Discard struct{}

func (Discard) Notify(Notification) {}
func (Discard) Dismiss(string)      {}

// Recorder keeps every notification in memory and tracks which transient
// ones are still shown.
type Recorder struct {
	mu     sync.Mutex
	all    []Notification
	active map[string]Notification
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{active: make(map[string]Notification)}
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, n)
	if n.ID != "" {
		r.active[n.ID] = n
	}
}

func (r *Recorder) Dismiss(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

// All returns every notification received.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.all...)
}

// Count returns how many notifications of level were received.
func (r *Recorder) Count(level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.all {
		if x.Level == level {
			n++
		}
	}
	return n
}

// Active reports whether the transient notification id is shown.
func (r *Recorder) Active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}
