// Package sbnlog is a structured logger modelled on
// gravwell-gravwell/ingest/log: RFC5424-formatted messages over one or
// more io.WriteCloser destinations, with level filtering and structured
// key-value fields attached as RFC5424 structured-data parameters
// instead of interpolated into the message text.
package sbnlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

// Level filters which messages are emitted, ordered least to most
// severe, matching ingest/log's Level type.
type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	case FATAL:
		return "FATAL"
	default:
		return "OFF"
	}
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.User | rfc5424.Debug
	case INFO:
		return rfc5424.User | rfc5424.Info
	case WARN:
		return rfc5424.User | rfc5424.Warning
	case ERROR:
		return rfc5424.User | rfc5424.Error
	case CRITICAL:
		return rfc5424.User | rfc5424.Crit
	case FATAL:
		return rfc5424.User | rfc5424.Emergency
	default:
		return rfc5424.User | rfc5424.Info
	}
}

// Field is a single structured key-value pair attached to a log
// message, the equivalent of ingest/log's log.KV helper.
type Field struct {
	Key   string
	Value string
}

// KV builds a Field from an arbitrary value via fmt.Sprint, matching
// ingest/log.KV's permissive signature.
func KV(key string, value interface{}) Field {
	return Field{Key: key, Value: fmt.Sprint(value)}
}

// KVErr attaches an error under the conventional "error" key, or
// nothing if err is nil — mirroring ingest/log.KVErr.
func KVErr(err error) Field {
	if err == nil {
		return Field{}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Logger writes RFC5424 messages to one or more destinations. Unlike
// ingest/log's package, there is no process-wide default: every
// long-lived component in this daemon is handed its own *Logger at
// construction (spec §9 "global registries and logging").
type Logger struct {
	mu       sync.Mutex
	wtrs     []io.WriteCloser
	lvl      Level
	hostname string
	appname  string
}

// New returns a Logger at the given level, writing to wtrs.
func New(lvl Level, hostname, appname string, wtrs ...io.WriteCloser) *Logger {
	return &Logger{lvl: lvl, hostname: hostname, appname: appname, wtrs: wtrs}
}

// NewFile opens path for appending and returns a Logger writing to it.
func NewFile(lvl Level, hostname, appname, path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, err
	}
	return New(lvl, hostname, appname, f), nil
}

// NewStderrLogger returns a Logger writing to os.Stderr, which Close
// leaves open.
func NewStderrLogger(lvl Level, hostname, appname string) *Logger {
	return New(lvl, hostname, appname, nopCloser{os.Stderr})
}

// NewDiscardLogger returns a Logger that drops every message, used in
// tests that do not care about log output.
func NewDiscardLogger() *Logger {
	return New(OFF, "", "")
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Close closes every underlying writer.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	for _, w := range l.wtrs {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (l *Logger) log(lvl Level, msg string, fields []Field) {
	if lvl < l.lvl || l.lvl == OFF {
		return
	}
	m := &rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: time.Now().UTC(),
		Hostname:  l.hostname,
		AppName:   l.appname,
		Message:   []byte(msg),
	}
	var params []rfc5424.SDParam
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		params = append(params, rfc5424.SDParam{Name: f.Key, Value: f.Value})
	}
	if len(params) > 0 {
		m.StructuredData = []rfc5424.StructuredData{
			{ID: "fields@0", Parameters: params},
		}
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.wtrs {
		w.Write(append(b, '\n'))
	}
}

func (l *Logger) Debug(msg string, fields ...Field)    { l.log(DEBUG, msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)     { l.log(INFO, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Field)     { l.log(WARN, msg, fields) }
func (l *Logger) Error(msg string, fields ...Field)    { l.log(ERROR, msg, fields) }
func (l *Logger) Critical(msg string, fields ...Field) { l.log(CRITICAL, msg, fields) }
func (l *Logger) Fatal(msg string, fields ...Field)    { l.log(FATAL, msg, fields) }

// Infof mirrors ingest/log's printf-style variants, for call sites that
// have no structured fields worth breaking out.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...), nil)
}
