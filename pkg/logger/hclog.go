package logger

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/sirupsen/logrus"
)

// HCLogAdapter routes hclog output, as emitted by go-plugin clients and the
// plugin subprocesses they supervise, into a logrus entry.
type HCLogAdapter struct {
	entry *logrus.Entry
	name  string
	args  []any
}

var _ hclog.Logger = (*HCLogAdapter)(nil)

// NewHCLogAdapter wraps entry as an hclog.Logger.
func NewHCLogAdapter(entry *logrus.Entry, name string) *HCLogAdapter {
	return &HCLogAdapter{entry: entry, name: name}
}

func (a *HCLogAdapter) fields(args []any) logrus.Fields {
	all := append(append([]any{}, a.args...), args...)
	fields := logrus.Fields{}
	if a.name != "" {
		fields["component"] = a.name
	}
	for i := 0; i < len(all); i += 2 {
		key := fmt.Sprint(all[i])
		if i+1 >= len(all) {
			fields["EXTRA_VALUE_AT_END"] = all[i]
			break
		}
		fields[key] = all[i+1]
	}
	return fields
}

func (a *HCLogAdapter) Log(level hclog.Level, msg string, args ...any) {
	e := a.entry.WithFields(a.fields(args))
	switch level {
	case hclog.Trace:
		e.Trace(msg)
	case hclog.Debug:
		e.Debug(msg)
	case hclog.Warn:
		e.Warn(msg)
	case hclog.Error:
		e.Error(msg)
	case hclog.Off:
	default:
		e.Info(msg)
	}
}

func (a *HCLogAdapter) Trace(msg string, args ...any) { a.Log(hclog.Trace, msg, args...) }
func (a *HCLogAdapter) Debug(msg string, args ...any) { a.Log(hclog.Debug, msg, args...) }
func (a *HCLogAdapter) Info(msg string, args ...any)  { a.Log(hclog.Info, msg, args...) }
func (a *HCLogAdapter) Warn(msg string, args ...any)  { a.Log(hclog.Warn, msg, args...) }
func (a *HCLogAdapter) Error(msg string, args ...any) { a.Log(hclog.Error, msg, args...) }

func (a *HCLogAdapter) IsTrace() bool { return a.entry.Logger.IsLevelEnabled(logrus.TraceLevel) }
func (a *HCLogAdapter) IsDebug() bool { return a.entry.Logger.IsLevelEnabled(logrus.DebugLevel) }
func (a *HCLogAdapter) IsInfo() bool  { return a.entry.Logger.IsLevelEnabled(logrus.InfoLevel) }
func (a *HCLogAdapter) IsWarn() bool  { return a.entry.Logger.IsLevelEnabled(logrus.WarnLevel) }
func (a *HCLogAdapter) IsError() bool { return a.entry.Logger.IsLevelEnabled(logrus.ErrorLevel) }

func (a *HCLogAdapter) ImpliedArgs() []any { return a.args }

func (a *HCLogAdapter) With(args ...any) hclog.Logger {
	return &HCLogAdapter{entry: a.entry, name: a.name, args: append(append([]any{}, a.args...), args...)}
}

func (a *HCLogAdapter) Name() string { return a.name }

func (a *HCLogAdapter) Named(name string) hclog.Logger {
	if a.name != "" {
		name = a.name + "." + name
	}
	return &HCLogAdapter{entry: a.entry, name: name, args: a.args}
}

func (a *HCLogAdapter) ResetNamed(name string) hclog.Logger {
	return &HCLogAdapter{entry: a.entry, name: name, args: a.args}
}

// SetLevel is a no-op: the level is owned by the logrus logger.
func (a *HCLogAdapter) SetLevel(hclog.Level) {}

func (a *HCLogAdapter) GetLevel() hclog.Level {
	switch a.entry.Logger.GetLevel() {
	case logrus.TraceLevel:
		return hclog.Trace
	case logrus.DebugLevel:
		return hclog.Debug
	case logrus.InfoLevel:
		return hclog.Info
	case logrus.WarnLevel:
		return hclog.Warn
	default:
		return hclog.Error
	}
}

func (a *HCLogAdapter) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(a.StandardWriter(opts), "", 0)
}

func (a *HCLogAdapter) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		a.Info(strings.TrimRight(string(p), "\n"))
		return len(p), nil
	})
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
