// Package minilog extends Go's logging functionality to allow for multiple
// loggers, each with their own logging level. Call AddLogger to set up each
// desired logger, then use the package-level functions to send messages to
// every registered logger whose level admits them.
package minilog

import (
	"bufio"
	golog "log"
	"io"
	"os"
	"strings"
	"sync"
)

var (
	loggers = make(map[string]*minilogger)
	logLock sync.RWMutex
)

// AddLogger adds a logger that will receive every message at level or
// higher. output is anything with a Println method, such as a *log.Logger
// or a *Ring; use AddLogWriter for a plain io.Writer.
func AddLogger(name string, output logger, level Level, color bool) {
	logLock.Lock()
	defer logLock.Unlock()

	loggers[name] = &minilogger{logger: output, Level: level, Color: color}
}

// AddLogWriter is a convenience wrapper for callers holding an io.Writer
// (e.g. an *os.File) rather than something that already implements Println.
func AddLogWriter(name string, output io.Writer, level Level, color bool) {
	AddLogger(name, golog.New(output, "", golog.LstdFlags), level, color)
}

// DelLogger removes a named logger added with AddLogger.
func DelLogger(name string) {
	logLock.Lock()
	defer logLock.Unlock()

	delete(loggers, name)
}

func Loggers() []string {
	logLock.RLock()
	defer logLock.RUnlock()

	ret := make([]string, 0, len(loggers))
	for k := range loggers {
		ret = append(ret, k)
	}
	return ret
}

// WillLog returns true if logging to level will result in actual logging.
// Useful when the message itself is expensive to produce.
func WillLog(level Level) bool {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, v := range loggers {
		if v.Level <= level {
			return true
		}
	}
	return false
}

func SetLevel(name string, level Level) bool {
	logLock.Lock()
	defer logLock.Unlock()

	if loggers[name] == nil {
		return false
	}
	loggers[name].Level = level
	return true
}

func AddFilter(name string, filter string) bool {
	logLock.Lock()
	defer logLock.Unlock()

	l, ok := loggers[name]
	if !ok {
		return false
	}
	for _, f := range l.filters {
		if f == filter {
			return true
		}
	}
	l.filters = append(l.filters, filter)
	return true
}

// LogAll reads i line by line until EOF, logging each line at level under
// name. It starts a goroutine and returns immediately.
func LogAll(i io.Reader, level Level, name string) {
	go func() {
		r := bufio.NewReader(i)
		for {
			d, err := r.ReadString('\n')
			if d := strings.TrimSpace(d); d != "" {
				logf(level, name, "%s", d)
			}
			if err != nil {
				return
			}
		}
	}()
}

func logf(level Level, name, format string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, l := range loggers {
		if l.Level <= level {
			l.log(level, name, format, arg...)
		}
	}
}

func logln(level Level, name string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, l := range loggers {
		if l.Level <= level {
			l.logln(level, name, arg...)
		}
	}
}

func Debug(format string, arg ...interface{}) { logf(DEBUG, "", format, arg...) }
func Info(format string, arg ...interface{})  { logf(INFO, "", format, arg...) }
func Warn(format string, arg ...interface{})  { logf(WARN, "", format, arg...) }
func Error(format string, arg ...interface{}) { logf(ERROR, "", format, arg...) }

func Fatal(format string, arg ...interface{}) {
	logf(FATAL, "", format, arg...)
	os.Exit(1)
}

func Debugln(arg ...interface{}) { logln(DEBUG, "", arg...) }
func Infoln(arg ...interface{})  { logln(INFO, "", arg...) }
func Warnln(arg ...interface{})  { logln(WARN, "", arg...) }
func Errorln(arg ...interface{}) { logln(ERROR, "", arg...) }

func Fatalln(arg ...interface{}) {
	logln(FATAL, "", arg...)
	os.Exit(1)
}
