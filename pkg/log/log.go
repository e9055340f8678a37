// Copyright The Memplug Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the minimum severity of logged messages.
type Level int

const (
	// LevelDebug is the severity of debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity of informational messages.
	LevelInfo
	// LevelWarn is the severity of warnings.
	LevelWarn
	// LevelError is the severity of errors.
	LevelError
)

// Logger is the interface for producing log messages for/from a source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and exits the process.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message and panics.
	Panic(format string, args ...interface{})

	// Debugf, Infof, Warnf, and Errorf are aliases provided for
	// interface compatibility with other logging packages.
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// InfoBlock emits a multiline informational message with a prefix.
	InfoBlock(prefix string, format string, args ...interface{})
	// DebugBlock emits a multiline debug message with a prefix.
	DebugBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables or disables debug messages for the source.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for the source.
	DebugEnabled() bool

	// Source returns the source of the logger.
	Source() string
}

// logging encapsulates the full runtime state of logging.
type logging struct {
	sync.Mutex
	level   Level
	loggers map[string]logger
	dbgmap  srcmap
	prefix  bool
	maxlen  int
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

const (
	// defaultSource is the source used for the default logger.
	defaultSource = "default"
)

var (
	log = &logging{
		level:   DefaultLevel,
		loggers: make(map[string]logger),
		dbgmap:  make(srcmap),
	}
	deflog = log.get(defaultSource)
)

// Get returns the (named) logger for the given source, creating it if
// necessary.
func Get(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return Get(source)
}

// Default returns the default logger.
func Default() Logger {
	return deflog
}

// SetLevel sets the minimum severity of messages to log.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables or disables debug messages for the given source.
func EnableDebug(source string) bool {
	log.Lock()
	defer log.Unlock()
	return log.setDebug(source, true)
}

// DisableDebug disables debug messages for the given source.
func DisableDebug(source string) bool {
	log.Lock()
	defer log.Unlock()
	return log.setDebug(source, false)
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

func (l *logging) get(source string) logger {
	if lgr, ok := l.loggers[source]; ok {
		return lgr
	}

	lgr := logger{source: source}
	l.loggers[source] = lgr
	if len(source) > l.maxlen {
		l.maxlen = len(source)
	}
	return lgr
}

func (l *logging) setDebug(source string, enabled bool) bool {
	old := l.dbgmap[source]
	l.dbgmap[source] = enabled
	return old
}

func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
}

func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

func (l *logging) debugging(source string) bool {
	if enabled, ok := l.dbgmap[source]; ok {
		return enabled
	}
	if enabled, ok := l.dbgmap["*"]; ok {
		return enabled
	}
	return false
}

// format prepends the source prefix to a formatted message.
func (l logger) format(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if !log.prefix {
		return msg
	}
	return fmt.Sprintf("%*s: %s", log.maxlen, l.source, msg)
}

func (l logger) Debug(format string, args ...interface{}) {
	if !log.debugging(l.source) {
		return
	}
	klog.InfoDepth(1, l.format("D: "+format, args...))
}

func (l logger) Info(format string, args ...interface{}) {
	if log.level > LevelInfo {
		return
	}
	klog.InfoDepth(1, l.format(format, args...))
}

func (l logger) Warn(format string, args ...interface{}) {
	if log.level > LevelWarn {
		return
	}
	klog.WarningDepth(1, l.format(format, args...))
}

func (l logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.format(format, args...))
}

func (l logger) Fatal(format string, args ...interface{}) {
	klog.FatalDepth(1, l.format(format, args...))
}

func (l logger) Panic(format string, args ...interface{}) {
	msg := l.format(format, args...)
	klog.ErrorDepth(1, msg)
	klog.Flush()
	panic(msg)
}

func (l logger) Debugf(format string, args ...interface{}) {
	if !log.debugging(l.source) {
		return
	}
	klog.InfoDepth(1, l.format("D: "+format, args...))
}

func (l logger) Infof(format string, args ...interface{}) {
	if log.level > LevelInfo {
		return
	}
	klog.InfoDepth(1, l.format(format, args...))
}

func (l logger) Warnf(format string, args ...interface{}) {
	if log.level > LevelWarn {
		return
	}
	klog.WarningDepth(1, l.format(format, args...))
}

func (l logger) Errorf(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.format(format, args...))
}

func (l logger) block(emit func(string, ...interface{}), prefix, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		emit("%s%s", prefix, line)
	}
}

func (l logger) InfoBlock(prefix string, format string, args ...interface{}) {
	l.block(l.Info, prefix, format, args...)
}

func (l logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	l.block(l.Debug, prefix, format, args...)
}

func (l logger) EnableDebug(enabled bool) bool {
	log.Lock()
	defer log.Unlock()
	return log.setDebug(l.source, enabled)
}

func (l logger) DebugEnabled() bool {
	return log.debugging(l.source)
}

func (l logger) Source() string {
	return l.source
}
