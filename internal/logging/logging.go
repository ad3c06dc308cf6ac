/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logging is the internal leveled logger shared by every package.
package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

var (
	level     atomic.Int32
	debugMode atomic.Bool

	zerologLevels = []zerolog.Level{
		zerolog.TraceLevel,
		zerolog.DebugLevel,
		zerolog.InfoLevel,
		zerolog.WarnLevel,
		zerolog.ErrorLevel,
		zerolog.Disabled,
	}

	root atomic.Pointer[zerolog.Logger]
)

func init() {
	root.Store(newRoot(os.Stdout))
	level.Store(LevelWarn)
	if v := os.Getenv("SHMIPC_LOG_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= LevelTrace && n <= LevelNoPrint {
			level.Store(int32(n))
		}
	}
	if os.Getenv("SHMIPC_DEBUG_MODE") != "" {
		debugMode.Store(true)
	}
}

func newRoot(out io.Writer) *zerolog.Logger {
	lg := zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05.999999"}).
		With().Timestamp().Logger()
	return &lg
}

// SetLogLevel changes the level of every logger. The default level is Warn;
// the process env SHMIPC_LOG_LEVEL also sets it.
func SetLogLevel(l int) {
	if l >= LevelTrace && l <= LevelNoPrint {
		level.Store(int32(l))
	}
}

// ParseLevel maps a level name (trace, debug, info, warn, error, none) to
// its level constant.
func ParseLevel(name string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "none", "off":
		return LevelNoPrint, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

// SetOutput redirects every logger created afterwards and the package loggers.
func SetOutput(out io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	root.Store(newRoot(out))
}

// DebugMode reports whether SHMIPC_DEBUG_MODE was set.
func DebugMode() bool {
	return debugMode.Load()
}

// Logger is a named leveled logger.
type Logger struct {
	name string
}

// New returns a logger that tags every line with name.
func New(name string) *Logger {
	return &Logger{name: name}
}

func (l *Logger) event(lv int) *zerolog.Event {
	if int32(lv) < level.Load() {
		return nil
	}
	lg := root.Load().Level(zerologLevels[level.Load()])
	var ev *zerolog.Event
	switch lv {
	case LevelTrace:
		ev = lg.Trace()
	case LevelDebug:
		ev = lg.Debug()
	case LevelInfo:
		ev = lg.Info()
	case LevelWarn:
		ev = lg.Warn()
	default:
		ev = lg.Error()
	}
	if ev == nil {
		return nil
	}
	if l.name != "" {
		ev = ev.Str("component", l.name)
	}
	return ev
}

func (l *Logger) Errorf(format string, a ...interface{}) { l.logf(LevelError, format, a...) }
func (l *Logger) Warnf(format string, a ...interface{})  { l.logf(LevelWarn, format, a...) }
func (l *Logger) Infof(format string, a ...interface{})  { l.logf(LevelInfo, format, a...) }
func (l *Logger) Debugf(format string, a ...interface{}) { l.logf(LevelDebug, format, a...) }
func (l *Logger) Tracef(format string, a ...interface{}) { l.logf(LevelTrace, format, a...) }

func (l *Logger) logf(lv int, format string, a ...interface{}) {
	if ev := l.event(lv); ev != nil {
		ev.Msgf(format, a...)
	}
}

// With returns a structured event at the given level for callers that want
// fields instead of a format string. It returns nil when the level is muted;
// zerolog events are nil-safe.
func (l *Logger) With(lv int) *zerolog.Event {
	return l.event(lv)
}
