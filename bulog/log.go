// Copyright 2024 The bucore Authors
// This file is part of bucore.
//
// bucore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// bucore is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with bucore. If not, see <http://www.gnu.org/licenses/>.

// Package bulog is the structured logger used throughout the core. It
// keeps a call-site-capture + key/value idiom without dragging in a
// whole log15-style dependency tree.
package bulog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-stack/stack"
)

// Level is the severity of a log record, ordered so that Level < Level
// comparisons mean "more severe".
type Level int

const (
	LvlCrit Level = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Level) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	case LvlTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

// Logger follows the log.Logger contract familiar from go-ethereum-style
// loggers: New() derives a child logger with bound key/values, the level
// methods take alternating key/value pairs.
type Logger interface {
	New(ctx ...interface{}) Logger
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
}

type logger struct {
	ctx []interface{}
	h   *handler
}

type handler struct {
	mu     sync.Mutex
	out    io.Writer
	level  Level
	caller bool
}

// Root is the default handler all package-level loggers fan into.
var root = &handler{out: os.Stderr, level: LvlInfo, caller: true}

// SetOutput redirects every Logger created via this package to w.
func SetOutput(w io.Writer) {
	root.mu.Lock()
	defer root.mu.Unlock()
	root.out = w
}

// SetLevel sets the minimum severity that is actually written.
func SetLevel(l Level) {
	root.mu.Lock()
	defer root.mu.Unlock()
	root.level = l
}

// New creates a root-scoped Logger with the given bound key/values, e.g.
// bulog.New("peer", id).
func New(ctx ...interface{}) Logger {
	return &logger{ctx: ctx, h: root}
}

func (l *logger) New(ctx ...interface{}) Logger {
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &logger{ctx: merged, h: l.h}
}

func (l *logger) log(lvl Level, msg string, ctx []interface{}) {
	l.h.mu.Lock()
	defer l.h.mu.Unlock()
	if lvl > l.h.level {
		return
	}
	var site string
	if l.h.caller {
		// Skip log() and the exported Level method (two frames).
		call := stack.Caller(2)
		site = fmt.Sprintf("%+v", call)
	}
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	fmt.Fprintf(l.h.out, "%s [%s] %s", ts, lvl, msg)
	if site != "" {
		fmt.Fprintf(l.h.out, " caller=%s", site)
	}
	all := make([]interface{}, 0, len(l.ctx)+len(ctx))
	all = append(all, l.ctx...)
	all = append(all, ctx...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(l.h.out, " %v=%v", all[i], all[i+1])
	}
	fmt.Fprintln(l.h.out)
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.log(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.log(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.log(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.log(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.log(LvlError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...interface{})  { l.log(LvlCrit, msg, ctx) }
