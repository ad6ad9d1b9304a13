// SPDX-License-Identifier: GPL-2.0-or-later

// Package log provides the chained logging API used throughout the
// core. The chaining style (Info().Src("recorder").Stream(name).Msg(...))
// is the one used by the rest of this codebase's ancestor; here it is a
// thin wrapper around a real zerolog.Logger instead of a hand-rolled
// level/field system.
package log

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level is a log severity, aliasing zerolog's own levels so call sites
// never need to import zerolog directly.
type Level = zerolog.Level

// Severity levels, in increasing order of verbosity.
const (
	LevelError Level = zerolog.ErrorLevel
	LevelWarn  Level = zerolog.WarnLevel
	LevelInfo  Level = zerolog.InfoLevel
	LevelDebug Level = zerolog.DebugLevel
)

// Entry is a single logged event, as delivered to subscribers and the
// on-disk store.
type Entry struct {
	Time   time.Time `json:"time"`
	Level  Level     `json:"level"`
	Src    string    `json:"src"`
	Stream string    `json:"stream,omitempty"`
	Msg    string    `json:"msg"`
}

// Feed is a read-only stream of log entries.
type Feed <-chan Entry
type entryFeed chan Entry

// CancelFunc cancels a Subscribe call.
type CancelFunc func()

// Logger fans logged entries out to zerolog (for process stdout) and to
// any number of subscribers (used by the on-disk ring buffer in db.go).
type Logger struct {
	zl zerolog.Logger

	feed  entryFeed
	sub   chan entryFeed
	unsub chan entryFeed

	wg *sync.WaitGroup
}

// NewLogger returns a Logger that writes human-readable lines to stdout
// and starts its fan-out loop once Start is called.
func NewLogger(wg *sync.WaitGroup) *Logger {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return &Logger{
		zl: zerolog.New(output).With().Timestamp().Logger(),

		feed:  make(entryFeed),
		sub:   make(chan entryFeed),
		unsub: make(chan entryFeed),

		wg: wg,
	}
}

// SetLevel parses one of "debug", "info", "warn", "error" and applies
// it as the minimum level this Logger emits. An unrecognized name
// leaves the level unchanged.
func (l *Logger) SetLevel(name string) {
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return
	}
	l.zl = l.zl.Level(level)
}

// Start runs the fan-out loop until ctx is canceled.
func (l *Logger) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		subs := map[entryFeed]struct{}{}
		for {
			select {
			case <-ctx.Done():
				for ch := range subs {
					close(ch)
				}
				return
			case ch := <-l.sub:
				subs[ch] = struct{}{}
			case ch := <-l.unsub:
				close(ch)
				delete(subs, ch)
			case e := <-l.feed:
				for ch := range subs {
					ch <- e
				}
			}
		}
	}()
}

// Subscribe returns a new feed of entries and a function to cancel it.
func (l *Logger) Subscribe() (Feed, CancelFunc) {
	feed := make(entryFeed)
	l.sub <- feed
	cancel := func() {
		for {
			select {
			case l.unsub <- feed:
				return
			case <-feed:
			}
		}
	}
	return Feed(chan Entry(feed)), cancel
}

// Event is an in-progress log line. Call Msg or Msgf to emit it.
type Event struct {
	entry Entry
	zevt  *zerolog.Event
	l     *Logger
}

// Src sets the component that produced the event, e.g. "recorder".
func (e *Event) Src(src string) *Event {
	e.entry.Src = src
	e.zevt = e.zevt.Str("src", src)
	return e
}

// Stream sets the stream name the event concerns, if any.
func (e *Event) Stream(name string) *Event {
	e.entry.Stream = name
	e.zevt = e.zevt.Str("stream", name)
	return e
}

// Msg emits the event with msg as its message.
func (e *Event) Msg(msg string) {
	e.entry.Msg = msg
	e.zevt.Msg(msg)
	if e.l != nil {
		select {
		case e.l.feed <- e.entry:
		default:
			go func(entry Entry) { e.l.feed <- entry }(e.entry)
		}
	}
}

// Msgf emits the event with a formatted message.
func (e *Event) Msgf(format string, args ...interface{}) {
	e.Msg(fmt.Sprintf(format, args...))
}

func (l *Logger) newEvent(level Level, zevt *zerolog.Event) *Event {
	return &Event{
		entry: Entry{Time: time.Now(), Level: level},
		zevt:  zevt,
		l:     l,
	}
}

// Error starts an error-level event.
func (l *Logger) Error() *Event { return l.newEvent(LevelError, l.zl.Error()) }

// Warn starts a warn-level event.
func (l *Logger) Warn() *Event { return l.newEvent(LevelWarn, l.zl.Warn()) }

// Info starts an info-level event.
func (l *Logger) Info() *Event { return l.newEvent(LevelInfo, l.zl.Info()) }

// Debug starts a debug-level event.
func (l *Logger) Debug() *Event { return l.newEvent(LevelDebug, l.zl.Debug()) }
