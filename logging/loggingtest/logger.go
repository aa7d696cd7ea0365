/*
Package loggingtest implements a logger that can be used in tests to wait
for log entries.
*/
package loggingtest

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/pyramidproxy/pyramidproxy/logging"
)

type logSubscription struct {
	exp      string
	n        int
	response chan<- struct{}
}

type countMessage struct {
	exp      string
	response chan<- int
}

type logWatch struct {
	entries []string
	reqs    []*logSubscription
	mute    bool
}

type state struct {
	save   chan string
	notify chan logSubscription
	count  chan countMessage
	clear  chan struct{}
	mute   chan bool
	quit   chan struct{}
}

// TestLogger collects the entries logged through it and lets tests wait
// for them.
type TestLogger struct {
	*state
	fields string
}

var ErrWaitTimeout = errors.New("timeout")

func (lw *logWatch) save(e string) {
	if !lw.mute {
		log.Println(e)
	}

	lw.entries = append(lw.entries, e)
	for i := len(lw.reqs) - 1; i >= 0; i-- {
		req := lw.reqs[i]
		if strings.Contains(e, req.exp) {
			req.n--
			if req.n <= 0 {
				close(req.response)
				lw.reqs = append(lw.reqs[:i], lw.reqs[i+1:]...)
			}
		}
	}
}

func (lw *logWatch) notify(req logSubscription) {
	for i := len(lw.entries) - 1; i >= 0; i-- {
		if strings.Contains(lw.entries[i], req.exp) {
			req.n--
			if req.n == 0 {
				break
			}
		}
	}

	if req.n <= 0 {
		close(req.response)
	} else {
		lw.reqs = append(lw.reqs, &req)
	}
}

func (lw *logWatch) countEntries(m countMessage) {
	var n int
	for _, e := range lw.entries {
		if strings.Contains(e, m.exp) {
			n++
		}
	}

	m.response <- n
}

func (lw *logWatch) clear() {
	lw.entries = nil
	lw.reqs = nil
}

func New() *TestLogger {
	lw := &logWatch{}
	s := &state{
		save:   make(chan string),
		notify: make(chan logSubscription),
		count:  make(chan countMessage),
		clear:  make(chan struct{}),
		mute:   make(chan bool),
		quit:   make(chan struct{}),
	}

	go func() {
		for {
			select {
			case e := <-s.save:
				lw.save(e)
			case req := <-s.notify:
				lw.notify(req)
			case m := <-s.count:
				lw.countEntries(m)
			case <-s.clear:
				lw.clear()
			case m := <-s.mute:
				if m {
					lw.clear()
				}
				lw.mute = m
			case <-s.quit:
				return
			}
		}
	}()

	return &TestLogger{state: s}
}

func (tl *TestLogger) logf(f string, a ...interface{}) {
	tl.save <- fmt.Sprintf(f, a...) + tl.fields
}

func (tl *TestLogger) log(a ...interface{}) {
	tl.save <- fmt.Sprint(a...) + tl.fields
}

// WaitForN blocks until the expression was logged n times or the timeout
// expires.
func (tl *TestLogger) WaitForN(exp string, n int, to time.Duration) error {
	found := make(chan struct{}, 1)
	tl.notify <- logSubscription{exp, n, found}

	select {
	case <-found:
		return nil
	case <-time.After(to):
		return ErrWaitTimeout
	}
}

func (tl *TestLogger) WaitFor(exp string, to time.Duration) error {
	return tl.WaitForN(exp, 1, to)
}

// Count returns how many entries contain the expression.
func (tl *TestLogger) Count(exp string) int {
	rsp := make(chan int)
	tl.count <- countMessage{exp, rsp}
	return <-rsp
}

func (tl *TestLogger) Reset() {
	tl.clear <- struct{}{}
}

// Mute drops the collected entries and stops echoing new ones to the
// standard log. New entries are still collected.
func (tl *TestLogger) Mute() {
	tl.mute <- true
}

func (tl *TestLogger) Unmute() {
	tl.mute <- false
}

func (tl *TestLogger) Close() {
	close(tl.quit)
}

func (tl *TestLogger) Error(a ...interface{})            { tl.log(a...) }
func (tl *TestLogger) Errorf(f string, a ...interface{}) { tl.logf(f, a...) }
func (tl *TestLogger) Warn(a ...interface{})             { tl.log(a...) }
func (tl *TestLogger) Warnf(f string, a ...interface{})  { tl.logf(f, a...) }
func (tl *TestLogger) Info(a ...interface{})             { tl.log(a...) }
func (tl *TestLogger) Infof(f string, a ...interface{})  { tl.logf(f, a...) }
func (tl *TestLogger) Debug(a ...interface{})            { tl.log(a...) }
func (tl *TestLogger) Debugf(f string, a ...interface{}) { tl.logf(f, a...) }

// WithFields returns a logger sharing the entries of the receiver, that
// appends the fields in key=value form to every entry.
func (tl *TestLogger) WithFields(fields map[string]interface{}) logging.Logger {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	f := tl.fields
	for _, k := range keys {
		f += fmt.Sprintf(" %s=%v", k, fields[k])
	}

	return &TestLogger{state: tl.state, fields: f}
}
