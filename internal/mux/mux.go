// Package mux waits on several line oriented output streams at once and
// hands ready lines to per stream callbacks.
//
// Every registered stream gets a reader goroutine, which reads exactly one
// line and then parks until the owner calls Select, so a chatty stream can't
// starve a quiet one and every stream keeps its line order. A stream
// reaching EOF (or failing to read) is deregistered and closed, so it can
// never be reported as ready again.
//
// A line ends at "\n", "\r" or "\r\n". rsync redraws its progress with a
// bare "\r", every redraw is a line of its own.
package mux

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Callback receives one line, without the trailing newline.
type Callback func(line string)

type handle struct {
	name string
	rc   io.ReadCloser
	cb   Callback
}

type ready struct {
	h    *handle
	line string
	eof  bool
}

type Mux struct {
	mx        sync.Mutex
	handles   map[*handle]struct{}
	ready     chan ready
	quit      chan struct{}
	g         errgroup.Group
	closeOnce sync.Once
}

func New() *Mux {
	return &Mux{
		handles: make(map[*handle]struct{}),
		ready:   make(chan ready),
		quit:    make(chan struct{}),
	}
}

// Register starts watching rc. The Mux owns rc from now on and closes it on
// EOF or in Close.
func (m *Mux) Register(name string, rc io.ReadCloser, cb Callback) {
	h := &handle{name: name, rc: rc, cb: cb}
	m.mx.Lock()
	m.handles[h] = struct{}{}
	m.mx.Unlock()
	m.g.Go(func() error {
		m.read(h)
		return nil
	})
}

func (m *Mux) read(h *handle) {
	sc := bufio.NewScanner(h.rc)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	var split lineSplitter
	sc.Split(split.split)
	for sc.Scan() {
		if !m.send(ready{h: h, line: sc.Text()}) {
			return
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		slog.Debug("read failed: treating as EOF", "stream", h.name, "error", err)
	}
	m.send(ready{h: h, eof: true})
}

// maxLine is the longest line a stream may produce, a longer one ends the
// stream like a read error
const maxLine = 1024 * 1024

// lineSplitter is a bufio.SplitFunc ending a line at "\n", "\r" or "\r\n".
// A "\r" ends the line at once, a "\n" right after it is skipped later.
type lineSplitter struct {
	afterCR bool
}

func (s *lineSplitter) split(data []byte, atEOF bool) (int, []byte, error) {
	if s.afterCR && len(data) > 0 {
		s.afterCR = false
		if data[0] == '\n' {
			return 1, nil, nil
		}
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		s.afterCR = data[i] == '\r'
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (m *Mux) send(r ready) bool {
	select {
	case m.ready <- r:
		return true
	case <-m.quit:
		return false
	}
}

// Select waits up to timeout for at least one stream to have a line ready,
// then dispatches it together with the lines other streams have ready at
// that moment. It returns the number of callbacks invoked, which is zero
// when the timeout elapsed or when only EOFs were observed. Select never
// waits longer than timeout, even with no stream registered.
func (m *Mux) Select(timeout time.Duration) int {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var r ready
	select {
	case r = <-m.ready:
	case <-timer.C:
		return 0
	}

	n := m.dispatch(r)
	// one extra round per stream at most, a stream flooding lines must not
	// keep the owner from checking on its process
	for range m.Len() {
		select {
		case r = <-m.ready:
			n += m.dispatch(r)
		default:
			return n
		}
	}
	return n
}

func (m *Mux) dispatch(r ready) int {
	if r.eof {
		m.deregister(r.h)
		return 0
	}
	r.h.cb(r.line)
	return 1
}

func (m *Mux) deregister(h *handle) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.handles[h]; !ok {
		return
	}
	delete(m.handles, h)
	_ = h.rc.Close()
}

// Len returns the number of streams still registered.
func (m *Mux) Len() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return len(m.handles)
}

// Close closes all remaining streams and waits for the reader goroutines.
// Lines not dispatched yet are lost.
func (m *Mux) Close() {
	m.closeOnce.Do(func() {
		close(m.quit)
		m.mx.Lock()
		for h := range m.handles {
			delete(m.handles, h)
			_ = h.rc.Close()
		}
		m.mx.Unlock()
	})
	_ = m.g.Wait()
}
