package mux_test

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/rsyncjob/internal/mux"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	lines []string
}

func (r *recorder) cb(prefix string) mux.Callback {
	return func(line string) {
		r.lines = append(r.lines, prefix+line)
	}
}

// drain selects until every stream is deregistered
func drain(t *testing.T, m *mux.Mux) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for m.Len() > 0 {
		require.True(t, time.Now().Before(deadline), "streams not drained in time")
		m.Select(10 * time.Millisecond)
	}
}

func TestSelect(t *testing.T) {
	t.Parallel()
	m := mux.New()
	t.Cleanup(m.Close)

	var out, errs recorder
	m.Register("stdout", io.NopCloser(strings.NewReader("a\nb\r\nc")), out.cb(""))
	m.Register("stderr", io.NopCloser(strings.NewReader("x\n\ny\n")), errs.cb(""))
	require.Equal(t, 2, m.Len())

	drain(t, m)
	require.Equal(t, []string{"a", "b", "c"}, out.lines)
	require.Equal(t, []string{"x", "", "y"}, errs.lines)
	require.Equal(t, 0, m.Len())
}

func TestLineEndings(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     []string
	}{
		{"progress", "  1%\r 50%\r100%\nsent 10 bytes\n", []string{"  1%", " 50%", "100%", "sent 10 bytes"}},
		{"crlf", "a\r\nb\r\n", []string{"a", "b"}},
		{"empty lines", "a\r\r\n\nb", []string{"a", "", "", "b"}},
		{"trailing cr", "done\r", []string{"done"}},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			m := mux.New()
			t.Cleanup(m.Close)
			var rec recorder
			m.Register("stdout", io.NopCloser(strings.NewReader(tc.given)), rec.cb(""))
			drain(t, m)
			require.Equal(t, tc.then, rec.lines)
		})
	}
}

func TestProgressStreamed(t *testing.T) {
	t.Parallel()
	m := mux.New()
	t.Cleanup(m.Close)

	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	var rec recorder
	m.Register("stdout", pr, rec.cb(""))

	// a redraw is reported before the stream ends
	go func() { _, _ = io.WriteString(pw, " 10%\r") }()
	require.Eventually(t, func() bool {
		m.Select(10 * time.Millisecond)
		return len(rec.lines) == 1
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, []string{" 10%"}, rec.lines)

	// a newline following the carriage return in a later write is no line
	go func() {
		_, _ = io.WriteString(pw, "\n 20%\n")
		_ = pw.Close()
	}()
	drain(t, m)
	require.Equal(t, []string{" 10%", " 20%"}, rec.lines)
}

func TestLineTooLong(t *testing.T) {
	t.Parallel()
	m := mux.New()
	t.Cleanup(m.Close)

	var rec recorder
	long := strings.Repeat("x", 2*1024*1024)
	m.Register("stdout", io.NopCloser(strings.NewReader("short\n"+long+"\n")), rec.cb(""))
	drain(t, m)
	require.Equal(t, []string{"short"}, rec.lines)
}

func TestSelectTimeout(t *testing.T) {
	t.Parallel()
	m := mux.New()
	t.Cleanup(m.Close)

	t.Run("no streams", func(t *testing.T) {
		start := time.Now()
		require.Zero(t, m.Select(30*time.Millisecond))
		require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("silent stream", func(t *testing.T) {
		pr, pw := io.Pipe()
		t.Cleanup(func() { _ = pw.Close() })
		var rec recorder
		m.Register("silent", pr, rec.cb(""))
		require.Zero(t, m.Select(30*time.Millisecond))
		require.Equal(t, 1, m.Len())

		go func() {
			_, _ = io.WriteString(pw, "late\n")
			_ = pw.Close()
		}()
		drain(t, m)
		require.Equal(t, []string{"late"}, rec.lines)
	})
}

func TestOneLinePerStream(t *testing.T) {
	t.Parallel()
	m := mux.New()
	t.Cleanup(m.Close)

	var rec recorder
	loud := strings.Repeat("loud\n", 1000)
	m.Register("loud", io.NopCloser(strings.NewReader(loud)), rec.cb("L"))

	quietR, quietW := io.Pipe()
	m.Register("quiet", quietR, rec.cb("Q"))
	go func() {
		_, _ = io.WriteString(quietW, "hello\n")
		_ = quietW.Close()
	}()

	// a single Select dispatches at most one line per registered stream
	for m.Len() > 0 {
		n := m.Select(time.Second)
		require.LessOrEqual(t, n, 3)
	}
	require.Contains(t, rec.lines, "Qhello")
	require.Len(t, rec.lines, 1001)
}

type failingReader struct {
	closed bool
}

func (f *failingReader) Read([]byte) (int, error) { return 0, errors.New("broken pipe") }
func (f *failingReader) Close() error {
	f.closed = true
	return nil
}

func TestReadErrorIsEOF(t *testing.T) {
	t.Parallel()
	m := mux.New()
	t.Cleanup(m.Close)

	called := false
	f := &failingReader{}
	m.Register("broken", f, func(string) { called = true })
	drain(t, m)
	require.False(t, called)
	require.True(t, f.closed)
}

func TestClose(t *testing.T) {
	t.Parallel()
	m := mux.New()
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	m.Register("blocked", pr, func(string) {})
	m.Register("pending", io.NopCloser(strings.NewReader("never read\n")), func(string) {})

	m.Close()
	m.Close()
	require.Zero(t, m.Len())
	require.Zero(t, m.Select(10*time.Millisecond))
}
