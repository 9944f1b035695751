package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/CZERTAINLY/rsyncjob/internal/log"

	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, false)

	parent := log.ContextAttrs(context.Background(), slog.String("cmd", "sync"))
	child := log.JobAttrs(parent, "1234", "home")

	logger.InfoContext(child, "job started")
	logger.DebugContext(child, "not printed")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "job started", record["msg"])
	require.Equal(t, "sync", record["cmd"])
	require.Equal(t, "1234", record["job_id"])
	require.Equal(t, "home", record["job_name"])

	buf.Reset()
	logger.InfoContext(parent, "parent only")
	record = nil
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.NotContains(t, record, "job_id")
}

func TestJobAttrsOnce(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, false)

	ctx := log.JobAttrs(t.Context(), "1234", "home")
	ctx = log.JobAttrs(ctx, "1234", "home")
	ctx = log.JobAttrs(ctx, "1234", "home")
	logger.InfoContext(ctx, "tagged thrice")
	require.Equal(t, 1, bytes.Count(buf.Bytes(), []byte(`"job_id"`)))
	require.Equal(t, 1, bytes.Count(buf.Bytes(), []byte(`"job_name"`)))

	// another job still gets its own tag
	buf.Reset()
	logger.InfoContext(log.JobAttrs(ctx, "5678", "docs"), "nested")
	require.Contains(t, buf.String(), `"job_id":"5678"`)
}

func TestVerbose(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, true).With("pid", 42)
	logger.DebugContext(log.JobAttrs(t.Context(), "abc", ""), "debug")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "DEBUG", record["level"])
	require.Equal(t, "abc", record["job_id"])
	require.EqualValues(t, 42, record["pid"])
	require.NotContains(t, record, "job_name")
}
