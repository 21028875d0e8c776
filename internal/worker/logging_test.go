package worker

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerTagsServiceAndMode(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "info", "JSON", "worker")

	logger.Debug("Hidden")
	logger.Info("Analysis job completed", "job_id", "job-1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "Analysis job completed", record["msg"])
	assert.Equal(t, ServiceName, record["service"])
	assert.Equal(t, "worker", record["mode"])
	assert.Equal(t, "job-1", record["job_id"])
}

func TestLoggerLevelsAndTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "bogus", "text", "server")

	logger.Debug("Hidden")
	logger.Warn("Invalid timezone, using UTC")

	out := buf.String()
	assert.NotContains(t, out, "Hidden")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "mode=server")
	assert.Contains(t, out, "service="+ServiceName)
}
