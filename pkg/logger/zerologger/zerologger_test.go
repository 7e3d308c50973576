package zerologger_test

import (
	"bytes"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/taskdeck.go/pkg/logger"
	"github.com/taskdeck/taskdeck.go/pkg/logger/zerologger"
)

var _ logger.Logger = (*zerologger.Handler)(nil)

func TestFieldsAreFolded(t *testing.T) {
	var buf bytes.Buffer
	h := zerologger.New(zerolog.New(&buf))

	h.Info("channel replaying room join", "room", "project:p1", "attempt", 2)

	line := map[string]any{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "channel replaying room join", line["message"])
	assert.Equal(t, "project:p1", line["room"])
	assert.EqualValues(t, 2, line["attempt"])
}

func TestDanglingArgGetsDefaultKey(t *testing.T) {
	var buf bytes.Buffer
	h := zerologger.New(zerolog.New(&buf))

	h.Warn("odd arity", "dangling")

	line := map[string]any{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "dangling", line["arg"])
}

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	h := zerologger.New(zerolog.New(&buf).Level(zerolog.WarnLevel))

	h.Debug("suppressed")
	h.Error("kept")

	assert.NotContains(t, buf.String(), "suppressed")
	assert.Contains(t, buf.String(), "kept")
}
