package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/joinflow/joinflow/types/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithOutput(config.LogConfig{Level: "debug", Format: "json"}, &buf)

	logger.WithFields(logrus.Fields{"chip_id": 7}).Debug("selected chip")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "selected chip", entry["msg"])
	assert.Equal(t, float64(7), entry["chip_id"])
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestNew_UnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithOutput(config.LogConfig{Level: "loud", Format: "text"}, &buf)

	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.Contains(t, buf.String(), "unknown log level")
}
