package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdk/internal/config"
)

func TestNewWritesJSONToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "cdk.log")
	logger, closer, err := New(config.LogConfig{Level: "debug", Format: "json", Output: "file", FilePath: path, MaxSize: 1})
	require.NoError(t, err)
	logger.WithField("project_id", "p1").Debug("claimed")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"project_id":"p1"`), string(data))
	assert.Equal(t, log.DebugLevel, logger.Level)
}

func TestNewRejectsBadSettings(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
	_, _, err = New(config.LogConfig{Format: "xml"})
	assert.Error(t, err)
	_, _, err = New(config.LogConfig{Output: "file"})
	assert.Error(t, err)
}
