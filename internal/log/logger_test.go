package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(buf *bytes.Buffer, level slog.Level) *logrusHandler {
	l := logrus.New()
	l.SetOutput(buf)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(toLogrusLevel(level))
	return &logrusHandler{logger: l, level: level}
}

func TestLogrusHandlerWritesMessageAndFields(t *testing.T) {
	var buf bytes.Buffer
	h := newTestHandler(&buf, slog.LevelInfo)

	logger := slog.New(h)
	logger.Info("dialing peer", "iface", "eth0", "attempt", 3)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "dialing peer", decoded["msg"])
	assert.Equal(t, "eth0", decoded["iface"])
	assert.Equal(t, float64(3), decoded["attempt"])
}

func TestLogrusHandlerEnabledRespectsLevel(t *testing.T) {
	h := newTestHandler(&bytes.Buffer{}, slog.LevelWarn)
	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestLogrusHandlerWithAttrsPrefixesGroup(t *testing.T) {
	var buf bytes.Buffer
	h := newTestHandler(&buf, slog.LevelInfo)

	grouped := h.WithGroup("sender").WithAttrs([]slog.Attr{slog.String("iface", "eth0")})
	logger := slog.New(grouped)
	logger.Info("fragment sent")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "eth0", decoded["sender.iface"])
}

func TestInitRejectsUnknownFormat(t *testing.T) {
	err := Init(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	err := Init(Config{Level: "verbose"})
	assert.Error(t, err)
}
