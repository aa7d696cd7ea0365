package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetStandardLogger(t *testing.T) {
	t.Cleanup(func() {
		log.SetFormatter(&log.TextFormatter{})
		log.SetLevel(log.InfoLevel)
	})
}

func TestCustomOutputForApplicationLog(t *testing.T) {
	resetStandardLogger(t)

	var buf bytes.Buffer
	Init(Options{ApplicationLogOutput: &buf})
	msg := "Hello, world!"
	log.Info(msg)
	assert.Contains(t, buf.String(), msg)
}

func TestCustomPrefixForApplicationLog(t *testing.T) {
	resetStandardLogger(t)

	var buf bytes.Buffer
	prefix := "[TEST_PREFIX]"
	Init(Options{
		ApplicationLogOutput: &buf,
		ApplicationLogPrefix: prefix})
	log.Infof("Hello, world!")
	got := buf.String()
	assert.True(t, strings.HasPrefix(got, prefix))
	assert.Contains(t, got, "Hello, world!")
}

func TestApplicationLogLevel(t *testing.T) {
	resetStandardLogger(t)

	var buf bytes.Buffer
	Init(Options{ApplicationLogOutput: &buf, ApplicationLogLevel: log.WarnLevel})
	log.Info("quiet")
	log.Warn("loud")
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
}

func TestApplicationLogJSON(t *testing.T) {
	resetStandardLogger(t)

	var buf bytes.Buffer
	Init(Options{ApplicationLogOutput: &buf, ApplicationLogJSONEnabled: true})
	log.WithField("backend", "b1:80").Info("json entry")

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "json entry", m["msg"])
	assert.Equal(t, "b1:80", m["backend"])
}

func TestCustomOutputForAccessLog(t *testing.T) {
	resetStandardLogger(t)

	var buf bytes.Buffer
	Init(Options{AccessLogOutput: &buf})
	LogAccess(&AccessEntry{StatusCode: http.StatusTeapot})
	assert.Contains(t, buf.String(), strconv.Itoa(http.StatusTeapot))
}
