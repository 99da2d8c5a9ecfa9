package logrus_test

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/aristath/debai/internal/log"
	loglogrus "github.com/aristath/debai/internal/log/logrus"
)

func TestLogrusWithValues(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.Out = &buf
	l.SetFormatter(&logrus.JSONFormatter{})

	logger := loglogrus.NewLogrus(logrus.NewEntry(l)).WithValues(log.Kv{"svc": "test"})
	logger.Infof("hello %s", "world")

	out := buf.String()
	assert.Contains(t, out, `"svc":"test"`)
	assert.Contains(t, out, `"msg":"hello world"`)
}
