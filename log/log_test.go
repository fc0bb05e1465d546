package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/labkit/correlation"
)

func TestGetLogger_FromContext(t *testing.T) {
	buf := new(bytes.Buffer)
	l := logrus.New()
	l.SetOutput(buf)
	l.SetFormatter(&logrus.JSONFormatter{})

	ctx := WithLogger(context.Background(), FromLogrus(logrus.NewEntry(l)).WithField("component", "test"))
	ctx = correlation.ContextWithCorrelation(ctx, "abc123")

	GetLogger(WithContext(ctx), WithFields(Fields{"foo": "bar"})).Info("hello")

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	require.Equal(t, "hello", out["msg"])
	require.Equal(t, "test", out["component"])
	require.Equal(t, "bar", out["foo"])
	require.Equal(t, "abc123", out[correlation.FieldName])
}

func TestConfigure(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)
	defer logrus.SetFormatter(&logrus.TextFormatter{})

	buf := new(bytes.Buffer)
	l, err := Configure("debug", "json", buf, map[string]any{"service": "batchmigrate"})
	require.NoError(t, err)
	require.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	l.Debug("configured")
	require.Contains(t, buf.String(), `"service":"batchmigrate"`)
	logrus.SetOutput(new(bytes.Buffer))

	_, err = Configure("verbose", "json", nil, nil)
	require.Error(t, err)

	_, err = Configure("info", "xml", nil, nil)
	require.EqualError(t, err, `unsupported log formatter "xml"`)
}
