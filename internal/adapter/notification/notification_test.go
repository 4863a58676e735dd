package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/config"
	"ci-scheduler/pkg/constants"
)

func failedPipeline() *model.Pipeline {
	p := &model.Pipeline{ProjectID: 7, Ref: "main", SHA: "0123456789abcdef", Source: constants.SourcePush,
		Status: constants.StatusFailed, FailureReason: constants.FailureReasonConfigError}
	p.ID = 42
	return p
}

func TestPipelineEvent(t *testing.T) {
	event := PipelineEvent(failedPipeline(), constants.StatusFailed)
	assert.Equal(t, TypePipelineFailed, event.Type)
	assert.Equal(t, int64(42), event.PipelineID)
	assert.Equal(t, constants.FailureReasonConfigError, event.FailureReason)

	assert.Equal(t, TypePipelineSuccess, PipelineEvent(failedPipeline(), constants.StatusSuccess).Type)
	assert.Equal(t, TypePipelineSkipped, PipelineEvent(failedPipeline(), constants.StatusSkipped).Type)
}

func TestLarkNotifier(t *testing.T) {
	var got larkMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := NewLarkNotifier(srv.URL, zaptest.NewLogger(t))
	require.NoError(t, n.Notify(context.Background(), PipelineEvent(failedPipeline(), constants.StatusFailed)))

	assert.Equal(t, "interactive", got.MsgType)
	assert.Equal(t, "red", got.Card.Header.Template)
	require.Len(t, got.Card.Elements, 2)
	assert.Contains(t, got.Card.Elements[0].Text.Content, "#42")
	assert.Contains(t, got.Card.Elements[0].Text.Content, "01234567")
	assert.Contains(t, got.Card.Elements[0].Text.Content, constants.FailureReasonConfigError)
}

func TestMultiContinuesAfterFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	m := Multi{NewLarkNotifier(srv.URL, logger), NewLogNotifier(logger)}

	err := m.Notify(context.Background(), PipelineEvent(failedPipeline(), constants.StatusFailed))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, 1, logs.FilterMessage("流水线通知").Len())
}

func TestNewFallsBackToLog(t *testing.T) {
	logger := zaptest.NewLogger(t)
	_, ok := New(config.NotificationConfig{Enabled: true, Provider: "lark"}, logger).(*LogNotifier)
	assert.True(t, ok)

	_, ok = New(config.NotificationConfig{Enabled: true, Provider: "lark", LarkWebhook: "http://lark.invalid"}, logger).(Multi)
	assert.True(t, ok)
}
