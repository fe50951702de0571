package jobmetrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/applykit/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

func TestNewPusherSelection(t *testing.T) {
	log := zap.NewNop()

	assert.Nil(t, NewPusher(config.Config{}, "identity-sync", log))
	assert.Nil(t, NewPusher(config.Config{JobMetrics: config.JobMetricsConfig{Exporter: ExporterRemoteWrite}}, "identity-sync", log))
	assert.Nil(t, NewPusher(config.Config{JobMetrics: config.JobMetricsConfig{Exporter: "statsd", Endpoint: "x"}}, "identity-sync", log))

	p := NewPusher(config.Config{JobMetrics: config.JobMetricsConfig{Exporter: ExporterPushgateway, Endpoint: "http://pgw:9091"}}, "identity-sync", log)
	assert.IsType(t, &PushgatewayPusher{}, p)

	p = NewPusher(config.Config{JobMetrics: config.JobMetricsConfig{Exporter: ExporterRemoteWrite, Endpoint: "http://prom/api/v1/write"}}, "identity-sync", log)
	assert.IsType(t, &RemoteWritePusher{}, p)
}

func TestRemoteWritePush(t *testing.T) {
	var got prompb.WriteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "snappy", r.Header.Get("Content-Encoding"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		raw, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		require.NoError(t, proto.Unmarshal(raw, protoadapt.MessageV2Of(&got)))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	run := NewRun("identity-sync")
	run.SetItems("created", 3)
	require.NoError(t, run.Finish(context.Background(), NewRemoteWritePusher(srv.URL, "tok"), nil))

	names := map[string]bool{}
	for _, ts := range got.Timeseries {
		for _, l := range ts.Labels {
			if l.Name == "__name__" {
				names[l.Value] = true
			}
		}
	}
	assert.True(t, names["applykit_job_items"])
	assert.True(t, names["applykit_job_last_success_timestamp_seconds"])
}

func TestRemoteWritePushFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	run := NewRun("identity-sync")
	err := run.Finish(context.Background(), NewRemoteWritePusher(srv.URL, ""), errors.New("boom"))
	assert.Error(t, err)
}

func TestPushgatewayPush(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	run := NewRun("identity-sync")
	pusher := NewPushgatewayPusher(srv.URL, "identity-sync", map[string]string{"environment": "test", "empty": " "})
	require.NoError(t, run.Finish(context.Background(), pusher, nil))
	assert.True(t, strings.HasPrefix(path, "/metrics/job/identity-sync"))
	assert.Contains(t, path, "/environment/test")
	assert.NotContains(t, path, "empty")
}

func TestFinishWithoutPusher(t *testing.T) {
	assert.NoError(t, NewRun("noop").Finish(context.Background(), nil, nil))
}
