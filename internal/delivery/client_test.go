// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/sentinel/internal/config"
	"github.com/antimetal/sentinel/pkg/telemetry"
)

func testEnvelope(seq uint64) *telemetry.DeliveryEnvelope {
	return telemetry.NewEnvelope(telemetry.Snapshot{
		HostID:     "test-host",
		CapturedAt: time.Now().UTC(),
		Sequence:   seq,
		Readings: []telemetry.Reading{
			{SensorID: "coretemp/temp1", Label: "Package id 0", Value: 61.5, Unit: telemetry.UnitCelsius},
		},
	}, time.Now().UTC())
}

func collectorConfig(endpoint string) config.CollectorConfig {
	return config.CollectorConfig{
		Endpoint: endpoint,
		Token:    "test-token",
		Timeout:  2 * time.Second,
	}
}

func TestClientDeliverSuccess(t *testing.T) {
	var gotAuth string
	var gotBody telemetry.DeliveryEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := NewClient(logr.Discard(), collectorConfig(srv.URL))
	env := testEnvelope(3)
	env.RecordAttempt(time.Now().UTC())

	outcome, err := client.Deliver(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, Sent, outcome)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "test-host", gotBody.Snapshot.HostID)
	assert.Equal(t, uint64(3), gotBody.Snapshot.Sequence)
	assert.Equal(t, uint32(1), gotBody.AttemptCount)
}

func TestClientStatusClassification(t *testing.T) {
	tests := []struct {
		status  int
		outcome Outcome
	}{
		{http.StatusOK, Sent},
		{http.StatusAccepted, Sent},
		{http.StatusNoContent, Sent},
		{http.StatusRequestTimeout, Retryable},
		{http.StatusTooManyRequests, Retryable},
		{http.StatusInternalServerError, Retryable},
		{http.StatusBadGateway, Retryable},
		{http.StatusServiceUnavailable, Retryable},
		{http.StatusBadRequest, Fatal},
		{http.StatusUnauthorized, Fatal},
		{http.StatusForbidden, Fatal},
		{http.StatusNotFound, Fatal},
		{http.StatusUnprocessableEntity, Fatal},
	}

	for _, tt := range tests {
		status := tt.status
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		client := NewClient(logr.Discard(), collectorConfig(srv.URL))

		outcome, err := client.Deliver(context.Background(), testEnvelope(1))
		assert.Equal(t, tt.outcome, outcome, "status %d", tt.status)
		if tt.outcome == Sent {
			assert.NoError(t, err)
		} else {
			assert.Error(t, err)
		}
		srv.Close()
	}
}

func TestClientConnectionRefusedIsRetryable(t *testing.T) {
	// Grab a port that nothing listens on.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	client := NewClient(logr.Discard(), collectorConfig(endpoint))
	outcome, err := client.Deliver(context.Background(), testEnvelope(1))
	assert.Equal(t, Retryable, outcome)
	assert.Error(t, err)
}

func TestClientTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	cfg := collectorConfig(srv.URL)
	cfg.Timeout = 20 * time.Millisecond
	client := NewClient(logr.Discard(), cfg)

	outcome, err := client.Deliver(context.Background(), testEnvelope(1))
	assert.Equal(t, Retryable, outcome)
	assert.Error(t, err)
}

func TestClientUpdateSwitchesEndpoint(t *testing.T) {
	var first, second int
	srv1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		first++
	}))
	defer srv1.Close()
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		second++
	}))
	defer srv2.Close()

	client := NewClient(logr.Discard(), collectorConfig(srv1.URL))
	_, err := client.Deliver(context.Background(), testEnvelope(1))
	require.NoError(t, err)

	client.Update(collectorConfig(srv2.URL))
	_, err = client.Deliver(context.Background(), testEnvelope(2))
	require.NoError(t, err)

	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}
