package checkin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}
}

func TestHTTPClientCheckIn(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/projects/my-project/integrations/checkin", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "my-extractor", req.ExternalID)
		require.Len(t, req.TaskEvents, 1)
		assert.Equal(t, int64(1700000000000), req.TaskEvents[0].Timestamp)

		_, _ = w.Write([]byte(`{"externalId":"my-extractor","lastConfigRevision":3}`))
	}))
	defer server.Close()

	client := NewHTTPClient(ClientConfig{
		BaseURL: server.URL + "/",
		Project: "my-project",
		Token:   "secret",
		Retry:   fastRetry(),
	})

	resp, err := client.CheckIn(context.Background(), &Request{
		ExternalID: "my-extractor",
		TaskEvents: []TaskEvent{{Type: "started", Name: "task", Timestamp: 1700000000000}},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.LastConfigRevision)
	assert.Equal(t, 3, *resp.LastConfigRevision)
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"externalId":"x"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(ClientConfig{BaseURL: server.URL, Project: "p", Retry: fastRetry()})

	resp, err := client.CheckIn(context.Background(), &Request{ExternalID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", resp.ExternalID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer server.Close()

			client := NewHTTPClient(ClientConfig{BaseURL: server.URL, Project: "p", Retry: fastRetry()})

			_, err := client.CheckIn(context.Background(), &Request{ExternalID: "x"})
			require.Error(t, err)
			assert.True(t, IsClientError(err))
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestHTTPClientGivesUpAfterMaxElapsed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	retry := fastRetry()
	retry.MaxElapsedTime = 20 * time.Millisecond
	client := NewHTTPClient(ClientConfig{BaseURL: server.URL, Project: "p", Retry: retry})

	_, err := client.CheckIn(context.Background(), &Request{ExternalID: "x"})
	require.Error(t, err)
	assert.False(t, IsClientError(err))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
}

func TestHTTPClientGetConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/projects/p/integrations/config", r.URL.Path)
		assert.Equal(t, "my-extractor", r.URL.Query().Get("integration"))
		assert.Equal(t, "4", r.URL.Query().Get("revision"))
		_, _ = w.Write([]byte(`{"integration":"my-extractor","revision":4,"config":"key: value\n"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(ClientConfig{BaseURL: server.URL, Project: "p", Retry: fastRetry()})

	rev := 4
	cfg, err := client.GetConfig(context.Background(), "my-extractor", &rev)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Revision)
	assert.Equal(t, "key: value\n", cfg.Config)
}

func TestHTTPClientStopsOnCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	retry := fastRetry()
	retry.MaxElapsedTime = time.Minute
	client := NewHTTPClient(ClientConfig{BaseURL: server.URL, Project: "p", Retry: retry})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.CheckIn(ctx, &Request{ExternalID: "x"})
	require.Error(t, err)
}
