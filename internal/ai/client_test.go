package ai

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

func TestGenerate_SelectsModelPerVariant(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" Your order is in transit. "}}]}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL + "/", APIKey: "key", Model: "std-model", ExperimentalModel: "exp-model"})

	out, err := c.Generate(context.Background(), Standard, "Where is my order?")
	require.NoError(t, err)
	require.Equal(t, "Your order is in transit.", out)
	require.Equal(t, "std-model", got.Model)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "user", got.Messages[1].Role)
	require.Equal(t, "Where is my order?", got.Messages[1].Content)

	_, err = c.Generate(context.Background(), Experimental, "hi")
	require.NoError(t, err)
	require.Equal(t, "exp-model", got.Model)

	_, err = c.Generate(context.Background(), Variant("other"), "hi")
	require.ErrorIs(t, err, ErrUpstream)
}

func TestGenerate_UpstreamFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusBadGateway, `oops`},
		{"no choices", http.StatusOK, `{"choices":[]}`},
		{"error body", http.StatusOK, `{"error":{"message":"quota"}}`},
		{"garbage", http.StatusOK, `<html>`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewClient(Options{BaseURL: srv.URL, Model: "m"})
			_, err := c.Generate(context.Background(), Standard, "hi")
			require.ErrorIs(t, err, ErrUpstream)
		})
	}
}

func TestGenerate_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Model: "m", Timeout: 50 * time.Millisecond})
	_, err := c.Generate(context.Background(), Standard, "hi")
	require.ErrorIs(t, err, ErrUpstream)
}

func TestPing(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL})
	require.NoError(t, c.Ping(context.Background()))

	status.Store(http.StatusUnauthorized)
	require.NoError(t, c.Ping(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	require.Error(t, c.Ping(context.Background()))
}
