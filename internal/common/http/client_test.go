package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultClientConfig(t *testing.T) {
	config := DefaultClientConfig()

	assert.Equal(t, 30*time.Second, config.Timeout)
	assert.Equal(t, 100, config.MaxIdleConns)
	assert.Equal(t, 10, config.MaxIdleConnsPerHost)
	assert.Equal(t, 90*time.Second, config.IdleConnTimeout)
	assert.False(t, config.DisableKeepAlives)
	assert.Nil(t, config.Transport)
}

func TestNewHTTPClient_DefaultConfig(t *testing.T) {
	client := NewHTTPClient()

	assert.Equal(t, 30*time.Second, client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok, "Transport should be *http.Transport")
	assert.Equal(t, 100, transport.MaxIdleConns)
	assert.Equal(t, 10, transport.MaxIdleConnsPerHost)
	assert.Equal(t, 90*time.Second, transport.IdleConnTimeout)
	assert.Nil(t, transport.TLSClientConfig)
}

func TestNewHTTPClient_WithOptions(t *testing.T) {
	client := NewHTTPClient(
		WithTimeout(5*time.Second),
		WithMaxIdleConnsPerHost(2),
		WithoutKeepAlives(),
		WithInsecureSkipVerify(),
		nil,
	)

	assert.Equal(t, 5*time.Second, client.Timeout)
	transport := client.Transport.(*http.Transport)
	assert.Equal(t, 2, transport.MaxIdleConnsPerHost)
	assert.True(t, transport.DisableKeepAlives)
	require.NotNil(t, transport.TLSClientConfig)
	assert.True(t, transport.TLSClientConfig.InsecureSkipVerify)
}

func TestNewHTTPClient_WithCustomTransport(t *testing.T) {
	custom := &http.Transport{MaxIdleConns: 200}
	client := NewHTTPClient(WithTransport(custom))

	assert.Same(t, custom, client.Transport)
}

func TestClientOptions_LastWins(t *testing.T) {
	client := NewHTTPClient(
		WithTimeout(5*time.Second),
		WithTimeout(15*time.Second),
	)

	assert.Equal(t, 15*time.Second, client.Timeout)
}

func TestIsRetryableStatus(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusUnprocessableEntity, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableStatus(tt.code))
		})
	}
}

func TestDo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"ok":true}`, string(body))
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("queued"))
	}))
	defer server.Close()

	resp, err := Do(context.Background(), NewHTTPClient(), RequestOptions{
		URL:     server.URL,
		Body:    []byte(`{"ok":true}`),
		Headers: map[string]string{"Content-Type": "application/json"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", string(resp.Body))
}

func TestDo_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(strings.Repeat("x", 2*maxErrorBody)))
	}))
	defer server.Close()

	resp, err := Do(context.Background(), NewHTTPClient(), RequestOptions{URL: server.URL})
	require.Error(t, err)
	require.NotNil(t, resp)

	statusErr, ok := err.(*StatusError)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.True(t, statusErr.Retryable())
	assert.Len(t, statusErr.Body, maxErrorBody)
	assert.Contains(t, statusErr.Error(), "returned status 503")
}

func TestDo_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, err := Do(context.Background(), NewHTTPClient(WithTimeout(20*time.Millisecond)), RequestOptions{
		Method: http.MethodGet,
		URL:    server.URL,
	})
	require.Error(t, err)
	_, isStatus := err.(*StatusError)
	assert.False(t, isStatus)
}
