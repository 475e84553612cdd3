package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestWebSocketTransport_Dial(t *testing.T) {
	var gotPath, gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("token")

		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"stage":"cloning"}`)))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
	}))
	defer server.Close()

	transport := NewWebSocketTransport(server.URL, "test-token")
	conn, err := transport.Dial(context.Background(), "analysis-123")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "/api/analyze/analysis-123/stream", gotPath)
	assert.Equal(t, "test-token", gotToken)

	payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"cloning"}`, string(payload))

	_, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNormalClosure), "expected ErrNormalClosure, got %v", err)
}

func TestWebSocketTransport_DialOmitsEmptyToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present := r.URL.Query()["token"]
		assert.False(t, present, "empty token must not be sent")

		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn.Close()
	}))
	defer server.Close()

	transport := NewWebSocketTransport(server.URL, "")
	conn, err := transport.Dial(context.Background(), "analysis-123")
	require.NoError(t, err)
	conn.Close()
}

func TestWebSocketTransport_DialRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": "Missing or invalid authorization"}`))
	}))
	defer server.Close()

	transport := NewWebSocketTransport(server.URL, "")
	_, err := transport.Dial(context.Background(), "analysis-123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Contains(t, err.Error(), "Missing or invalid authorization")
}

func TestWebSocketTransport_DialBadScheme(t *testing.T) {
	transport := NewWebSocketTransport("ftp://example.com", "")
	_, err := transport.Dial(context.Background(), "analysis-123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported URL scheme")
}

func TestWebSocketTransport_AbnormalCloseIsNotNormalClosure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		// Drop the TCP connection without a close handshake.
		conn.Close()
	}))
	defer server.Close()

	transport := NewWebSocketTransport(server.URL, "")
	conn, err := transport.Dial(context.Background(), "analysis-123")
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ReadMessage()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNormalClosure), "abnormal close must not map to ErrNormalClosure")
}
