package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// WebSocketTransport dials the analysis service's streaming endpoint.
type WebSocketTransport struct {
	baseURL string
	token   string
	dialer  *websocket.Dialer
	tracer  trace.Tracer
}

// NewWebSocketTransport creates a transport for the given service base URL.
// When token is non-empty it is passed as a query parameter, which is how the
// service authenticates WebSocket upgrades.
func NewWebSocketTransport(baseURL, token string) *WebSocketTransport {
	return &WebSocketTransport{
		baseURL: baseURL,
		token:   token,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		tracer: otel.Tracer("stream-transport"),
	}
}

// Dial opens the progress stream for one analysis id.
func (t *WebSocketTransport) Dial(ctx context.Context, analysisID string) (Conn, error) {
	ctx, span := t.tracer.Start(ctx, "stream.dial")
	defer span.End()

	span.SetAttributes(attribute.String("analysis_id", analysisID))

	u, err := url.Parse(t.baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
	}

	u.Path = fmt.Sprintf("/api/analyze/%s/stream", analysisID)
	if t.token != "" {
		q := u.Query()
		q.Set("token", t.token)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		span.RecordError(err)
		if resp != nil {
			bodyBytes, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("failed to dial WebSocket (status %d): %s, error: %w", resp.StatusCode, string(bodyBytes), err)
		}
		return nil, fmt.Errorf("failed to dial WebSocket: %w", err)
	}

	return &wsConn{conn: conn}, nil
}

// wsConn adapts a gorilla connection to the Conn interface, translating
// clean close codes into ErrNormalClosure.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, fmt.Errorf("%w: %v", ErrNormalClosure, err)
		}
		return nil, err
	}
	return payload, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
