package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kilupskalvis/shardkeep/internal/cancel"
	"github.com/kilupskalvis/shardkeep/internal/cluster"
)

// Internal endpoint paths.
const (
	PathBan    = "/_internal/tasks/ban"
	PathCancel = "/_internal/tasks/cancel"
	PathVerify = "/_internal/repository/verify"
)

// TokenHeader carries the shared cluster token on internal requests.
const TokenHeader = "X-Cluster-Token"

// RequestIDHeader carries the id of the public request an internal request
// was made for, so one cancellation can be followed across node logs.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// WithRequestID returns a context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id carried by ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// HTTPTransport implements cancel.Transport over HTTP.
type HTTPTransport struct {
	httpClient *http.Client
	token      string
}

// NewHTTPTransport creates a transport. token may be empty when the cluster
// runs without internal authentication.
func NewHTTPTransport(token string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPTransport{
		httpClient: &http.Client{Timeout: timeout},
		token:      token,
	}
}

var _ cancel.Transport = (*HTTPTransport)(nil)

// SendBan delivers a ban-set or ban-remove request. The node answers with
// an empty body on success.
func (t *HTTPTransport) SendBan(ctx context.Context, node cluster.NodeInfo, req cancel.BanRequest) error {
	body, err := EncodeBan(req)
	if err != nil {
		return err
	}
	return t.do(ctx, node, PathBan, body, nil)
}

// ForwardCancel asks node to cancel its local tasks matching req.
func (t *HTTPTransport) ForwardCancel(ctx context.Context, node cluster.NodeInfo, req cancel.Request) (*cancel.Response, error) {
	body, err := Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode cancel request: %w", err)
	}
	var resp cancel.Response
	if err := t.do(ctx, node, PathCancel, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Call posts in to path on node and decodes the reply into out, if non-nil.
func (t *HTTPTransport) Call(ctx context.Context, node cluster.NodeInfo, path string, in, out any) error {
	body, err := Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return t.do(ctx, node, path, body, out)
}

func (t *HTTPTransport) do(ctx context.Context, node cluster.NodeInfo, path string, body []byte, out any) error {
	url := strings.TrimRight(node.Addr, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", ContentType)
	httpReq.Header.Set("Accept", ContentType)
	if t.token != "" {
		httpReq.Header.Set(TokenHeader, t.token)
	}
	if id := RequestID(ctx); id != "" {
		httpReq.Header.Set(RequestIDHeader, id)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("node [%s]: %w", node.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return readRemoteError(node.ID, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := Decode(resp.Body, out); err != nil {
		return fmt.Errorf("node [%s]: decode response: %w", node.ID, err)
	}
	return nil
}

func readRemoteError(nodeID string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	remote := &RemoteError{NodeID: nodeID, Status: resp.StatusCode}

	var body ErrorBody
	switch {
	case strings.HasPrefix(resp.Header.Get("Content-Type"), ContentType) && Unmarshal(data, &body) == nil:
	case json.Unmarshal(data, &body) == nil:
	default:
		body.Message = strings.TrimSpace(string(data))
	}
	remote.Code = body.Error
	remote.Message = body.Message
	if remote.Code == "" {
		remote.Code = http.StatusText(resp.StatusCode)
	}
	return remote
}
