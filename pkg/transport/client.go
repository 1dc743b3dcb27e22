package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ryandielhenn/zephyrreg/pkg/protocol"
)

const DefaultTimeout = 2 * time.Second

// ErrUnavailable wraps non-200 answers from the registry endpoint.
var ErrUnavailable = errors.New("registry unavailable")

// Client sends envelopes to a registry over HTTP.
type Client struct {
	hc  *http.Client
	url string
}

// NewClient creates a client for the registry at base, e.g.
// "http://registry:5559". A bare host:port is accepted.
func NewClient(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		hc:  &http.Client{Timeout: timeout},
		url: strings.TrimRight(base, "/") + RPCPath,
	}
}

// URL is the endpoint requests are posted to.
func (c *Client) URL() string {
	return c.url
}

// Do posts one encoded envelope and returns the encoded answer.
func (c *Client) Do(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: %s", ErrUnavailable, resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// Call sends a request envelope and decodes the answer. Registry-level
// errors come back as a Response with Data.Status == "error", not as err.
func (c *Client) Call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		return protocol.Response{}, err
	}
	out, err := c.Do(ctx, payload)
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.DecodeResponse(out)
}
