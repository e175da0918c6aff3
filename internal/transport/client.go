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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/example/cellsync/internal/trie"
	"github.com/example/cellsync/internal/types"
	"github.com/example/cellsync/internal/wire"
)

// StatusError is returned when a peer answers with a non-2xx status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("peer responded %d: %s", e.Code, e.Message)
}

// Client speaks the sync endpoints of a peer's Server.
type Client struct {
	http  *http.Client
	codec wire.Codec
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithCodec selects the wire encoding used for requests and responses.
func WithCodec(codec wire.Codec) ClientOption {
	return func(cl *Client) {
		cl.codec = codec
	}
}

// NewClient builds a sync client. It defaults to the binary codec.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		http:  &http.Client{Timeout: 30 * time.Second},
		codec: wire.Binary,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pull sends our digest and returns the entries the peer has that we lack.
func (c *Client) Pull(ctx context.Context, addr string, digest *trie.Node) (types.Message, error) {
	body, err := c.codec.EncodeDigest(digest)
	if err != nil {
		return nil, err
	}
	data, err := c.do(ctx, http.MethodPost, endpoint(addr, "/sync/pull"), body)
	if err != nil {
		return nil, err
	}
	return c.codec.DecodeMessage(data)
}

// Digest fetches the peer's trie digest.
func (c *Client) Digest(ctx context.Context, addr string) (*trie.Node, error) {
	data, err := c.do(ctx, http.MethodGet, endpoint(addr, "/sync/digest"), nil)
	if err != nil {
		return nil, err
	}
	return c.codec.DecodeDigest(data)
}

// Push delivers a batch to the peer.
func (c *Client) Push(ctx context.Context, addr string, msg types.Message) error {
	body, err := c.codec.EncodeMessage(msg)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, endpoint(addr, "/sync/push"), body)
	return err
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if method != http.MethodGet {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Accept", c.codec.ContentType())
	if reader != nil {
		req.Header.Set("Content-Type", c.codec.ContentType())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var e errorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &StatusError{Code: resp.StatusCode, Message: msg}
	}
	return data, nil
}

func endpoint(addr, path string) string {
	addr = strings.TrimRight(addr, "/")
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return addr + path
}
