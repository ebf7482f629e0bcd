package httptransport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/a2amesh/a2amesh/internal/common/config"
	"github.com/a2amesh/a2amesh/internal/common/errors"
	"github.com/a2amesh/a2amesh/internal/transport"
	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

// Client posts messages to peer endpoints over HTTP/2. Connections are
// multiplexed per host; MaxConnections bounds concurrent in-flight
// requests across all peers.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	inflight   chan struct{}
}

// NewClient creates an HTTP/2 client. Cleartext endpoints use h2c with
// prior knowledge; https endpoints negotiate h2 via ALPN.
func NewClient(cfg config.TransportConfig) *Client {
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 100
	}
	timeout := cfg.TimeoutDuration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	h2 := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
			if tlsCfg != nil {
				d := &tls.Dialer{Config: tlsCfg}
				return d.DialContext(ctx, network, addr)
			}
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}

	return &Client{
		httpClient: &http.Client{Transport: h2, Timeout: timeout},
		timeout:    timeout,
		inflight:   make(chan struct{}, maxConns),
	}
}

// SendMessage posts a plaintext message to the peer endpoint.
func (c *Client) SendMessage(ctx context.Context, endpoint, token string, msg *v1.Message) error {
	body, err := msg.ToJSON()
	if err != nil {
		return errors.TransportError("failed to serialize message", err)
	}

	headers := map[string]string{
		transport.HeaderMessageType: msg.MessageType,
		transport.HeaderSender:      msg.SenderID,
		transport.HeaderReceiver:    msg.ReceiverID,
	}
	if msg.CorrelationID != "" {
		headers[transport.HeaderCorrelationID] = msg.CorrelationID
	}
	return c.post(ctx, endpoint+"/a2a/message", token, body, headers)
}

// SendEncrypted posts a sealed envelope to the peer endpoint.
func (c *Client) SendEncrypted(ctx context.Context, endpoint, token string, env *v1.EncryptedMessage) error {
	body, err := env.ToJSON()
	if err != nil {
		return errors.TransportError("failed to serialize envelope", err)
	}

	headers := map[string]string{
		transport.HeaderSender:    env.SenderID,
		transport.HeaderReceiver:  env.ReceiverID,
		transport.HeaderEncrypted: "true",
	}
	return c.post(ctx, endpoint+"/a2a/encrypted", token, body, headers)
}

func (c *Client) post(ctx context.Context, url, token string, body []byte, headers map[string]string) error {
	select {
	case c.inflight <- struct{}{}:
	case <-ctx.Done():
		return errors.TransportError("send cancelled", ctx.Err())
	}
	defer func() { <-c.inflight }()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.TransportError("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.TransportError(fmt.Sprintf("POST %s failed", url), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.TransportError(
			fmt.Sprintf("POST %s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(detail))),
			nil)
	}
	return nil
}
