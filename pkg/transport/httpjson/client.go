package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/google/uuid"

    "github.com/psycho-baller/trpc-crdt/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and simple retry with backoff for robustness.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 {
        timeout = 3 * time.Second
    }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil {
        c.transport.TLSClientConfig = cfg
    }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) scheme() string {
    if c.isTLS {
        return "https"
    }
    return "http"
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    url := fmt.Sprintf("%s://%s/status", c.scheme(), addr)
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
        if err != nil {
            return nil, err
        }
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            b, readErr := io.ReadAll(resp.Body)
            resp.Body.Close()
            if readErr != nil {
                lastErr = readErr
            } else if resp.StatusCode != http.StatusOK {
                lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
            } else {
                return b, nil
            }
        }
        select {
        case <-ctx.Done():
            return nil, ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return nil, lastErr
}

func (c *Client) PostInvoke(ctx context.Context, addr string, req transport.InvokeRequest) (transport.InvokeResponse, error) {
    url := fmt.Sprintf("%s://%s/invoke", c.scheme(), addr)
    var out transport.InvokeResponse
    // Pin the call id before retrying: a retried invoke must correlate to
    // the same call entry, not re-run the procedure under a fresh id.
    if req.ID == "" {
        req.ID = uuid.NewString()
    }
    body, err := json.Marshal(req)
    if err != nil {
        return out, err
    }
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
        if err != nil {
            return out, err
        }
        httpReq.Header.Set("Content-Type", "application/json")
        resp, err := c.httpc.Do(httpReq)
        if err != nil {
            lastErr = err
        } else {
            b, _ := io.ReadAll(resp.Body)
            resp.Body.Close()
            _ = json.Unmarshal(b, &out)
            if resp.StatusCode == http.StatusOK {
                return out, nil
            }
            if out.Error != "" {
                lastErr = errors.New(out.Error)
            } else {
                lastErr = fmt.Errorf("invoke status %d: %s", resp.StatusCode, string(b))
            }
        }
        select {
        case <-ctx.Done():
            if lastErr == nil {
                lastErr = ctx.Err()
            }
            return out, lastErr
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return out, lastErr
}

var _ transport.RPCClient = (*Client)(nil)
