package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/ironwolf/localsync/internal/record"
	"github.com/ironwolf/localsync/internal/syncerr"
)

// maxFrameSize bounds one change frame read from a feed.
const maxFrameSize = 8 << 20

// Client implements Channel against a remote Server.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient returns a client for the server at baseURL. A nil httpClient
// uses a client with a 30 second timeout.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote url %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: u, http: httpClient}, nil
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.base.String()
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base.String() + "/" + strings.Join(escaped, "/")
}

// Ping checks the server health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %s", resp.Status)
	}
	return nil
}

// Write upserts rec on the server.
func (c *Client) Write(ctx context.Context, collection string, rec record.Record) (record.Record, error) {
	body, err := json.Marshal(record.Record{ID: rec.ID, Fields: rec.Fields})
	if err != nil {
		return record.Record{}, fmt.Errorf("failed to marshal record: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.endpoint("v1", "collections", collection, "records", rec.ID), bytes.NewReader(body))
	if err != nil {
		return record.Record{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var stored record.Record
	if err := c.do(req, http.StatusOK, &stored); err != nil {
		return record.Record{}, err
	}
	return stored, nil
}

// Delete removes id on the server.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.endpoint("v1", "collections", collection, "records", id), nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusNoContent, nil)
}

// Snapshot fetches every record of collection.
func (c *Client) Snapshot(ctx context.Context, collection string) ([]record.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint("v1", "collections", collection, "records"), nil)
	if err != nil {
		return nil, err
	}
	var resp listResponse
	if err := c.do(req, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	if resp.Records == nil {
		resp.Records = []record.Record{}
	}
	return resp.Records, nil
}

// Subscribe dials the change feed of collection after cursor.
func (c *Client) Subscribe(ctx context.Context, collection string, cursor int64) (Subscription, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/collections/" + url.PathEscape(collection) + "/changes"
	u.RawQuery = url.Values{"cursor": {strconv.FormatInt(cursor, 10)}}.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("failed to dial feed %s: %w", collection, err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsSubscription{conn: conn}, nil
}

func (c *Client) do(req *http.Request, want int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		msg := e.Error
		if msg == "" {
			msg = resp.Status
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", msg, syncerr.ErrNotFound)
		case http.StatusBadRequest:
			return fmt.Errorf("%s: %w", msg, syncerr.ErrInvalidRecord)
		}
		return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, msg)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type wsSubscription struct {
	conn *websocket.Conn
}

func (s *wsSubscription) Next(ctx context.Context) (Change, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return Change{}, err
	}
	var c Change
	if err := json.Unmarshal(data, &c); err != nil {
		return Change{}, fmt.Errorf("failed to decode change: %w", err)
	}
	return c, nil
}

func (s *wsSubscription) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

var _ Channel = (*Client)(nil)
