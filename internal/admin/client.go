package admin

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

	"rollcall/internal/dispatch"
	"rollcall/internal/model"
)

// APIError is a non-2xx response from the admin API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("admin api: %s", http.StatusText(e.Status))
	}
	return fmt.Sprintf("admin api: %d: %s", e.Status, e.Message)
}

// Client calls a running admin API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

func NewClient(addr, token string) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if base == "" {
		base = DefaultAddr
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, token: strings.TrimSpace(token), http: &http.Client{Timeout: 2 * time.Minute}}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&eb)
		// A failed resend body is its Outcome, whose error field lands here too.
		return &APIError{Status: resp.StatusCode, Message: eb.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func eventPath(id int64, suffix string) string {
	return "/v1/events/" + strconv.FormatInt(id, 10) + suffix
}

func (c *Client) CreateEvent(ctx context.Context, req CreateRequest) (model.Event, error) {
	var ev model.Event
	err := c.do(ctx, http.MethodPost, "/v1/events", req, &ev)
	return ev, err
}

func (c *Client) ListEvents(ctx context.Context) ([]model.Event, error) {
	var evs []model.Event
	err := c.do(ctx, http.MethodGet, "/v1/events", nil, &evs)
	return evs, err
}

func (c *Client) GetEvent(ctx context.Context, id int64) (model.Event, error) {
	var ev model.Event
	err := c.do(ctx, http.MethodGet, eventPath(id, ""), nil, &ev)
	return ev, err
}

func (c *Client) DeleteEvent(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, eventPath(id, ""), nil, nil)
}

func (c *Client) Resend(ctx context.Context, id, recipient int64) (dispatch.Outcome, error) {
	var out dispatch.Outcome
	err := c.do(ctx, http.MethodPost, eventPath(id, "/resend"), ResendRequest{Recipient: recipient}, &out)
	return out, err
}

func (c *Client) Tally(ctx context.Context, id int64) (model.Tally, error) {
	var t model.Tally
	err := c.do(ctx, http.MethodGet, eventPath(id, "/tally"), nil, &t)
	return t, err
}

func (c *Client) ListRecipients(ctx context.Context) ([]model.Recipient, error) {
	var list []model.Recipient
	err := c.do(ctx, http.MethodGet, "/v1/recipients", nil, &list)
	return list, err
}

func (c *Client) PutRecipient(ctx context.Context, id int64, name string) (model.Recipient, error) {
	var rec model.Recipient
	err := c.do(ctx, http.MethodPut, "/v1/recipients/"+strconv.FormatInt(id, 10), RecipientRequest{DisplayName: name}, &rec)
	return rec, err
}

func (c *Client) DeleteRecipient(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/v1/recipients/"+strconv.FormatInt(id, 10), nil, nil)
}

func (c *Client) SetSetting(ctx context.Context, key, value string) error {
	return c.do(ctx, http.MethodPut, "/v1/settings/"+url.PathEscape(key), SettingRequest{Value: value}, nil)
}

func (c *Client) Reset(ctx context.Context) (int64, error) {
	var out map[string]int64
	err := c.do(ctx, http.MethodPost, "/v1/reset", nil, &out)
	return out["deleted"], err
}
