package tagsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mjl-/sherpa"

	"github.com/mjl-/moximap/metrics"
	"github.com/mjl-/moximap/store"
)

// Client calls the tag service API over HTTP. Errors with codes CodeNotFound
// and CodeExists are returned as store.ErrMailboxNotFound and
// store.ErrMailboxExists, others as *sherpa.Error.
type Client struct {
	BaseURL    string // Including trailing slash, e.g. "http://localhost:1080/tags/".
	HTTPClient *http.Client
}

// NewClient returns a client for the API at baseURL.
func NewClient(baseURL string) *Client {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{BaseURL: baseURL, HTTPClient: http.DefaultClient}
}

func (c *Client) call(ctx context.Context, result any, function string, params ...any) error {
	if params == nil {
		params = []any{}
	}
	buf, err := json.Marshal(map[string]any{"params": params})
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+function, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	var code int
	if resp != nil {
		code = resp.StatusCode
	}
	metrics.HTTPClientObserve(ctx, pkglog, "tagsvc", function, code, err, start)
	if err != nil {
		return fmt.Errorf("calling %s: %w", function, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError && resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("calling %s: http status %s: %q", function, resp.Status, body)
	}

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *sherpa.Error   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("parsing response for %s: %w", function, err)
	}
	if response.Error != nil {
		switch response.Error.Code {
		case CodeNotFound:
			return fmt.Errorf("%w: %s", store.ErrMailboxNotFound, response.Error.Message)
		case CodeExists:
			return fmt.Errorf("%w: %s", store.ErrMailboxExists, response.Error.Message)
		case CodeBadName:
			return fmt.Errorf("%w: %s", store.ErrMailboxName, response.Error.Message)
		}
		return response.Error
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(response.Result, result); err != nil {
		return fmt.Errorf("parsing result for %s: %w", function, err)
	}
	return nil
}

// MailboxTags returns the tags of user.
func (c *Client) MailboxTags(ctx context.Context, user string) (l []Tag, err error) {
	err = c.call(ctx, &l, "MailboxTags", user)
	return
}

// MailboxTag returns a single tag.
func (c *Client) MailboxTag(ctx context.Context, user, name string) (t Tag, err error) {
	err = c.call(ctx, &t, "MailboxTag", user, name)
	return
}

// MailboxTagCreate creates a tag.
func (c *Client) MailboxTagCreate(ctx context.Context, user, name string) (t Tag, err error) {
	err = c.call(ctx, &t, "MailboxTagCreate", user, name)
	return
}

// MailboxTagDelete removes a tag.
func (c *Client) MailboxTagDelete(ctx context.Context, user, name string) error {
	return c.call(ctx, nil, "MailboxTagDelete", user, name)
}

// MailboxTagAdjust changes the counts of a tag.
func (c *Client) MailboxTagAdjust(ctx context.Context, user, name string, counts Counts) (t Tag, err error) {
	err = c.call(ctx, &t, "MailboxTagAdjust", user, name, counts)
	return
}
