package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/victornm/echallenge/internal/domain"
	"github.com/victornm/echallenge/internal/errors"
)

const defaultClientTimeout = 5 * time.Second

type ClientConfig struct {
	BaseURL string
	UserID  string
	HTTP    *http.Client
}

// Client reads competitions from the HTTP surface. It satisfies the fetcher
// contract of the client-side poller.
type Client struct {
	base string
	user string
	http *http.Client
}

func NewClient(c ClientConfig) *Client {
	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: defaultClientTimeout}
	}
	return &Client{
		base: strings.TrimRight(c.BaseURL, "/"),
		user: c.UserID,
		http: hc,
	}
}

func (c *Client) GetState(ctx context.Context, competitionID string) (*domain.Competition, error) {
	var out Competition
	if err := c.get(ctx, "/v1/competitions/"+url.PathEscape(competitionID), &out); err != nil {
		return nil, err
	}
	return out.Domain(), nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("client: new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.user != "" {
		req.Header.Set(HeaderUserID, c.user)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e errors.Error
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == "" {
			return fmt.Errorf("client: GET %s: unexpected status %d", path, resp.StatusCode)
		}
		return &e
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s: %w", path, err)
	}
	return nil
}
