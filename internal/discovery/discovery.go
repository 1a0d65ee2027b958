// Package discovery resolves dataset kinds to their current download
// locations via the catalog provider's bulk-data listing endpoint.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Descriptor identifies one downloadable dataset as advertised by the
// provider. Datasets are versionless; the descriptor always points at the
// latest build.
type Descriptor struct {
	Kind        string    `json:"type"`
	DownloadURL string    `json:"download_uri"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NotFoundError means the provider's listing carried no descriptor for the
// requested kind. This is a configuration problem, not a transient one.
type NotFoundError struct {
	Kind string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("discovery: no dataset descriptor for kind %q", e.Kind)
}

// Client queries a discovery endpoint.
type Client struct {
	// BaseURL is the full listing URL, e.g. https://api.example.com/bulk-data.
	BaseURL string

	// HTTP is the client used for requests. Nil means http.DefaultClient.
	HTTP *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// List fetches every advertised descriptor. The endpoint serves either a bare
// array or a {"data": [...]} envelope; both are accepted.
func (c *Client) List(ctx context.Context) ([]Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery: %s: %w", c.BaseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("discovery: %s: unexpected status %d", c.BaseURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("discovery: read listing: %w", err)
	}
	return parseListing(body)
}

// Resolve returns the descriptor for kind, or *NotFoundError when the
// listing has no match.
func (c *Client) Resolve(ctx context.Context, kind string) (Descriptor, error) {
	descs, err := c.List(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	for _, d := range descs {
		if d.Kind == kind {
			return d, nil
		}
	}
	return Descriptor{}, &NotFoundError{Kind: kind}
}

func parseListing(body []byte) ([]Descriptor, error) {
	var bare []Descriptor
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, nil
	}

	var envelope struct {
		Data []Descriptor `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("discovery: parse listing: %w", err)
	}
	return envelope.Data, nil
}
