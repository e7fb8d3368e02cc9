// Package keeplocal talks to the local keep-local content server, the
// alternate backing store for documents that do not live on the file system.
package keeplocal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is where the keep-local server listens.
	DefaultBaseURL = "http://127.0.0.1:8787"

	defaultTimeout      = 10 * time.Second
	contentCacheTTL     = 5 * time.Minute
	contentCacheJanitor = 10 * time.Minute
)

// ErrUnreachable indicates the keep-local server did not answer.
var ErrUnreachable = errors.New("keeplocal: server unreachable")

// Health is the server's health probe response.
type Health struct {
	OK  bool  `json:"ok"`
	Now int64 `json:"now"`
}

// Item is a stored keep-local document's metadata.
type Item struct {
	ID               string   `json:"id"`
	URL              string   `json:"url"`
	Title            *string  `json:"title"`
	Author           *string  `json:"author"`
	Domain           *string  `json:"domain"`
	Platform         *string  `json:"platform"`
	WordCount        int64    `json:"wordCount"`
	Tags             []string `json:"tags"`
	CreatedAt        int64    `json:"createdAt"`
	Status           string   `json:"status"`
	ContentAvailable bool     `json:"contentAvailable"`
}

// ListResult pairs a page of items with the total count.
type ListResult struct {
	Items []Item `json:"items"`
	Count int64  `json:"count"`
}

// ListQuery narrows a ListItems call. Zero values are omitted.
type ListQuery struct {
	Limit  int
	Offset int
	Query  string
	Status string
}

// Client is a keep-local API client with an expiring content cache; item
// content is immutable on the server, so repeated opens of the same item
// skip the round trip.
type Client struct {
	http    *resty.Client
	content *gocache.Cache
	logger  *zap.Logger
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewClient constructs a keep-local client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)

	return &Client{
		http:    httpClient,
		content: gocache.New(contentCacheTTL, contentCacheJanitor),
		logger:  logger,
	}
}

// CheckHealth probes the server.
func (c *Client) CheckHealth(ctx context.Context) (Health, error) {
	var health Health
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&health).
		Get("/api/health")
	if err != nil {
		return Health{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.IsError() {
		return Health{}, fmt.Errorf("keeplocal: health returned %d", resp.StatusCode())
	}
	return health, nil
}

// ListItems fetches a page of items.
func (c *Client) ListItems(ctx context.Context, query ListQuery) (ListResult, error) {
	request := c.http.R().SetContext(ctx)
	if query.Limit > 0 {
		request.SetQueryParam("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		request.SetQueryParam("offset", strconv.Itoa(query.Offset))
	}
	if query.Query != "" {
		request.SetQueryParam("q", query.Query)
	}
	if query.Status != "" {
		request.SetQueryParam("status", query.Status)
	}

	var result ListResult
	resp, err := request.SetResult(&result).Get("/api/items")
	if err != nil {
		return ListResult{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.IsError() {
		return ListResult{}, fmt.Errorf("keeplocal: list returned %d", resp.StatusCode())
	}
	return result, nil
}

// GetItem fetches one item's metadata (content excluded).
func (c *Client) GetItem(ctx context.Context, itemID string) (Item, error) {
	var item Item
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("content", "0").
		SetResult(&item).
		Get("/api/items/" + itemID)
	if err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.IsError() {
		return Item{}, fmt.Errorf("keeplocal: item returned %d", resp.StatusCode())
	}
	return item, nil
}

// GetContent fetches an item's raw content, consulting the cache first.
func (c *Client) GetContent(ctx context.Context, itemID string) (string, error) {
	if cached, ok := c.content.Get(itemID); ok {
		return cached.(string), nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Get("/api/items/" + itemID + "/content")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("keeplocal: content returned %d", resp.StatusCode())
	}

	body := string(resp.Body())
	c.content.Set(itemID, body, gocache.DefaultExpiration)
	return body, nil
}
