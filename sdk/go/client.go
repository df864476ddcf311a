package karmalinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Karmaline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Profile represents the API profile model.
type Profile struct {
	Owner       string `json:"owner"`
	IsCompany   bool   `json:"is_company"`
	IsActive    bool   `json:"is_active"`
	MetadataURI string `json:"metadata_uri,omitempty"`
	Karma       int64  `json:"karma"`
	CreatedAt   string `json:"created_at"`
}

// Service represents a marketplace offering.
type Service struct {
	ID           int64   `json:"id"`
	Provider     string  `json:"provider"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	PricePerHour int64   `json:"price_per_hour"`
	SkillIDs     []int64 `json:"skill_ids,omitempty"`
	IsActive     bool    `json:"is_active"`
}

// Order represents an escrowed order.
type Order struct {
	ID         int64  `json:"id"`
	ServiceID  int64  `json:"service_id"`
	Client     string `json:"client"`
	Provider   string `json:"provider"`
	NumHours   int64  `json:"num_hours"`
	TotalPrice int64  `json:"total_price"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Account    string `json:"account"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Balance returns an account's token balance.
func (c *Client) Balance(ctx context.Context, account string) (int64, error) {
	var resp struct {
		Amount int64 `json:"amount"`
	}
	endpoint := fmt.Sprintf("v0/token/balances/%s", url.PathEscape(account))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Amount, err
}

// Transfer moves tokens from the authenticated account.
func (c *Client) Transfer(ctx context.Context, to string, amount int64) error {
	body := map[string]any{"to": to, "amount": amount}
	return c.do(ctx, http.MethodPost, "v0/token/transfers", body, nil)
}

// Approve grants spender an allowance over the authenticated account.
func (c *Client) Approve(ctx context.Context, spender string, amount int64) error {
	body := map[string]any{"spender": spender, "amount": amount}
	return c.do(ctx, http.MethodPost, "v0/token/approvals", body, nil)
}

// RegisterProfile registers the authenticated account's profile.
func (c *Client) RegisterProfile(ctx context.Context, isCompany bool, metadataURI string) (Profile, error) {
	body := map[string]any{"is_company": isCompany}
	if metadataURI != "" {
		body["metadata_uri"] = metadataURI
	}
	var resp Profile
	err := c.do(ctx, http.MethodPost, "v0/profiles", body, &resp)
	return resp, err
}

// GetProfile fetches any profile.
func (c *Client) GetProfile(ctx context.Context, account string) (Profile, error) {
	var resp Profile
	endpoint := fmt.Sprintf("v0/profiles/%s", url.PathEscape(account))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateService publishes a service for the authenticated provider.
func (c *Client) CreateService(ctx context.Context, title, description string, pricePerHour int64, skillIDs []int64) (Service, error) {
	body := map[string]any{
		"title":          title,
		"description":    description,
		"price_per_hour": pricePerHour,
		"skill_ids":      skillIDs,
	}
	var resp Service
	err := c.do(ctx, http.MethodPost, "v0/services", body, &resp)
	return resp, err
}

// ListServices returns services, optionally filtered by provider.
func (c *Client) ListServices(ctx context.Context, provider string) ([]Service, error) {
	endpoint := "v0/services"
	if provider != "" {
		endpoint += "?provider=" + url.QueryEscape(provider)
	}
	var resp []Service
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateOrder orders a service, escrowing the price.
func (c *Client) CreateOrder(ctx context.Context, serviceID, numHours int64, description string) (Order, error) {
	body := map[string]any{
		"service_id":  serviceID,
		"num_hours":   numHours,
		"description": description,
	}
	var resp Order
	err := c.do(ctx, http.MethodPost, "v0/orders", body, &resp)
	return resp, err
}

// AcceptOrder accepts a created order (provider).
func (c *Client) AcceptOrder(ctx context.Context, orderID int64) (Order, error) {
	return c.orderAction(ctx, orderID, "accept")
}

// CompleteOrder confirms delivery (client), releasing escrow.
func (c *Client) CompleteOrder(ctx context.Context, orderID int64) (Order, error) {
	return c.orderAction(ctx, orderID, "complete")
}

// CancelOrder cancels a created order, refunding the client.
func (c *Client) CancelOrder(ctx context.Context, orderID int64) (Order, error) {
	return c.orderAction(ctx, orderID, "cancel")
}

func (c *Client) orderAction(ctx context.Context, orderID int64, action string) (Order, error) {
	var resp Order
	endpoint := fmt.Sprintf("v0/orders/%d/%s", orderID, action)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, paging forward from after when set.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := "v0/events"
	sep := "?"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s%slimit=%d", endpoint, sep, limit)
		sep = "&"
	}
	if after > 0 {
		endpoint = fmt.Sprintf("%s%safter=%d", endpoint, sep, after)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
