// Package calendar provides the external calendar collaborator client.
//
// The pipeline consumes the Client interface: conflict pre-checks from the
// scheduling stage and event creation/update/cancellation from
// postprocessing. The HTTP implementation talks to the school's calendar
// service with per-call timeouts; failures are handled by the caller's
// circuit breaker, never retried here.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/EduPipe/LeadPipe/internal/config"
	"github.com/EduPipe/LeadPipe/internal/models"
)

// EventDetails is the payload for creating or updating a calendar event.
type EventDetails struct {
	Title     string    `json:"title"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Attendee  string    `json:"attendee,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	Reference string    `json:"reference,omitempty"`
}

// Client is the calendar operations interface consumed by the pipeline.
type Client interface {
	CheckConflicts(ctx context.Context, start, end time.Time) ([]models.Conflict, error)
	CreateEvent(ctx context.Context, details EventDetails) (string, error)
	UpdateEvent(ctx context.Context, eventID string, details EventDetails) (bool, error)
	DeleteEvent(ctx context.Context, eventID string) (bool, error)
}

// HTTPClient implements Client against the calendar service's REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a calendar client from configuration. The API key
// is read from the environment variable named in the config.
func NewHTTPClient(cfg config.CalendarConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("calendar base URL not set")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid calendar base URL: %w", err)
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	var apiKey string
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	slog.Debug("Creating calendar HTTP client", "baseURL", cfg.BaseURL, "timeout", timeout)
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// CheckConflicts returns the bookings overlapping the given range.
func (c *HTTPClient) CheckConflicts(ctx context.Context, start, end time.Time) ([]models.Conflict, error) {
	endpoint := fmt.Sprintf("%s/events/conflicts?start=%s&end=%s", c.baseURL,
		url.QueryEscape(start.Format(time.RFC3339)), url.QueryEscape(end.Format(time.RFC3339)))

	var out struct {
		Conflicts []models.Conflict `json:"conflicts"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, fmt.Errorf("conflict check failed: %w", err)
	}
	return out.Conflicts, nil
}

// CreateEvent books an event and returns its id.
func (c *HTTPClient) CreateEvent(ctx context.Context, details EventDetails) (string, error) {
	var out struct {
		EventID string `json:"event_id"`
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/events", details, &out); err != nil {
		return "", fmt.Errorf("event creation failed: %w", err)
	}
	if out.EventID == "" {
		return "", fmt.Errorf("calendar service returned no event id")
	}
	slog.Info("Calendar event created", "eventID", out.EventID, "start", details.Start)
	return out.EventID, nil
}

// UpdateEvent rewrites an existing event.
func (c *HTTPClient) UpdateEvent(ctx context.Context, eventID string, details EventDetails) (bool, error) {
	err := c.do(ctx, http.MethodPut, c.baseURL+"/events/"+url.PathEscape(eventID), details, nil)
	if err != nil {
		return false, fmt.Errorf("event update failed: %w", err)
	}
	return true, nil
}

// DeleteEvent cancels an existing event.
func (c *HTTPClient) DeleteEvent(ctx context.Context, eventID string) (bool, error) {
	err := c.do(ctx, http.MethodDelete, c.baseURL+"/events/"+url.PathEscape(eventID), nil, nil)
	if err != nil {
		return false, fmt.Errorf("event deletion failed: %w", err)
	}
	slog.Info("Calendar event deleted", "eventID", eventID)
	return true, nil
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request failed: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("calendar service returned %d: %s", resp.StatusCode, string(data))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response failed: %w", err)
		}
	}
	return nil
}
