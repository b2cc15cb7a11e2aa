// Package ims is the client for the remote inventory-management API. All
// import state lives behind this API; the service itself persists nothing.
package ims

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"csv-import-service/internal/models"
)

// ValidationError is a business-validation rejection (422-class response)
// from the remote API. It distinguishes "this data is invalid" from "the
// system failed"; callers report it against the originating event instead of
// retrying.
type ValidationError struct {
	MessageCode string `json:"messageCode"`
	MessageType string `json:"messageType"`
	MessageText string `json:"messageText"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.MessageCode, e.MessageText)
}

// AsValidation unwraps a ValidationError from err if one is present.
func AsValidation(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}

// Config holds the connection settings for the remote API. Token issuance is
// an external concern; the client is handed pre-issued credentials.
type Config struct {
	BaseURL           string
	APIKey            string
	Token             string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client is the authenticated remote-API collaborator. It is constructed once
// per process and passed explicitly to every component that performs remote
// mutations.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	token       string
	rateLimiter *rate.Limiter
	logger      *logrus.Entry
}

// NewClient creates a remote API client.
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	log := logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		token:       cfg.Token,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:      log.WithField("component", "ims-client"),
	}
}

// List fetches the resources of a collection matching the filter.
func (c *Client) List(ctx context.Context, collection string, filter url.Values) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	if err := c.do(ctx, http.MethodGet, collection, filter, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Create posts a new resource to a collection and returns the created
// resource as reported by the API.
func (c *Client) Create(ctx context.Context, collection string, body map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.do(ctx, http.MethodPost, collection, nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Update patches an existing resource.
func (c *Client) Update(ctx context.Context, collection, id string, body map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.do(ctx, http.MethodPatch, collection+"/"+id, nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Invoke calls a named server-side invocation.
func (c *Client) Invoke(ctx context.Context, name string, body map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.do(ctx, http.MethodPost, "invocations/"+name, nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostEventMessage posts a status or diagnostic message to the originating
// event's message stream.
func (c *Client) PostEventMessage(ctx context.Context, eventID string, msg models.EventMessage) error {
	return c.do(ctx, http.MethodPost, "events/"+eventID+"/messages", nil, msg, nil)
}

// GetContext fetches a data context by identifier.
func (c *Client) GetContext(ctx context.Context, contextID string) (*models.Context, error) {
	var out models.Context
	if err := c.do(ctx, http.MethodGet, "contexts/"+contextID, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs an authenticated request. A 422 response is surfaced as a
// *ValidationError; any other non-2xx status is a transport fault.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out interface{}) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	fullURL := c.baseURL + "/" + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: failed to read response: %w", method, path, err)
	}

	if resp.StatusCode == http.StatusUnprocessableEntity {
		verr := &ValidationError{}
		if err := json.Unmarshal(respBody, verr); err != nil {
			return fmt.Errorf("%s %s: unparsable validation response: %s", method, path, string(respBody))
		}
		c.logger.WithFields(logrus.Fields{
			"path":        path,
			"messageCode": verr.MessageCode,
		}).Debug("Remote API rejected request with validation error")
		return verr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.WithFields(logrus.Fields{
			"path":   path,
			"status": resp.StatusCode,
		}).Error("Remote API request failed")
		return fmt.Errorf("%s %s returned status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s %s: failed to parse response: %w", method, path, err)
		}
	}
	c.logger.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
		"status": resp.StatusCode,
	}).Debug("Remote API request succeeded")
	return nil
}
