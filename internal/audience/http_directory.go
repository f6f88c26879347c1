package audience

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// HTTPDirectory reads people from the directory service's REST API.
type HTTPDirectory struct {
	logger  *slog.Logger
	baseURL string
	client  *http.Client
}

// NewHTTPDirectory creates a directory client
func NewHTTPDirectory(logger *slog.Logger, baseURL string, timeout time.Duration) *HTTPDirectory {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDirectory{
		logger:  logger,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Lookup returns a person by ID, or nil when the directory does not know them
func (d *HTTPDirectory) Lookup(ctx context.Context, orgID, personID string) (*Person, error) {
	var person Person
	found, err := d.get(ctx, fmt.Sprintf("/orgs/%s/people/%s", url.PathEscape(orgID), url.PathEscape(personID)), &person)
	if err != nil || !found {
		return nil, err
	}
	return &person, nil
}

// ReportsOf returns the direct reports of a manager
func (d *HTTPDirectory) ReportsOf(ctx context.Context, orgID, managerID string) ([]*Person, error) {
	var people []*Person
	_, err := d.get(ctx, fmt.Sprintf("/orgs/%s/people/%s/reports", url.PathEscape(orgID), url.PathEscape(managerID)), &people)
	return people, err
}

// All returns every active person in the organization
func (d *HTTPDirectory) All(ctx context.Context, orgID string) ([]*Person, error) {
	var people []*Person
	_, err := d.get(ctx, fmt.Sprintf("/orgs/%s/people?active=true", url.PathEscape(orgID)), &people)
	return people, err
}

// get issues a GET and decodes the body into out. Returns false without
// error on 404.
func (d *HTTPDirectory) get(ctx context.Context, path string, out interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		d.logger.Error("Directory returned unexpected status",
			"path", path,
			"status", resp.StatusCode)
		return false, fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode directory response: %w", err)
	}
	return true, nil
}
