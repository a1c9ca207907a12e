// Package mojang resolves Minecraft account names against the Mojang profile API.
package mojang

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ernie/mcgate/internal/domain"
)

const maxBody = 64 << 10

// Client looks up profiles by name. It never retries.
type Client struct {
	http    *http.Client
	baseURL string
}

// profileResponse covers both shapes the API answers with:
// {id, name} on success and {path, errorMessage} on failure.
type profileResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Path         string `json:"path"`
	ErrorMessage string `json:"errorMessage"`
}

// NewClient creates a client for the API at baseURL (e.g. https://api.mojang.com)
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Lookup returns the canonical profile for username. A name with no account
// yields domain.ErrProfileNotFound; every other error means the service could
// not be reached or answered with something unusable.
func (c *Client) Lookup(ctx context.Context, username string) (*domain.Profile, error) {
	endpoint := c.baseURL + "/users/profiles/minecraft/" + url.PathEscape(username)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return nil, domain.ErrProfileNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var pr profileResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return pr.profile()
}

func (pr profileResponse) profile() (*domain.Profile, error) {
	switch {
	case pr.ID != "" && pr.Name != "":
		id, err := uuid.Parse(pr.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid profile id %q: %w", pr.ID, err)
		}
		return &domain.Profile{ID: id, Name: pr.Name}, nil
	case pr.ErrorMessage != "" || pr.Path != "":
		return nil, fmt.Errorf("%w: %s", domain.ErrProfileNotFound, pr.ErrorMessage)
	default:
		return nil, errors.New("response is neither a profile nor an error")
	}
}
