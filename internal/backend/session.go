package backend

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPSessionClient refreshes the backend session over REST.
type HTTPSessionClient struct {
	baseURL      string
	refreshToken string
	http         *http.Client
}

// NewHTTPSessionClient creates a session client for the managed backend.
func NewHTTPSessionClient(baseURL, refreshToken string, httpClient *http.Client) *HTTPSessionClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSessionClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		refreshToken: refreshToken,
		http:         httpClient,
	}
}

// RefreshSession implements SessionClient.
func (c *HTTPSessionClient) RefreshSession(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/v1/token?grant_type=refresh_token", nil)
	if err != nil {
		return fmt.Errorf("failed to build session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.refreshToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("session refresh failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("session refresh returned %d", resp.StatusCode)
	}
	return nil
}
