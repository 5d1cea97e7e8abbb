// Package argocd adapts the Argo CD REST API to the deploy-platform
// contract: syncs, manifest parameter overrides, rollbacks, and health
// checks.
package argocd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/coordinator"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

const defaultRequestTimeout = 30 * time.Second

// Client implements the deploy platform over the Argo CD HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *logging.Logger
}

// NewClient creates an Argo CD API client.
func NewClient(cfg config.ArgoCDConfig, logger *logging.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("argocd base_url is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: defaultRequestTimeout},
		logger:  logger,
	}, nil
}

// application is the slice of the Argo CD application resource this
// client reads.
type application struct {
	Status struct {
		Sync struct {
			Status string `json:"status"`
		} `json:"sync"`
		Health struct {
			Status string `json:"status"`
		} `json:"health"`
		History []struct {
			ID       int64  `json:"id"`
			Revision string `json:"revision"`
		} `json:"history"`
	} `json:"status"`
}

// TriggerSync requests a sync of the application.
func (c *Client) TriggerSync(ctx context.Context, app string) error {
	body := map[string]any{"prune": false}
	return c.do(ctx, http.MethodPost, "/api/v1/applications/"+url.PathEscape(app)+"/sync", body, nil)
}

// UpdateManifest overrides helm parameters on the application spec via
// a merge patch.
func (c *Client) UpdateManifest(ctx context.Context, app string, params map[string]string) error {
	type helmParam struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	helmParams := make([]helmParam, 0, len(params))
	for name, value := range params {
		helmParams = append(helmParams, helmParam{Name: name, Value: value})
	}
	sort.Slice(helmParams, func(i, j int) bool { return helmParams[i].Name < helmParams[j].Name })

	patch, err := json.Marshal(map[string]any{
		"spec": map[string]any{
			"source": map[string]any{
				"helm": map[string]any{"parameters": helmParams},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("marshal manifest patch: %w", err)
	}

	body := map[string]any{
		"patch":     string(patch),
		"patchType": "merge",
	}
	return c.do(ctx, http.MethodPatch, "/api/v1/applications/"+url.PathEscape(app), body, nil)
}

// RollbackRevision rolls the application back to its previous deployed
// revision.
func (c *Client) RollbackRevision(ctx context.Context, app string) error {
	current, err := c.getApplication(ctx, app)
	if err != nil {
		return err
	}
	history := current.Status.History
	if len(history) < 2 {
		return fmt.Errorf("application %s has no prior revision to roll back to", app)
	}
	previous := history[len(history)-2]
	body := map[string]any{"id": previous.ID}
	return c.do(ctx, http.MethodPost, "/api/v1/applications/"+url.PathEscape(app)+"/rollback", body, nil)
}

// AppHealthy verifies the application is synced and healthy.
func (c *Client) AppHealthy(ctx context.Context, app string) error {
	current, err := c.getApplication(ctx, app)
	if err != nil {
		return err
	}
	if sync := current.Status.Sync.Status; sync != "Synced" {
		return fmt.Errorf("application %s sync status is %s", app, sync)
	}
	if health := current.Status.Health.Status; health != "Healthy" {
		return fmt.Errorf("application %s health status is %s", app, health)
	}
	return nil
}

func (c *Client) getApplication(ctx context.Context, app string) (*application, error) {
	var out application
	if err := c.do(ctx, http.MethodGet, "/api/v1/applications/"+url.PathEscape(app), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

var _ coordinator.DeployPlatform = (*Client)(nil)
