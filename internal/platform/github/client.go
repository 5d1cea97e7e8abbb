// Package github adapts the GitHub API to the repository-platform
// contract: workflow re-runs, file updates, and Actions secrets.
package github

import (
	"context"
	"fmt"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/coordinator"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

// Client implements the repository platform against one repository.
type Client struct {
	gh     *github.Client
	owner  string
	repo   string
	logger *logging.Logger
}

// NewClient creates a GitHub client for the configured repository.
func NewClient(ctx context.Context, cfg config.GitHubConfig, logger *logging.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("github token is required")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github owner and repo are required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	httpClient := oauth2.NewClient(ctx, ts)

	return &Client{
		gh:     github.NewClient(httpClient),
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		logger: logger,
	}, nil
}

// RerunPipeline re-runs a failed workflow run.
func (c *Client) RerunPipeline(ctx context.Context, runID int64) error {
	if _, err := c.gh.Actions.RerunWorkflowByID(ctx, c.owner, c.repo, runID); err != nil {
		return fmt.Errorf("rerun workflow %d: %w", runID, err)
	}
	return nil
}

// FetchFile returns file content and its blob SHA at a ref. An empty
// ref means the default branch.
func (c *Client) FetchFile(ctx context.Context, path, ref string) (string, string, error) {
	var opts *github.RepositoryContentGetOptions
	if ref != "" {
		opts = &github.RepositoryContentGetOptions{Ref: ref}
	}
	file, _, _, err := c.gh.Repositories.GetContents(ctx, c.owner, c.repo, path, opts)
	if err != nil {
		return "", "", fmt.Errorf("fetch %s@%s: %w", path, ref, err)
	}
	if file == nil {
		return "", "", fmt.Errorf("fetch %s@%s: path is a directory", path, ref)
	}
	content, err := file.GetContent()
	if err != nil {
		return "", "", fmt.Errorf("decode %s: %w", path, err)
	}
	return content, file.GetSHA(), nil
}

// UpdateFile replaces file content. The prior blob SHA makes the
// update fail cleanly if the file changed underneath us.
func (c *Client) UpdateFile(ctx context.Context, path, branch, message, content, priorSHA string) error {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: []byte(content),
		SHA:     github.String(priorSHA),
	}
	if branch != "" {
		opts.Branch = github.String(branch)
	}
	if _, _, err := c.gh.Repositories.UpdateFile(ctx, c.owner, c.repo, path, opts); err != nil {
		return fmt.Errorf("update %s on %s: %w", path, branch, err)
	}
	return nil
}

// UpdateSecret replaces an Actions secret. The value must already be
// sealed with the repository public key; the key ID is resolved here.
func (c *Client) UpdateSecret(ctx context.Context, name, encryptedValue string) error {
	key, _, err := c.gh.Actions.GetRepoPublicKey(ctx, c.owner, c.repo)
	if err != nil {
		return fmt.Errorf("fetch repo public key: %w", err)
	}
	secret := &github.EncryptedSecret{
		Name:           name,
		KeyID:          key.GetKeyID(),
		EncryptedValue: encryptedValue,
	}
	if _, err := c.gh.Actions.CreateOrUpdateRepoSecret(ctx, c.owner, c.repo, secret); err != nil {
		return fmt.Errorf("update secret %s: %w", name, err)
	}
	return nil
}

var _ coordinator.RepoPlatform = (*Client)(nil)
