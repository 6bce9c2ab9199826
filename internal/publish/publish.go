// Package publish pushes autofix branches and opens pull requests against
// the runtime's upstream repository.
package publish

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/oruen/llmcheck/internal/autofix"
	"github.com/oruen/llmcheck/internal/gitutil"
)

// Config identifies the upstream repository and how to authenticate. The
// token is read from the named env var at publish time and never stored.
type Config struct {
	// UpstreamRepo is "owner/name".
	UpstreamRepo string
	BaseBranch   string
	Remote       string
	TokenEnv     string
	Draft        bool
	// BaseURL overrides the GitHub API endpoint for enterprise installs.
	BaseURL string
}

// GitHubPublisher implements autofix.Publisher against the GitHub API.
type GitHubPublisher struct {
	cfg       Config
	owner     string
	repo      string
	newClient func(ctx context.Context, token string) (*github.Client, error)
}

var ErrNoToken = errors.New("publish token env var is unset or empty")

func New(cfg Config) (*GitHubPublisher, error) {
	owner, repo, ok := strings.Cut(cfg.UpstreamRepo, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("upstream repo %q is not owner/name", cfg.UpstreamRepo)
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	p := &GitHubPublisher{cfg: cfg, owner: owner, repo: repo}
	p.newClient = p.apiClient
	return p, nil
}

func (p *GitHubPublisher) apiClient(ctx context.Context, token string) (*github.Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if p.cfg.BaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(p.cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse API base URL: %w", err)
		}
		client.BaseURL = base
	}
	return client, nil
}

// Publish pushes branch from the worktree and opens a pull request against
// the configured base branch.
func (p *GitHubPublisher) Publish(ctx context.Context, worktreeDir, branch, title, body string) (autofix.PublishResult, error) {
	token := strings.TrimSpace(os.Getenv(p.cfg.TokenEnv))
	if token == "" {
		return autofix.PublishResult{}, fmt.Errorf("%w (%s)", ErrNoToken, p.cfg.TokenEnv)
	}

	if err := gitutil.PushBranch(worktreeDir, p.cfg.Remote, branch); err != nil {
		return autofix.PublishResult{}, fmt.Errorf("push %s: %w", branch, err)
	}

	client, err := p.newClient(ctx, token)
	if err != nil {
		return autofix.PublishResult{}, err
	}
	pr, _, err := client.PullRequests.Create(ctx, p.owner, p.repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(branch),
		Base:  github.String(p.cfg.BaseBranch),
		Body:  github.String(body),
		Draft: github.Bool(p.cfg.Draft),
	})
	if err != nil {
		return autofix.PublishResult{}, fmt.Errorf("create pull request: %w", err)
	}
	return autofix.PublishResult{PRURL: pr.GetHTMLURL()}, nil
}
