// Package git keeps a local checkout of a corpus repository up to date.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// Client provides git operations for repository management
type Client interface {
	// EnsureCheckout clones or updates a repository to the specified ref
	// and returns the checked out commit hash.
	EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error)
}

// RepoClient implements Client with go-git, without a git binary.
type RepoClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewClient creates a git client authenticating with at most one of the
// given key or token files.
func NewClient(sshKeyFile, httpsTokenFile string) *RepoClient {
	return &RepoClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// EnsureCheckout clones or fetches and checks out the specified ref.
// Branch names resolve to the freshly fetched remote branch; tags and commit
// hashes resolve as revisions.
func (c *RepoClient) EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error) {
	auth, err := c.authFor(url)
	if err != nil {
		return "", err
	}

	repo, err := gogit.PlainOpen(destDir)
	switch {
	case errors.Is(err, gogit.ErrRepositoryNotExists):
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}
		repo, err = gogit.PlainCloneContext(ctx, destDir, false, &gogit.CloneOptions{
			URL:        url,
			Auth:       auth,
			NoCheckout: true,
			Tags:       gogit.AllTags,
		})
		if err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}

	case err != nil:
		return "", fmt.Errorf("failed to open repository: %w", err)

	default:
		err = repo.FetchContext(ctx, &gogit.FetchOptions{
			RemoteName: gogit.DefaultRemoteName,
			Auth:       auth,
			Tags:       gogit.AllTags,
			Force:      true,
			RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		})
		if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
			return "", fmt.Errorf("git fetch failed: %w", err)
		}
	}

	hash, err := resolve(repo, ref)
	if err != nil {
		return "", fmt.Errorf("git checkout failed for ref %q: %w", ref, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return "", fmt.Errorf("git checkout failed for ref %q: %w", ref, err)
	}

	return hash.String(), nil
}

// resolve prefers the remote tracking branch so that a fetch is picked up,
// then falls back to any revision (tag, hash, local branch).
func resolve(repo *gogit.Repository, ref string) (plumbing.Hash, error) {
	branch := strings.TrimPrefix(ref, "refs/heads/")
	if r, err := repo.Reference(plumbing.NewRemoteReferenceName(gogit.DefaultRemoteName, branch), true); err == nil {
		return r.Hash(), nil
	}

	h, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return *h, nil
}

// authFor returns the auth method matching the URL scheme, if any
func (c *RepoClient) authFor(url string) (transport.AuthMethod, error) {
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		keys, err := gitssh.NewPublicKeysFromFile("git", c.sshKeyFile, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key: %w", err)
		}
		return keys, nil
	}

	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read HTTPS token file: %w", err)
		}
		return &githttp.BasicAuth{
			Username: "x-access-token",
			Password: strings.TrimSpace(string(token)),
		}, nil
	}

	return nil, nil
}
