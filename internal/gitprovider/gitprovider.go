package gitprovider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/user/secret-sync-lite/internal/interfaces"
)

// GitProvider implements interfaces.SecretProvider against a git repository:
// a remote key is a file path inside the repository, and every Fetch pulls
// the branch before reading, so the working tree tracks the remote.
type GitProvider struct {
	repoURL   string
	branch    string
	localPath string

	mu         sync.Mutex
	repository *git.Repository
}

// NewGitProvider creates a GitProvider for the given repository and branch,
// cloning into localPath on first use.
func NewGitProvider(repoURL, branch, localPath string) (*GitProvider, error) {
	if repoURL == "" || branch == "" || localPath == "" {
		return nil, fmt.Errorf("repoURL, branch, and localPath must be provided")
	}
	return &GitProvider{
		repoURL:   repoURL,
		branch:    branch,
		localPath: localPath,
	}, nil
}

// Fetch pulls the branch and returns the contents of the file at remoteKey.
// Transport and pull failures are wrapped in the shared sentinel errors so
// the reconciler can classify them.
func (p *GitProvider) Fetch(ctx context.Context, remoteKey string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureRepository(ctx); err != nil {
		return nil, err
	}

	worktree, err := p.repository.Worktree()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open worktree: %v", interfaces.ErrProviderUnavailable, err)
	}

	err = worktree.PullContext(ctx, &git.PullOptions{
		ReferenceName: plumbing.NewBranchReferenceName(p.branch),
		SingleBranch:  true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, wrapTransportError("pull", err)
	}

	data, err := os.ReadFile(filepath.Join(p.localPath, filepath.FromSlash(remoteKey)))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %q from repository: %v", interfaces.ErrProviderUnavailable, remoteKey, err)
	}
	return data, nil
}

// ensureRepository clones the repository if localPath is not one yet, or
// opens the existing clone.
func (p *GitProvider) ensureRepository(ctx context.Context) error {
	if p.repository != nil {
		return nil
	}

	_, err := os.Stat(filepath.Join(p.localPath, ".git"))
	if os.IsNotExist(err) {
		log.Printf("Cloning repository %s (branch %s) into %s", p.repoURL, p.branch, p.localPath)
		repo, cloneErr := git.PlainCloneContext(ctx, p.localPath, false, &git.CloneOptions{
			URL:           p.repoURL,
			ReferenceName: plumbing.NewBranchReferenceName(p.branch),
			SingleBranch:  true,
		})
		if cloneErr != nil {
			return wrapTransportError("clone", cloneErr)
		}
		p.repository = repo
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: failed to stat %s: %v", interfaces.ErrProviderUnavailable, p.localPath, err)
	}

	repo, err := git.PlainOpen(p.localPath)
	if err != nil {
		return fmt.Errorf("%w: failed to open existing repository at %s: %v", interfaces.ErrProviderUnavailable, p.localPath, err)
	}
	p.repository = repo
	return nil
}

// wrapTransportError maps go-git transport failures onto the shared
// sentinels: credential problems become ErrAuthorizationDenied, everything
// else ErrProviderUnavailable.
func wrapTransportError(op string, err error) error {
	if errors.Is(err, transport.ErrAuthenticationRequired) || errors.Is(err, transport.ErrAuthorizationFailed) {
		return fmt.Errorf("%w: git %s: %v", interfaces.ErrAuthorizationDenied, op, err)
	}
	return fmt.Errorf("%w: git %s: %v", interfaces.ErrProviderUnavailable, op, err)
}
