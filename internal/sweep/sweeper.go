package sweep

import "context"

// RepoSweeper runs one repo's improvement task and reports its outcome.
// Actually performing repo changes and opening PRs is delegated here;
// see spec.md §4.5's "external collaborator" framing.
type RepoSweeper interface {
	Sweep(ctx context.Context, jobID, repoURL string, cfg Config) (Result, error)
}

// RepoSweeperFunc adapts a plain function to RepoSweeper.
type RepoSweeperFunc func(ctx context.Context, jobID, repoURL string, cfg Config) (Result, error)

func (f RepoSweeperFunc) Sweep(ctx context.Context, jobID, repoURL string, cfg Config) (Result, error) {
	return f(ctx, jobID, repoURL, cfg)
}
