package workspace

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ChangeSummary is a read-only snapshot of what a tool session did to the
// workspace, computed once after the session ends and never mutated.
type ChangeSummary struct {
	CommitCount           int    `json:"commit_count"`
	LastCommitSubject     string `json:"last_commit_subject,omitempty"`
	DiffStat              string `json:"diff_stat,omitempty"`
	PushedToRemote        bool   `json:"pushed_to_remote"`
	HasUncommittedChanges bool   `json:"has_uncommitted_changes"`
}

// Summarize inspects the workspace after a tool session. The five git
// queries are read-only and independent, so they run concurrently; each
// goroutine writes only its own field.
func (m *Manager) Summarize(ctx context.Context, ws *Workspace) (*ChangeSummary, error) {
	if ws == nil {
		return nil, fmt.Errorf("summarize: nil workspace")
	}

	summary := &ChangeSummary{}
	base := ws.BaseCommit
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		out, err := m.git.Run(gctx, ws.Path, "rev-list", "--count", base+"..HEAD")
		if err != nil {
			return fmt.Errorf("count commits: %w", err)
		}
		n, convErr := strconv.Atoi(strings.TrimSpace(out))
		if convErr != nil {
			return fmt.Errorf("parse commit count %q: %w", out, convErr)
		}
		summary.CommitCount = n
		return nil
	})

	g.Go(func() error {
		// Empty when the session committed nothing past the base.
		out, err := m.git.Run(gctx, ws.Path, "log", "-1", "--pretty=%s", base+"..HEAD")
		if err != nil {
			return fmt.Errorf("last commit subject: %w", err)
		}
		summary.LastCommitSubject = strings.TrimSpace(out)
		return nil
	})

	g.Go(func() error {
		out, err := m.git.Run(gctx, ws.Path, "diff", "--stat", base, "HEAD")
		if err != nil {
			return fmt.Errorf("diff stat: %w", err)
		}
		summary.DiffStat = strings.TrimSpace(out)
		return nil
	})

	g.Go(func() error {
		// The remote-tracking ref only exists once the branch was pushed.
		_, err := m.git.Run(gctx, ws.Path, "rev-parse", "--verify", "--quiet", "refs/remotes/origin/"+ws.Branch)
		summary.PushedToRemote = err == nil
		return nil
	})

	g.Go(func() error {
		out, err := m.git.Run(gctx, ws.Path, "status", "--porcelain")
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		summary.HasUncommittedChanges = strings.TrimSpace(out) != ""
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summary, nil
}
