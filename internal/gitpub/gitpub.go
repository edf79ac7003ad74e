package gitpub

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	ggitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrOutsideSubtree is returned when changes outside the public subtree are
// staged. Nothing is committed in that case.
var ErrOutsideSubtree = errors.New("staged changes outside the public subtree")

// PushError is a failed push. The local commit stands and is pushed again on
// the next publication.
type PushError struct {
	Remote string
	Branch string
	Err    error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push %s/%s: %v", e.Remote, e.Branch, e.Err)
}

func (e *PushError) Unwrap() error { return e.Err }

// Publisher commits and pushes one device's public subtree of a shared
// repository.
type Publisher struct {
	RepoDir     string
	Remote      string
	Branch      string
	AuthorName  string
	AuthorEmail string
	Auth        Auth
	PushTimeout time.Duration
	Now         func() time.Time
}

type Request struct {
	// Subtree is slash separated and relative to RepoDir, e.g. devices/<id>/public.
	Subtree string
	Message string
}

type Result struct {
	Commit     string `json:"commit,omitempty"`
	Committed  bool   `json:"committed"`
	Pushed     bool   `json:"pushed"`
	Reconciled bool   `json:"reconciled"`
	// Backlog is true when commits from an earlier publication were pushed first.
	Backlog  bool `json:"backlog"`
	NoRemote bool `json:"no_remote"`
}

func (p Publisher) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p Publisher) remote() string {
	if p.Remote == "" {
		return "origin"
	}
	return p.Remote
}

// Publish pushes any commits left behind by an earlier failed push, stages
// and commits the subtree, then pushes. A push failure is returned as
// *PushError together with a valid Result.
func (p Publisher) Publish(ctx context.Context, req Request) (Result, error) {
	subtree := strings.Trim(path.Clean(req.Subtree), "/")
	if subtree == "" || subtree == "." || strings.HasPrefix(subtree, "..") {
		return Result{}, fmt.Errorf("invalid subtree %q", req.Subtree)
	}
	repo, err := git.PlainOpen(p.RepoDir)
	if err != nil {
		return Result{}, fmt.Errorf("open publication repo %s: %w", p.RepoDir, err)
	}
	branch, err := p.branch(repo)
	if err != nil {
		return Result{}, err
	}

	var res Result
	if _, err := repo.Remote(p.remote()); err != nil {
		if !errors.Is(err, git.ErrRemoteNotFound) {
			return Result{}, fmt.Errorf("lookup remote: %w", err)
		}
		res.NoRemote = true
	}

	var pushErr error
	if !res.NoRemote {
		ahead, err := p.ahead(repo, branch)
		if err != nil {
			return Result{}, err
		}
		if ahead {
			res.Backlog = true
			rec, err := p.pushReconciling(ctx, repo, branch, subtree, req.Message)
			res.record(rec, err)
			pushErr = err
		}
	}

	hash, committed, err := p.commit(repo, subtree, req.Message)
	if err != nil {
		return res, err
	}
	if committed {
		res.Committed = true
		res.Commit = hash.String()
		res.Pushed = false
	}

	// One push attempt per publication: a failed backlog push is not repeated.
	if committed && !res.NoRemote && pushErr == nil {
		rec, err := p.pushReconciling(ctx, repo, branch, subtree, req.Message)
		res.record(rec, err)
		pushErr = err
	}
	if pushErr != nil {
		return res, &PushError{Remote: p.remote(), Branch: branch, Err: pushErr}
	}
	return res, nil
}

type reconcile struct {
	reconciled bool
	commit     plumbing.Hash
}

func (r *Result) record(rec reconcile, err error) {
	r.Reconciled = r.Reconciled || rec.reconciled
	if !rec.commit.IsZero() {
		r.Committed = true
		r.Commit = rec.commit.String()
	}
	r.Pushed = err == nil
}

// branch is the configured branch or the one HEAD points at.
func (p Publisher) branch(repo *git.Repository) (string, error) {
	if p.Branch != "" {
		return p.Branch, nil
	}
	head, err := repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if head.Type() == plumbing.SymbolicReference {
		return head.Target().Short(), nil
	}
	return "", fmt.Errorf("HEAD is detached; configure a publication branch")
}

// ahead reports whether the local branch has commits the remote-tracking
// branch does not.
func (p Publisher) ahead(repo *git.Repository, branch string) (bool, error) {
	local, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("resolve %s: %w", branch, err)
	}
	remote, err := repo.Reference(plumbing.NewRemoteReferenceName(p.remote(), branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return true, nil
		}
		return false, fmt.Errorf("resolve remote %s: %w", branch, err)
	}
	return local.Hash() != remote.Hash(), nil
}

// commit stages the subtree and commits it when anything changed.
func (p Publisher) commit(repo *git.Repository, subtree, message string) (plumbing.Hash, bool, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, false, fmt.Errorf("worktree: %w", err)
	}
	if err := checkStaged(wt, subtree); err != nil {
		return plumbing.ZeroHash, false, err
	}
	if _, err := wt.Add(subtree); err != nil {
		return plumbing.ZeroHash, false, fmt.Errorf("stage %s: %w", subtree, err)
	}
	st, err := wt.Status()
	if err != nil {
		return plumbing.ZeroHash, false, fmt.Errorf("status: %w", err)
	}
	changed := false
	for file, fs := range st {
		if !staged(fs) {
			continue
		}
		if !within(file, subtree) {
			return plumbing.ZeroHash, false, fmt.Errorf("%w: %s", ErrOutsideSubtree, file)
		}
		changed = true
	}
	if !changed {
		return plumbing.ZeroHash, false, nil
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: p.AuthorName, Email: p.AuthorEmail, When: p.now()},
	})
	if err != nil {
		return plumbing.ZeroHash, false, fmt.Errorf("commit: %w", err)
	}
	return hash, true, nil
}

func checkStaged(wt *git.Worktree, subtree string) error {
	st, err := wt.Status()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	for file, fs := range st {
		if staged(fs) && !within(file, subtree) {
			return fmt.Errorf("%w: %s", ErrOutsideSubtree, file)
		}
	}
	return nil
}

func staged(fs *git.FileStatus) bool {
	return fs.Staging != git.Unmodified && fs.Staging != git.Untracked
}

func within(file, subtree string) bool {
	return file == subtree || strings.HasPrefix(file, subtree+"/")
}

// pushReconciling pushes the branch. A non-fast-forward rejection is
// reconciled once: fetch, move onto the remote tip keeping the worktree,
// recommit the subtree and push again.
func (p Publisher) pushReconciling(ctx context.Context, repo *git.Repository, branch, subtree, message string) (reconcile, error) {
	var rec reconcile
	err := p.push(ctx, repo, branch)
	if err == nil || !nonFastForward(err) {
		return rec, err
	}
	rec.reconciled = true
	if err := p.fetch(ctx, repo, branch); err != nil {
		return rec, err
	}
	remote, err := repo.Reference(plumbing.NewRemoteReferenceName(p.remote(), branch), true)
	if err != nil {
		return rec, fmt.Errorf("resolve fetched %s: %w", branch, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return rec, err
	}
	if err := wt.Reset(&git.ResetOptions{Commit: remote.Hash(), Mode: git.MixedReset}); err != nil {
		return rec, fmt.Errorf("reset onto remote: %w", err)
	}
	hash, committed, err := p.commit(repo, subtree, message)
	if err != nil {
		return rec, err
	}
	if committed {
		rec.commit = hash
	}
	return rec, p.push(ctx, repo, branch)
}

func (p Publisher) push(ctx context.Context, repo *git.Repository, branch string) error {
	auth, err := p.Auth.method()
	if err != nil {
		return err
	}
	if p.PushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.PushTimeout)
		defer cancel()
	}
	ref := plumbing.NewBranchReferenceName(branch)
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: p.remote(),
		RefSpecs:   []ggitcfg.RefSpec{ggitcfg.RefSpec(ref.String() + ":" + ref.String())},
		Auth:       auth,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

func (p Publisher) fetch(ctx context.Context, repo *git.Repository, branch string) error {
	auth, err := p.Auth.method()
	if err != nil {
		return err
	}
	if p.PushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.PushTimeout)
		defer cancel()
	}
	spec := fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", branch, p.remote(), branch)
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: p.remote(),
		RefSpecs:   []ggitcfg.RefSpec{ggitcfg.RefSpec(spec)},
		Auth:       auth,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch %s: %w", branch, err)
	}
	return nil
}

func nonFastForward(err error) bool {
	if errors.Is(err, git.ErrNonFastForwardUpdate) {
		return true
	}
	l := strings.ToLower(err.Error())
	return strings.Contains(l, "non-fast-forward") || strings.Contains(l, "fetch first")
}

// CommitMessage formats e.g. "1a2b3c4d day 007 - ACTIVE".
func CommitMessage(deviceID string, day int, status string) string {
	short := deviceID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s day %03d - %s", short, day, status)
}
