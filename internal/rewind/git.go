package rewind

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	log "github.com/sirupsen/logrus"
)

// GitMode selects how much repository state a rewind writes.
type GitMode string

const (
	// GitNone writes no git output.
	GitNone GitMode = "none"
	// GitMetadata writes git_state.json only. It is the default.
	GitMetadata GitMode = "metadata"
	// GitFull also copies the source repository into repo/ and checks out
	// the recorded commit or branch.
	GitFull GitMode = "full"
)

// GitRepoDir is the directory under the output directory that receives
// the repository in GitFull mode.
const GitRepoDir = "repo"

// ParseGitMode accepts none, metadata or full; "" means metadata.
func ParseGitMode(s string) (GitMode, error) {
	switch m := GitMode(s); m {
	case "":
		return GitMetadata, nil
	case GitNone, GitMetadata, GitFull:
		return m, nil
	}
	return "", fmt.Errorf("unknown git mode %q (want none, metadata or full)", s)
}

// GitCheckout reports the repository written in GitFull mode.
type GitCheckout struct {
	Directory string `json:"directory"`
	Commit    string `json:"commit"`
	Branch    string `json:"branch,omitempty"`
	Detached  bool   `json:"detached"`
}

// errNoRepository means the git source is not inside a repository.
var errNoRepository = errors.New("not a git repository")

// materializeGit copies the repository containing source into
// outputDir/repo and checks out gs. A branch is checked out when it still
// points at the recorded commit (or no commit was recorded); otherwise
// the commit is checked out detached.
func materializeGit(ctx context.Context, source, outputDir string, gs GitState) (*GitCheckout, error) {
	src, err := git.PlainOpenWithOptions(source, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%s: %w", source, errNoRepository)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", source, err)
	}
	srcTree, err := src.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", source, err)
	}
	dotGit := filepath.Join(srcTree.Filesystem.Root(), git.GitDirName)
	if fi, err := os.Stat(dotGit); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a git directory", dotGit)
	}

	dest := filepath.Join(outputDir, GitRepoDir)
	if err := os.RemoveAll(dest); err != nil {
		return nil, err
	}
	log.Debugf("[Rewind] copying %s to %s", dotGit, dest)
	if err := copyTree(ctx, osfs.New(dotGit), osfs.New(filepath.Join(dest, git.GitDirName)), ""); err != nil {
		return nil, fmt.Errorf("copy repository: %w", err)
	}

	repo, err := git.PlainOpen(dest)
	if err != nil {
		return nil, fmt.Errorf("open copied repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}

	out := &GitCheckout{Directory: dest}
	opts, err := checkoutTarget(repo, gs, out)
	if err != nil {
		return nil, err
	}
	if err := wt.Checkout(opts); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", out.Commit, err)
	}
	return out, nil
}

func checkoutTarget(repo *git.Repository, gs GitState, out *GitCheckout) (*git.CheckoutOptions, error) {
	var commit *plumbing.Hash
	if gs.CommitHash != "" {
		h, err := repo.ResolveRevision(plumbing.Revision(gs.CommitHash))
		if err != nil {
			return nil, fmt.Errorf("resolve commit %s: %w", gs.CommitHash, err)
		}
		commit = h
	}

	if gs.Branch != "" {
		ref, err := repo.Reference(plumbing.NewBranchReferenceName(gs.Branch), true)
		switch {
		case err != nil:
			log.Warnf("[Rewind] branch %s not found, staying on commit %s", gs.Branch, gs.CommitHash)
		case commit == nil || ref.Hash() == *commit:
			out.Commit = ref.Hash().String()
			out.Branch = gs.Branch
			return &git.CheckoutOptions{Branch: ref.Name(), Force: true}, nil
		default:
			log.Warnf("[Rewind] branch %s moved past %s, checking out the commit", gs.Branch, gs.CommitHash)
		}
	}

	if commit != nil {
		out.Commit = commit.String()
		out.Detached = true
		return &git.CheckoutOptions{Hash: *commit, Force: true}, nil
	}

	// Nothing recorded: restore the source's HEAD.
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	out.Commit = head.Hash().String()
	if head.Name().IsBranch() {
		out.Branch = head.Name().Short()
		return &git.CheckoutOptions{Branch: head.Name(), Force: true}, nil
	}
	out.Detached = true
	return &git.CheckoutOptions{Hash: head.Hash(), Force: true}, nil
}

// copyTree copies dir of src recursively into dst. Symlinks are skipped.
func copyTree(ctx context.Context, src, dst billy.Filesystem, dir string) error {
	entries, err := src.ReadDir(dir)
	if err != nil {
		return err
	}
	if err := dst.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, fi := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := src.Join(dir, fi.Name())
		switch {
		case fi.IsDir():
			if err := copyTree(ctx, src, dst, p); err != nil {
				return err
			}
		case fi.Mode().IsRegular():
			if err := copyFile(src, dst, p, fi.Mode().Perm()); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFile(src, dst billy.Filesystem, p string, perm os.FileMode) error {
	in, err := src.Open(p)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := dst.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
