// internal/git/git.go
package git

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// Git provides git operations for a repository
type Git struct {
	repoPath string
}

// New creates a Git instance for the given repository path
func New(repoPath string) *Git {
	return &Git{repoPath: repoPath}
}

// RepoPath returns the repository this instance operates on
func (g *Git) RepoPath() string { return g.repoPath }

// BranchName creates a sanitized branch name from task ID and title
func BranchName(taskID, title string) string {
	// Lowercase and replace spaces with hyphens
	slug := strings.ToLower(title)
	slug = strings.ReplaceAll(slug, " ", "-")

	// Remove non-alphanumeric characters except hyphens
	reg := regexp.MustCompile(`[^a-z0-9-]`)
	slug = reg.ReplaceAllString(slug, "")

	// Remove consecutive hyphens
	reg = regexp.MustCompile(`-+`)
	slug = reg.ReplaceAllString(slug, "-")

	// Trim hyphens from ends
	slug = strings.Trim(slug, "-")

	// Truncate to reasonable length (30 chars for slug)
	if len(slug) > 30 {
		slug = slug[:30]
		// Don't end on a hyphen
		slug = strings.TrimRight(slug, "-")
	}

	return fmt.Sprintf("task/%s-%s", taskID, slug)
}

// Run executes an arbitrary git subcommand and returns its output
func (g *Git) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(string(output)), nil
}

// run is the context-free convenience used by the typed operations
func (g *Git) run(args ...string) (string, error) {
	return g.Run(context.Background(), args...)
}

// CurrentBranch returns the current branch name
func (g *Git) CurrentBranch() (string, error) {
	return g.run("rev-parse", "--abbrev-ref", "HEAD")
}

// Head returns the commit hash HEAD points at
func (g *Git) Head() (string, error) {
	return g.run("rev-parse", "HEAD")
}

// CreateBranch creates and checks out a new branch
func (g *Git) CreateBranch(name string) error {
	_, err := g.run("checkout", "-b", name)
	return err
}

// SwitchBranch switches to an existing branch
func (g *Git) SwitchBranch(name string) error {
	_, err := g.run("checkout", name)
	return err
}

// DeleteBranch force-deletes a local branch
func (g *Git) DeleteBranch(name string) error {
	_, err := g.run("branch", "-D", name)
	return err
}

// ListBranches returns all local branch names
func (g *Git) ListBranches() ([]string, error) {
	output, err := g.run("branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	if output == "" {
		return nil, nil
	}
	return strings.Split(output, "\n"), nil
}

// HasUncommittedChanges returns true if there are uncommitted changes
func (g *Git) HasUncommittedChanges() (bool, error) {
	output, err := g.run("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return output != "", nil
}

// Add stages files for commit
func (g *Git) Add(paths ...string) error {
	args := append([]string{"add"}, paths...)
	_, err := g.run(args...)
	return err
}

// Commit creates a commit with the given message
func (g *Git) Commit(message string) error {
	_, err := g.run("commit", "-m", message)
	return err
}

// Push pushes the current branch to origin
func (g *Git) Push() error {
	branch, err := g.CurrentBranch()
	if err != nil {
		return err
	}
	_, err = g.run("push", "-u", "origin", branch)
	return err
}

// ResetHard resets the working tree and HEAD to the given reference
func (g *Git) ResetHard(ref string) error {
	_, err := g.run("reset", "--hard", ref)
	return err
}

// AbortMerge aborts an in-progress merge
func (g *Git) AbortMerge() error {
	_, err := g.run("merge", "--abort")
	return err
}

// MergeInProgress reports whether a merge is underway
func (g *Git) MergeInProgress() bool {
	_, err := g.run("rev-parse", "--verify", "MERGE_HEAD")
	return err == nil
}

// StashPush stashes the working tree with a message
func (g *Git) StashPush(message string) error {
	_, err := g.run("stash", "push", "-m", message)
	return err
}

// StashPop applies and drops the most recent stash
func (g *Git) StashPop() error {
	_, err := g.run("stash", "pop")
	return err
}

// StashDepth returns the number of stash entries
func (g *Git) StashDepth() (int, error) {
	output, err := g.run("stash", "list")
	if err != nil {
		return 0, err
	}
	if output == "" {
		return 0, nil
	}
	return len(strings.Split(output, "\n")), nil
}

// GetDiff returns the diff for staged changes
func (g *Git) GetDiff() (string, error) {
	return g.run("diff", "--staged")
}

// GetLog returns recent commit messages
func (g *Git) GetLog(count int) (string, error) {
	return g.run("log", fmt.Sprintf("-%d", count), "--oneline")
}

// State is a capture of the repository used for transactional rollback
type State struct {
	Branch     string   `json:"branch"`
	Head       string   `json:"head"`
	Dirty      bool     `json:"dirty"`
	StashDepth int      `json:"stashDepth"`
	Branches   []string `json:"branches"`
}

// CaptureState records the repository's current shape
func (g *Git) CaptureState() (*State, error) {
	branch, err := g.CurrentBranch()
	if err != nil {
		return nil, fmt.Errorf("capture branch: %w", err)
	}
	head, err := g.Head()
	if err != nil {
		return nil, fmt.Errorf("capture head: %w", err)
	}
	dirty, err := g.HasUncommittedChanges()
	if err != nil {
		return nil, fmt.Errorf("capture status: %w", err)
	}
	depth, err := g.StashDepth()
	if err != nil {
		return nil, fmt.Errorf("capture stash: %w", err)
	}
	branches, err := g.ListBranches()
	if err != nil {
		return nil, fmt.Errorf("capture branches: %w", err)
	}
	return &State{
		Branch:     branch,
		Head:       head,
		Dirty:      dirty,
		StashDepth: depth,
		Branches:   branches,
	}, nil
}
