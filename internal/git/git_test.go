// internal/git/git_test.go
package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestBranchNameSanitization(t *testing.T) {
	tests := []struct {
		taskID   string
		title    string
		expected string
	}{
		{"TASK-001", "Fix auth bug", "task/TASK-001-fix-auth-bug"},
		{"TASK-002", "Add rate limiting!", "task/TASK-002-add-rate-limiting"},
		{"TASK-003", "This is a very long title that should be truncated", "task/TASK-003-this-is-a-very-long-title-that"},
	}

	for _, tt := range tests {
		result := BranchName(tt.taskID, tt.title)
		if result != tt.expected {
			t.Errorf("BranchName(%q, %q) = %q, want %q", tt.taskID, tt.title, result, tt.expected)
		}
	}
}

// initTempRepo creates a throwaway repository with one commit
func initTempRepo(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	tmpDir := t.TempDir()
	cmd := exec.Command("git", "init")
	cmd.Dir = tmpDir
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}

	exec.Command("git", "-C", tmpDir, "config", "user.email", "test@test.com").Run()
	exec.Command("git", "-C", tmpDir, "config", "user.name", "Test").Run()

	testFile := filepath.Join(tmpDir, "test.txt")
	os.WriteFile(testFile, []byte("initial"), 0644)
	exec.Command("git", "-C", tmpDir, "add", ".").Run()
	exec.Command("git", "-C", tmpDir, "commit", "-m", "initial").Run()

	return tmpDir
}

func TestGitOperationsInTempRepo(t *testing.T) {
	tmpDir := initTempRepo(t)
	g := New(tmpDir)

	branch := "task/TASK-001-test"
	if err := g.CreateBranch(branch); err != nil {
		t.Errorf("CreateBranch failed: %v", err)
	}

	current, err := g.CurrentBranch()
	if err != nil {
		t.Errorf("CurrentBranch failed: %v", err)
	}
	if current != branch {
		t.Errorf("expected branch %q, got %q", branch, current)
	}
}

func TestCaptureStateAndResetHard(t *testing.T) {
	tmpDir := initTempRepo(t)
	g := New(tmpDir)

	state, err := g.CaptureState()
	if err != nil {
		t.Fatalf("CaptureState failed: %v", err)
	}
	if state.Head == "" || state.Branch == "" {
		t.Fatalf("incomplete capture: %+v", state)
	}
	if state.Dirty {
		t.Error("fresh repo should not be dirty")
	}

	// Dirty the tree, then a new commit moves HEAD
	os.WriteFile(filepath.Join(tmpDir, "test.txt"), []byte("changed"), 0644)
	g.Add(".")
	if err := g.Commit("second"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	newHead, _ := g.Head()
	if newHead == state.Head {
		t.Fatal("commit did not move HEAD")
	}

	// ResetHard restores the captured reference
	if err := g.ResetHard(state.Head); err != nil {
		t.Fatalf("ResetHard: %v", err)
	}
	restored, _ := g.Head()
	if restored != state.Head {
		t.Errorf("HEAD = %s after reset, want %s", restored, state.Head)
	}
}

func TestBranchListingAndDelete(t *testing.T) {
	tmpDir := initTempRepo(t)
	g := New(tmpDir)

	base, _ := g.CurrentBranch()
	if err := g.CreateBranch("task/temp-branch"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	branches, err := g.ListBranches()
	if err != nil {
		t.Fatalf("ListBranches: %v", err)
	}
	if len(branches) != 2 {
		t.Errorf("branches = %v, want 2 entries", branches)
	}

	if err := g.SwitchBranch(base); err != nil {
		t.Fatalf("SwitchBranch: %v", err)
	}
	if err := g.DeleteBranch("task/temp-branch"); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}
	branches, _ = g.ListBranches()
	if len(branches) != 1 {
		t.Errorf("branches after delete = %v, want 1 entry", branches)
	}
}
