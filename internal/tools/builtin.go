// internal/tools/builtin.go
package tools

import (
	"context"
	"fmt"

	"github.com/AGENTCORE/internal/git"
	"github.com/AGENTCORE/internal/runner"
)

// LintTool shells out to a linter and returns structured diagnostics
type LintTool struct {
	Command string   // e.g. "go"
	Args    []string // e.g. ["vet", "./..."]
	Dir     string
	Sink    runner.LineSink // optional streaming consumer
}

func (t *LintTool) Name() string           { return "lint" }
func (t *LintTool) Description() string    { return "runs the configured linter and parses diagnostics" }
func (t *LintTool) Operations() []string   { return []string{"run"} }
func (t *LintTool) Dependencies() []string { return nil }

func (t *LintTool) Invoke(ctx context.Context, operation string, params map[string]any) (any, error) {
	if operation != "" && operation != "run" {
		return nil, fmt.Errorf("lint: unknown operation %q", operation)
	}

	var collect runner.CollectingSink
	sink := collect.Sink()
	if t.Sink != nil {
		inner := t.Sink
		sink = func(line runner.Line) {
			inner(line)
			collect.Sink()(line)
		}
	}

	result, err := runner.Run(ctx, runner.Invocation{
		Command: t.Command,
		Args:    t.Args,
		Dir:     paramString(params, "dir", t.Dir),
	}, sink)
	if err != nil {
		return nil, err
	}

	output := collect.Text(runner.StreamStdout)
	if errText := collect.Text(runner.StreamStderr); errText != "" {
		if output != "" {
			output += "\n"
		}
		output += errText
	}
	diags := runner.ParseLintOutput(output)

	return map[string]any{
		"correlationId": result.CorrelationID,
		"exitCode":      result.ExitCode,
		"diagnostics":   diags,
		"clean":         result.ExitCode == 0 && len(diags) == 0,
	}, nil
}

// TestTool shells out to a test runner and returns a parsed summary
type TestTool struct {
	Command string
	Args    []string
	Dir     string
	Sink    runner.LineSink
}

func (t *TestTool) Name() string        { return "test" }
func (t *TestTool) Description() string { return "runs the configured test command and parses results" }
func (t *TestTool) Operations() []string { return []string{"run"} }

// Tests run against a lint-clean tree first
func (t *TestTool) Dependencies() []string { return []string{"lint"} }

func (t *TestTool) Invoke(ctx context.Context, operation string, params map[string]any) (any, error) {
	if operation != "" && operation != "run" {
		return nil, fmt.Errorf("test: unknown operation %q", operation)
	}

	var collect runner.CollectingSink
	sink := collect.Sink()
	if t.Sink != nil {
		inner := t.Sink
		sink = func(line runner.Line) {
			inner(line)
			collect.Sink()(line)
		}
	}

	result, err := runner.Run(ctx, runner.Invocation{
		Command: t.Command,
		Args:    t.Args,
		Dir:     paramString(params, "dir", t.Dir),
	}, sink)
	if err != nil {
		return nil, err
	}

	summary := runner.ParseTestOutput(collect.Text(runner.StreamStdout))
	return map[string]any{
		"correlationId": result.CorrelationID,
		"exitCode":      result.ExitCode,
		"summary":       summary,
	}, nil
}

// GitTool exposes source-control operations as a registry tool
type GitTool struct {
	Repo *git.Git
}

func (t *GitTool) Name() string        { return "git" }
func (t *GitTool) Description() string { return "source-control operations on the working repository" }
func (t *GitTool) Operations() []string {
	return []string{"status", "branch", "checkout", "add", "commit", "diff", "log", "head"}
}
func (t *GitTool) Dependencies() []string { return nil }

func (t *GitTool) Invoke(ctx context.Context, operation string, params map[string]any) (any, error) {
	switch operation {
	case "status":
		dirty, err := t.Repo.HasUncommittedChanges()
		if err != nil {
			return nil, err
		}
		branch, err := t.Repo.CurrentBranch()
		if err != nil {
			return nil, err
		}
		return map[string]any{"branch": branch, "dirty": dirty}, nil
	case "head":
		return t.Repo.Head()
	case "branch":
		name := paramString(params, "name", "")
		if name == "" {
			return nil, fmt.Errorf("git branch: name is required")
		}
		return nil, t.Repo.CreateBranch(name)
	case "checkout":
		name := paramString(params, "name", "")
		if name == "" {
			return nil, fmt.Errorf("git checkout: name is required")
		}
		return nil, t.Repo.SwitchBranch(name)
	case "add":
		paths := paramStrings(params, "paths")
		if len(paths) == 0 {
			paths = []string{"."}
		}
		return nil, t.Repo.Add(paths...)
	case "commit":
		message := paramString(params, "message", "")
		if message == "" {
			return nil, fmt.Errorf("git commit: message is required")
		}
		return nil, t.Repo.Commit(message)
	case "diff":
		return t.Repo.GetDiff()
	case "log":
		count := 10
		if n, ok := params["count"].(int); ok && n > 0 {
			count = n
		}
		return t.Repo.GetLog(count)
	}
	return nil, fmt.Errorf("git: unknown operation %q", operation)
}

func paramString(params map[string]any, key, fallback string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func paramStrings(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
