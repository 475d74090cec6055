package skills

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Executor runs one skill's entrypoint and returns its textual result.
// Engine tries executors in registration order; the first whose CanHandle
// returns true executes the call.
type Executor interface {
	ID() string
	CanHandle(sk Skill, entrypointPath string) bool
	Execute(ctx context.Context, sk Skill, entrypointPath, input string) (string, error)
}

// envBinaries maps a script extension/primaryEnv hint to the interpreter
// binary that runs it, per §4.6.
var envBinaries = map[string]string{
	"py":             "python3",
	"python":         "python3",
	"sh":             "sh",
	"bash":           "bash",
	"js":             "node",
	"mjs":            "node",
	"cjs":            "node",
	"node":           "node",
	"javascript":     "node",
	"javascriptcore": "node",
}

// ProcessExecutor runs a skill entrypoint as a child process: argv is
// [envBinary, scriptPath, trimmedInput], falling back to executing the file
// directly when no extension or primaryEnv hint is known. cwd is the
// script's own directory. A non-zero exit is an error; the reply is stdout,
// falling back to stderr when stdout is empty.
type ProcessExecutor struct{}

func NewProcessExecutor() *ProcessExecutor { return &ProcessExecutor{} }

func (p *ProcessExecutor) ID() string { return "process" }

// CanHandle is the catch-all executor: it handles any entrypoint the
// JavaScript executor didn't claim first.
func (p *ProcessExecutor) CanHandle(sk Skill, entrypointPath string) bool { return true }

func (p *ProcessExecutor) Execute(ctx context.Context, sk Skill, entrypointPath, input string) (string, error) {
	bin := resolveEnvBinary(sk, entrypointPath)

	var cmd *exec.Cmd
	if bin != "" {
		cmd = exec.CommandContext(ctx, bin, entrypointPath, strings.TrimSpace(input))
	} else {
		cmd = exec.CommandContext(ctx, entrypointPath, strings.TrimSpace(input))
	}
	cmd.Dir = filepath.Dir(entrypointPath)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = strings.TrimSpace(stdout.String())
			}
			return "", fmt.Errorf("skill %s exited %d: %s", sk.Name, exitErr.ExitCode(), msg)
		}
		return "", fmt.Errorf("skill %s: %w", sk.Name, err)
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		out = strings.TrimSpace(stderr.String())
	}
	return out, nil
}

// resolveEnvBinary picks the interpreter binary from primaryEnv first, then
// the entrypoint's file extension; returns "" when the file should be
// executed directly (e.g. already has a shebang and the executable bit set).
func resolveEnvBinary(sk Skill, entrypointPath string) string {
	if sk.PrimaryEnv != "" {
		if bin, ok := envBinaries[strings.ToLower(sk.PrimaryEnv)]; ok {
			return bin
		}
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(entrypointPath)), ".")
	return envBinaries[ext]
}
