package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	shellDefaultTimeout = 60 * time.Second
	shellMaxTimeout     = 10 * time.Minute
	shellOutputCap      = 64 * 1024
)

// ShellTool runs a command through the system shell. Approval-gated by
// default; see defaultClasses.
type ShellTool struct {
	workdir string
}

// NewShellTool builds the shell tool. workdir is the default working
// directory; empty means the process cwd.
func NewShellTool(workdir string) *ShellTool {
	return &ShellTool{workdir: workdir}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Run a shell command and return its combined output. Use for file inspection, scripting, and system queries."
}

func (t *ShellTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Command to run via sh -c",
			},
			"timeout_s": map[string]interface{}{
				"type":        "integer",
				"description": "Timeout in seconds (default 60, max 600)",
			},
			"workdir": map[string]interface{}{
				"type":        "string",
				"description": "Working directory override",
			},
		},
		"required": []interface{}{"command"},
	}
}

type shellParams struct {
	Command  string `json:"command"`
	TimeoutS int    `json:"timeout_s,omitempty"`
	Workdir  string `json:"workdir,omitempty"`
}

type shellDetails struct {
	ExitCode  int  `json:"exit_code"`
	Truncated bool `json:"truncated,omitempty"`
	TimedOut  bool `json:"timed_out,omitempty"`
}

func (t *ShellTool) Execute(ctx context.Context, params json.RawMessage) *Result {
	var p shellParams
	if err := json.Unmarshal(params, &p); err != nil {
		return ErrorResult(fmt.Sprintf("shell: decode params: %v", err))
	}

	timeout := shellDefaultTimeout
	if p.TimeoutS > 0 {
		timeout = time.Duration(p.TimeoutS) * time.Second
		if timeout > shellMaxTimeout {
			timeout = shellMaxTimeout
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
	if p.Workdir != "" {
		cmd.Dir = p.Workdir
	} else if t.workdir != "" {
		cmd.Dir = t.workdir
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	timedOut := ctx.Err() == context.DeadlineExceeded
	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else if !timedOut {
			return ErrorResult(fmt.Sprintf("shell: %v", err)).
				WithDetails(shellDetails{ExitCode: -1})
		} else {
			exitCode = -1
		}
	}

	text := out.String()
	truncated := false
	if len(text) > shellOutputCap {
		text = text[:shellOutputCap] + "\n... (output truncated)"
		truncated = true
	}

	var b strings.Builder
	if timedOut {
		fmt.Fprintf(&b, "(command timed out after %s)\n", timeout)
	}
	if exitCode != 0 {
		fmt.Fprintf(&b, "(exit code %d)\n", exitCode)
	}
	b.WriteString(text)

	res := NewResult(b.String())
	if exitCode != 0 || timedOut {
		res.OK = false
	}
	return res.WithDetails(shellDetails{ExitCode: exitCode, Truncated: truncated, TimedOut: timedOut})
}
