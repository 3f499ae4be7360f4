package toolrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// maxShellOutput bounds captured command output.
const maxShellOutput = 64 * 1024

// Shell runs a command in the conversation working directory. Failures are
// soft: the LLM sees the exit status and output and may retry.
type Shell struct{}

func (Shell) Name() string        { return "shell" }
func (Shell) Description() string { return "Run a shell command in the conversation working directory." }

func (Shell) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Command to run with sh -c."},
			"timeout_seconds": {"type": "integer", "description": "Optional timeout; defaults to 120."}
		},
		"required": ["command"]
	}`)
}

func (Shell) Execute(ctx context.Context, ec *ExecContext, args json.RawMessage) (*Result, error) {
	var a struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if strings.TrimSpace(a.Command) == "" {
		return &Result{ErrorText: "command is empty"}, nil
	}

	timeout := 120 * time.Second
	if a.TimeoutSeconds > 0 {
		timeout = time.Duration(a.TimeoutSeconds) * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", a.Command)
	cmd.Dir = ec.WorkingDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	text := out.String()
	if len(text) > maxShellOutput {
		text = text[:maxShellOutput] + "\n[output truncated]"
	}
	if err != nil {
		return &Result{ErrorText: fmt.Sprintf("command failed: %v\n%s", err, text)}, nil
	}
	if text == "" {
		text = "(no output)"
	}
	return &Result{Value: text}, nil
}
