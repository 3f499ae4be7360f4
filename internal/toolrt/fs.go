package toolrt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"
)

// maxReadBytes bounds a single fs_read payload.
const maxReadBytes = 256 * 1024

// FSRead reads a file within the agent's allowed scope.
type FSRead struct{}

func (FSRead) Name() string        { return "fs_read" }
func (FSRead) Description() string { return "Read a file. Relative paths resolve against the conversation working directory." }

func (FSRead) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path to read."},
			"allowOutsideWorkingDirectory": {"type": "boolean", "description": "Permit absolute paths outside the working directory."}
		},
		"required": ["path"]
	}`)
}

type fsArgs struct {
	Path         string `json:"path"`
	Content      string `json:"content"`
	AllowOutside bool   `json:"allowOutsideWorkingDirectory"`
}

func (FSRead) Execute(_ context.Context, ec *ExecContext, args json.RawMessage) (*Result, error) {
	var a fsArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	path, err := ec.CheckPath(a.Path, a.AllowOutside)
	if err != nil {
		return &Result{ErrorText: err.Error()}, nil
	}
	if err := rejectSymlink(path); err != nil {
		return &Result{ErrorText: err.Error()}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return &Result{ErrorText: fmt.Sprintf("read %s: %v", a.Path, err)}, nil
	}
	if len(raw) > maxReadBytes {
		raw = raw[:maxReadBytes]
	}
	if !utf8.Valid(raw) {
		return &Result{Value: raw}, nil
	}
	return &Result{Value: string(raw)}, nil
}

// FSWrite writes a file within the agent's allowed scope, taking an
// advisory lease on the path so concurrent loops don't clobber each other.
type FSWrite struct{}

func (FSWrite) Name() string        { return "fs_write" }
func (FSWrite) Description() string { return "Write a file, creating parent directories. Relative paths resolve against the conversation working directory." }

func (FSWrite) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path to write."},
			"content": {"type": "string", "description": "Full file content."},
			"allowOutsideWorkingDirectory": {"type": "boolean", "description": "Permit absolute paths outside the working directory."}
		},
		"required": ["path", "content"]
	}`)
}

func (FSWrite) Execute(ctx context.Context, ec *ExecContext, args json.RawMessage) (*Result, error) {
	var a fsArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	path, err := ec.CheckPath(a.Path, a.AllowOutside)
	if err != nil {
		return &Result{ErrorText: err.Error()}, nil
	}
	if err := rejectSymlink(path); err != nil {
		return &Result{ErrorText: err.Error()}, nil
	}

	if ec.Lease != nil {
		release, err := ec.Lease(ctx, "file:"+path)
		if err != nil {
			return &Result{ErrorText: fmt.Sprintf("could not acquire lease on %s: %v", a.Path, err)}, nil
		}
		defer release()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &Result{ErrorText: fmt.Sprintf("write %s: %v", a.Path, err)}, nil
	}
	if err := os.WriteFile(path, []byte(a.Content), 0o644); err != nil {
		return &Result{ErrorText: fmt.Sprintf("write %s: %v", a.Path, err)}, nil
	}
	return &Result{Value: fmt.Sprintf("wrote %d bytes to %s", len(a.Content), a.Path)}, nil
}
