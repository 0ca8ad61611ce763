package backend

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"dispatchd/internal/task"
	logx "dispatchd/pkg/logx"
)

// Shell runs a fixed command with the payload's "args" appended, capturing
// combined output as the execution result. The command itself is pinned at
// construction; payloads can only add arguments, never pick the binary.
type Shell struct {
	Command string
	Args    []string
	Log     logx.Logger
}

func NewShell(command string, args []string, log logx.Logger) *Shell {
	return &Shell{Command: command, Args: args, Log: log}
}

func (s *Shell) Execute(ctx context.Context, payload task.Payload) (any, error) {
	if strings.TrimSpace(s.Command) == "" {
		return nil, NoRetry(fmt.Errorf("shell backend has no command"))
	}

	args := append([]string(nil), s.Args...)
	if extra, ok := payload["args"].([]any); ok {
		for _, a := range extra {
			args = append(args, fmt.Sprint(a))
		}
	}

	cmd := exec.CommandContext(ctx, s.Command, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := strings.TrimSpace(out.String())
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("shell command canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("shell command failed: %w (output: %.200s)", err, output)
	}
	return output, nil
}
