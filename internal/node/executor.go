package node

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/basket/flotilla/internal/protocol"
)

// ExecRequest is one unit of work handed to an executor.
type ExecRequest struct {
	TaskID  string
	Goal    string
	Model   string
	Context []protocol.Message
}

// Executor runs a task to completion. It streams cumulative output snapshots
// through emit as the work progresses; the final output is the return value.
// A canceled ctx must stop the work promptly and return ctx.Err().
type Executor interface {
	Execute(ctx context.Context, req ExecRequest, emit func(snapshot string)) (string, error)
}

// ScriptExecutor shells out to a configured command per task. The goal (with
// any prior conversation turns) arrives on stdin, streamed stdout becomes
// the cumulative output, and a non-zero exit is a task error carrying the
// stderr tail.
type ScriptExecutor struct {
	Command string
	Args    []string
}

func NewScriptExecutor(command string, args []string) *ScriptExecutor {
	return &ScriptExecutor{Command: command, Args: args}
}

func (e *ScriptExecutor) Execute(ctx context.Context, req ExecRequest, emit func(string)) (string, error) {
	if strings.TrimSpace(e.Command) == "" {
		return "", fmt.Errorf("executor command not configured")
	}

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Stdin = strings.NewReader(buildStdin(req))
	cmd.Env = append(cmd.Environ(),
		"FLOTILLA_TASK_ID="+req.TaskID,
		"FLOTILLA_MODEL="+req.Model,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", e.Command, err)
	}

	// Read stdout on its own goroutine so a canceled ctx can kill the
	// process without the reader blocking Wait.
	var (
		out     strings.Builder
		outMu   sync.Mutex
		readerD = make(chan struct{})
	)
	go func() {
		defer close(readerD)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			outMu.Lock()
			out.WriteString(scanner.Text())
			out.WriteByte('\n')
			snapshot := out.String()
			outMu.Unlock()
			if emit != nil {
				emit(snapshot)
			}
		}
	}()

	waitErr := cmd.Wait()
	<-readerD

	outMu.Lock()
	output := strings.TrimRight(out.String(), "\n")
	outMu.Unlock()

	if ctx.Err() != nil {
		return output, ctx.Err()
	}
	if waitErr != nil {
		tail := strings.TrimSpace(stderr.String())
		if len(tail) > 2000 {
			tail = tail[len(tail)-2000:]
		}
		if tail == "" {
			return output, fmt.Errorf("%s: %w", e.Command, waitErr)
		}
		return output, fmt.Errorf("%s: %w: %s", e.Command, waitErr, tail)
	}
	return output, nil
}

// buildStdin renders the goal, preceded by prior turns when the task
// continues a conversation.
func buildStdin(req ExecRequest) string {
	if len(req.Context) == 0 {
		return req.Goal
	}
	var b strings.Builder
	for _, m := range req.Context {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString(req.Goal)
	return b.String()
}
