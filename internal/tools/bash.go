package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	bashDefaultTimeout = 2 * time.Minute
	bashMaxTimeout     = 10 * time.Minute
	bashMaxOutput      = 64 << 10
)

// Bash runs a shell command on the host. It always needs approval unless
// exempted by configuration.
type Bash struct {
	dir string
}

// NewBash creates a Bash tool rooted at dir (empty means the process
// working directory).
func NewBash(dir string) *Bash { return &Bash{dir: dir} }

func (b *Bash) Name() string        { return "bash" }
func (b *Bash) Description() string { return "Execute a bash command on the host machine" }
func (b *Bash) Mutating() bool      { return true }
func (b *Bash) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The command to execute"},
			"timeout_seconds": {"type": "integer", "description": "Timeout in seconds (default 120, max 600)"}
		},
		"required": ["command"]
	}`)
}

type bashArgs struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (a bashArgs) timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return bashDefaultTimeout
	}
	return min(time.Duration(a.TimeoutSeconds)*time.Second, bashMaxTimeout)
}

// Execute returns combined stdout and stderr. A non-zero exit is an error
// whose message carries the output so the model can react to it.
func (b *Bash) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p bashArgs
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	if strings.TrimSpace(p.Command) == "" {
		return "", fmt.Errorf("command is required")
	}

	timeout := p.timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", p.Command)
	cmd.Dir = b.dir
	out, err := cmd.CombinedOutput()
	output := truncate(string(out), bashMaxOutput)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return output, fmt.Errorf("command timed out after %s", timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return output, fmt.Errorf("exit status %d: %s", exitErr.ExitCode(), output)
	}
	if err != nil {
		return output, fmt.Errorf("run command: %w", err)
	}
	return output, nil
}
