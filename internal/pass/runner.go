package pass

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"time"
)

// Runner executes the encryption tool.
type Runner interface {
	Run(ctx context.Context, stdin []byte, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs Binary as a subprocess. Arguments are passed directly to
// the process, never through a shell.
type ExecRunner struct {
	Binary   string
	StoreDir string
	// KeyID is exported to the tool as PASSWORD_STORE_KEY when set.
	KeyID string
	// WaitDelay bounds how long output pipes are drained after the process
	// is killed on context cancellation.
	WaitDelay time.Duration
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, stdin []byte, args ...string) ([]byte, []byte, error) {
	binary := r.Binary
	if binary == "" {
		binary = "pass"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = append(os.Environ(), "PASSWORD_STORE_DIR="+r.StoreDir)
	if r.KeyID != "" {
		cmd.Env = append(cmd.Env, "PASSWORD_STORE_KEY="+r.KeyID)
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = time.Second
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
