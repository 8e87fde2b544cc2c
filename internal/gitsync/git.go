package gitsync

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Git runs git subcommands against the working copy.
type Git interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// Credentials authenticate against an HTTP(S) remote.
type Credentials struct {
	Username string
	Token    string
}

// Author identifies commits created by the engine.
type Author struct {
	Name  string
	Email string
}

// CLIGit invokes the git binary with -C pointing at the working copy. The
// remote credential travels through GIT_CONFIG_* environment variables, so
// it never appears in argv or in .git/config.
type CLIGit struct {
	dir string
	env []string
}

// NewCLIGit returns a CLIGit for the working copy at dir.
func NewCLIGit(dir string, creds Credentials, author Author) *CLIGit {
	env := append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_AUTHOR_NAME="+author.Name,
		"GIT_AUTHOR_EMAIL="+author.Email,
		"GIT_COMMITTER_NAME="+author.Name,
		"GIT_COMMITTER_EMAIL="+author.Email,
	)
	if creds.Token != "" {
		user := creds.Username
		if user == "" {
			user = "git"
		}
		basic := base64.StdEncoding.EncodeToString([]byte(user + ":" + creds.Token))
		env = append(env,
			"GIT_CONFIG_COUNT=1",
			"GIT_CONFIG_KEY_0=http.extraHeader",
			"GIT_CONFIG_VALUE_0=Authorization: Basic "+basic,
		)
	}
	return &CLIGit{dir: dir, env: env}
}

// Dir returns the working copy directory.
func (g *CLIGit) Dir() string {
	return g.dir
}

// Run executes git and returns stdout. Stderr is captured separately and
// included in the error on failure.
func (g *CLIGit) Run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-C", g.dir}, args...)
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Env = g.env
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), g.dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
