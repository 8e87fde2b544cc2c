// Command client is an interactive shell for the GophPass API.
package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/atinyakov/GophPass/internal/client"
	"github.com/atinyakov/GophPass/internal/models"
)

var (
	version   string
	buildDate string
)

const helpText = `Available commands:
  login                      open a session
  logout                     close the session
  status                     show the session
  list                       list entry paths
  get <path>                 show an entry
  add <path>                 create an entry
  edit <path>                edit an entry
  delete <path>              delete an entry
  otp <path>                 show the current one-time code
  otp-add <path> <secret>    store a base32 secret or otpauth:// URI
  sync                       sync with the git remote now
  sync-status                show the sync state
  resolve <merge|manual>     resolve a sync conflict
  watch                      print sync state changes in the background
  passkeys                   list passkeys
  passkey-clear <id>         re-enable a flagged passkey
  passkey-delete <id>        delete a passkey
  exit`

// shell runs commands against the API.
type shell struct {
	api     *client.Client
	session client.SessionFile
	prompt  *client.Prompter
	out     io.Writer
	cancel  context.CancelFunc
}

// exec runs one command line. It returns false on exit.
func (s *shell) exec(ctx context.Context, line string) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return true
	}
	if args[0] == "exit" || args[0] == "quit" {
		fmt.Fprintln(s.out, "Bye")
		return false
	}
	if err := s.dispatch(ctx, args); err != nil {
		if errors.Is(err, client.ErrUnauthorized) {
			fmt.Fprintln(s.out, "Not logged in. Run 'login' first.")
		} else {
			fmt.Fprintln(s.out, "Error:", err)
		}
	}
	return true
}

func (s *shell) dispatch(ctx context.Context, args []string) error {
	need := func(n int, usage string) error {
		if len(args) < n+1 {
			return fmt.Errorf("usage: %s", usage)
		}
		return nil
	}

	switch args[0] {
	case "help":
		fmt.Fprintln(s.out, helpText)
	case "login":
		pw, code := s.prompt.Login()
		expires, err := s.api.Login(ctx, pw, code)
		if err != nil {
			return err
		}
		if err := s.session.Save(s.api.Token, expires); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		fmt.Fprintln(s.out, "Logged in until", expires.Local().Format(time.RFC1123))
	case "logout":
		err := s.api.Logout(ctx)
		if cerr := s.session.Clear(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Logged out")
	case "status":
		st, err := s.api.Status(ctx)
		if err != nil {
			return err
		}
		if !st.Authenticated {
			fmt.Fprintln(s.out, "Not logged in")
			return nil
		}
		fmt.Fprintf(s.out, "Logged in as %s until %s\n", st.UserID, st.ExpiresAt.Local().Format(time.RFC1123))
	case "list":
		paths, err := s.api.List(ctx)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintln(s.out, p)
		}
	case "get":
		if err := need(1, "get <path>"); err != nil {
			return err
		}
		e, err := s.api.Get(ctx, args[1])
		if err != nil {
			return err
		}
		b, _ := json.MarshalIndent(e, "", "  ")
		fmt.Fprintln(s.out, string(b))
	case "add":
		if err := need(1, "add <path>"); err != nil {
			return err
		}
		e := s.prompt.Entry(models.Entry{})
		if _, err := s.api.Put(ctx, args[1], e, ""); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Entry saved")
	case "edit":
		if err := need(1, "edit <path>"); err != nil {
			return err
		}
		current, err := s.api.Get(ctx, args[1])
		if err != nil {
			return err
		}
		e := s.prompt.Entry(current)
		if _, err := s.api.Put(ctx, args[1], e, current.Revision); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Entry updated")
	case "delete":
		if err := need(1, "delete <path>"); err != nil {
			return err
		}
		if err := s.api.Delete(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Entry deleted")
	case "otp":
		if err := need(1, "otp <path>"); err != nil {
			return err
		}
		code, err := s.api.OTP(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s (expires in %ds)\n", code.Code, code.ExpiresIn)
	case "otp-add":
		if err := need(2, "otp-add <path> <secret|otpauth-uri>"); err != nil {
			return err
		}
		if err := s.api.AddOTP(ctx, args[1], args[2]); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OTP secret saved")
	case "sync":
		st, err := s.api.Sync(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, "sync:", st)
	case "sync-status":
		st, err := s.api.SyncStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, client.FormatSyncState(st))
	case "resolve":
		if err := need(1, "resolve <merge|manual>"); err != nil {
			return err
		}
		st, err := s.api.Resolve(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, client.FormatSyncState(st))
	case "watch":
		if s.cancel != nil {
			fmt.Fprintln(s.out, "Already watching")
			return nil
		}
		watchCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		go client.WatchSync(watchCtx, s.api, 5*time.Second, s.out)
	case "passkeys":
		creds, err := s.api.Passkeys(ctx)
		if err != nil {
			return err
		}
		for _, c := range creds {
			flag := ""
			if c.Flagged {
				flag = " [flagged]"
			}
			fmt.Fprintf(s.out, "%s  %s  sign_count=%d%s\n", c.ID, cmp.Or(c.Label, "-"), c.SignCount, flag)
		}
	case "passkey-clear":
		if err := need(1, "passkey-clear <id>"); err != nil {
			return err
		}
		if err := s.api.ClearPasskeyFlag(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Passkey re-enabled")
	case "passkey-delete":
		if err := need(1, "passkey-delete <id>"); err != nil {
			return err
		}
		if err := s.api.DeletePasskey(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Passkey deleted")
	default:
		fmt.Fprintln(s.out, "Unknown command. Type 'help' for a list of commands.")
	}
	return nil
}

func defaultSessionPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".gophpass-session.json"
	}
	return filepath.Join(dir, "gophpass", "session.json")
}

func main() {
	var (
		baseURL     string
		caFile      string
		sessionPath string
		timeout     time.Duration
		showVer     bool
	)
	flags := pflag.NewFlagSet("client", pflag.ExitOnError)
	flags.StringVarP(&baseURL, "url", "u", "https://localhost:8080", "server base URL")
	flags.StringVar(&caFile, "ca", "certs/ca.crt", "path to CA cert, empty for system roots")
	flags.StringVar(&sessionPath, "session-file", defaultSessionPath(), "where the session token is kept")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	flags.BoolVarP(&showVer, "version", "v", false, "show build version and date")
	_ = flags.Parse(os.Args[1:])

	if showVer {
		fmt.Printf("GophPass Client\nVersion: %s\nBuild Date: %s\n", cmp.Or(version, "N/A"), cmp.Or(buildDate, "N/A"))
		return
	}

	httpClient, err := client.NewHTTPClient(caFile, timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	api := client.New(baseURL, httpClient)
	session := client.SessionFile{Path: sessionPath}
	if api.Token, err = session.Load(time.Now()); err != nil {
		fmt.Fprintln(os.Stderr, "ignoring saved session:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	prompt := client.NewPrompter(os.Stdin, os.Stdout)
	sh := &shell{api: api, session: session, prompt: prompt, out: os.Stdout}
	defer func() {
		if sh.cancel != nil {
			sh.cancel()
		}
	}()

	for {
		fmt.Print("gophpass> ")
		line, ok := prompt.Line()
		if !ok || !sh.exec(ctx, line) {
			return
		}
	}
}
