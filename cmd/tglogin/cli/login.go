package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/majorcontext/tglogin/internal/login"
)

var loginPhone string

var loginCmd = &cobra.Command{
	Use:   "login <user>",
	Short: "Log a user in interactively",
	Long: `Log a user in from the terminal.

Telegram sends a code to the phone number; enter it when prompted. When the
account has two-step verification the password is read without echo.
Ctrl-C cancels the attempt and removes the login container.`,
	Example:     `  tglogin login alice --phone +15551234567`,
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{"interactive": "true"},
	RunE:        runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVar(&loginPhone, "phone", "", "phone number in international format")
	_ = loginCmd.MarkFlagRequired("phone")
}

func runLogin(cmd *cobra.Command, args []string) error {
	key := args[0]
	a, err := newApp(context.Background(), cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	err = interactiveLogin(ctx, a.svc, key, loginPhone, bufio.NewReader(os.Stdin), readPassword)
	if errors.Is(err, context.Canceled) {
		if cerr := a.svc.Cancel(context.Background(), key); cerr != nil {
			return cerr
		}
		fmt.Println("Login cancelled")
		return nil
	}
	return err
}

// flow is the part of the login service the interactive command drives.
type flow interface {
	RequestCode(ctx context.Context, key, phone string) (login.CodeRequest, error)
	SubmitCode(ctx context.Context, key, code, codeHash, password string) (login.SignIn, error)
}

func interactiveLogin(ctx context.Context, svc flow, key, phone string, in *bufio.Reader, password func(*bufio.Reader) (string, error)) error {
	req, err := svc.RequestCode(ctx, key, phone)
	if err != nil {
		return err
	}
	if req.AlreadyLoggedIn {
		fmt.Printf("%s is already logged in\n", key)
		return nil
	}

	fmt.Print("Code: ")
	code, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && code != "") {
		return fmt.Errorf("reading code: %w", err)
	}
	code = strings.TrimSpace(code)

	res, err := svc.SubmitCode(ctx, key, code, req.CodeHash, "")
	if err != nil {
		return err
	}
	if res.PasswordRequired {
		fmt.Print("Two-step verification password: ")
		pw, err := password(in)
		fmt.Println()
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		res, err = svc.SubmitCode(ctx, key, code, req.CodeHash, pw)
		if err != nil {
			return err
		}
	}

	if !res.Success {
		return fmt.Errorf("login failed: %s", res.Message)
	}
	fmt.Printf("%s logged in\n", key)
	return nil
}

// readPassword reads without echo from a terminal, or a plain line from
// piped input.
func readPassword(in *bufio.Reader) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	b, err := term.ReadPassword(fd)
	return string(b), err
}
