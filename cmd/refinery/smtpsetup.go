package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/averdin/refinery/internal/maildelivery"
)

func newSMTPSetupCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "smtp-setup",
		Short: "Record SMTP credentials for the service manager",
		Long: "Prompts for the SMTP username and password and writes the startup\n" +
			"blob the service manager expects on stdin. Write it to a root-only\n" +
			"file and pipe it in from the init script.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSMTPSetup(cmd, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the blob to this file instead of stdout")
	return cmd
}

func runSMTPSetup(cmd *cobra.Command, output string) error {
	reader := bufio.NewReader(cmd.InOrStdin())

	fmt.Fprint(cmd.ErrOrStderr(), "SMTP username: ")
	username, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read username: %w", err)
	}
	username = strings.TrimSpace(username)

	password, err := readPassword(cmd, reader)
	if err != nil {
		return err
	}

	blob, err := json.Marshal(maildelivery.Credentials{
		Username: username,
		Password: password,
	})
	if err != nil {
		return err
	}
	blob = append(blob, '\n')

	if output == "" {
		_, err := cmd.OutOrStdout().Write(blob)
		return err
	}
	if err := os.WriteFile(output, blob, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "credentials written to %s\n", output)
	return nil
}

// readPassword hides the echo on a real terminal and falls back to a plain
// line read when stdin is a pipe, which keeps the command scriptable.
func readPassword(cmd *cobra.Command, reader *bufio.Reader) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), "SMTP password: ")
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		password, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(password), nil
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
