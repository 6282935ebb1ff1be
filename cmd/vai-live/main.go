package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-live/internal/dotenv"
)

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var envFiles []string

	root := &cobra.Command{
		Use:           "vai-live",
		Short:         "Live assistant session over Gemini, OpenAI Realtime or Claude",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return dotenv.LoadFiles(envFiles...)
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringArrayVar(&envFiles, "env-file", []string{".env"}, "dotenv file to load (repeatable, earlier files win)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newSettingsCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := newRootCmd(os.Stdin, os.Stdout, os.Stderr)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vai-live: %v\n", err)
		os.Exit(1)
	}
}
