package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/williamchildres/terminal-messenger/internal/client"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "Terminal client for the chat server",
	Long: `Connects to a chat server, prompts for credentials, and drops you
into the room. Type /help once connected for the command list.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if !cmd.Flags().Changed("server") {
			url, err := client.PromptServerURL(serverURL)
			if err != nil {
				return err
			}
			serverURL = url
		}

		for {
			err := client.New(serverURL, os.Stdin, os.Stdout).Run(ctx)
			if err == nil || ctx.Err() != nil {
				return nil
			}
			again, perr := client.PromptReconnect()
			if perr != nil || !again {
				return err
			}
		}
	},
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "server", "ws://localhost:8080/ws", "server websocket URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
