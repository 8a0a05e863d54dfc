package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/datalens/pkg/stream"
	"github.com/spf13/cobra"
)

var (
	chatSessionID string
	chatVerbose   bool
	chatTimeout   int
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send one message to a running gateway",
	Long: `Send one message to a running gateway and print the streamed answer.
Reuse --session to continue a conversation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "session id to continue")
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "print tool calls and results")
	chatCmd.Flags().IntVar(&chatTimeout, "timeout", 300, "timeout in seconds for the whole turn")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	url, err := baseURL(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(chatTimeout)*time.Second)
	defer cancel()

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	var msg stream.Message
	sessionID, err := newAPIClient(url, 0).chat(ctx, strings.Join(args, " "), chatSessionID, func(ev stream.Event) {
		msg.Apply(ev)
		switch ev.Type {
		case stream.EventText, stream.EventRaw:
			fmt.Fprint(out, ev.Text)
		case stream.EventToolCall:
			if chatVerbose {
				fmt.Fprintf(errOut, "\n[tool] %s %s\n", ev.ToolCall.ToolName, ev.ToolCall.Args)
			}
		case stream.EventToolResult:
			if chatVerbose {
				fmt.Fprintf(errOut, "[result] %s\n", ev.ToolResult.Result)
			}
		}
	})
	fmt.Fprintln(out)
	if err != nil {
		return err
	}

	if sessionID != "" {
		fmt.Fprintf(errOut, "session: %s\n", sessionID)
	}
	if msg.Error != "" {
		return errors.New(msg.Error)
	}
	if msg.FinishReason == stream.FinishMaxIterations {
		fmt.Fprintln(errOut, "warning: tool call limit reached")
	}
	return nil
}
