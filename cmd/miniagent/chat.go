package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openclaw/miniagent/internal/orchestrator"
	"github.com/openclaw/miniagent/internal/sessionkey"
)

const helpText = `Available commands:
  /help              show this message
  /reset             clear the current session's history
  /history           print the current session's messages
  /sessions          list every session on disk
  /quit, /exit       leave the chat

Anything else is sent to the agent as a new turn.`

// newChatCmd is the sole interactive subcommand: a non-positional --agent
// flag (inherited from the root command) and a first positional argument
// naming the session id.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [session]",
		Short: "Start an interactive chat session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session := "main"
			if len(args) > 0 {
				session = args[0]
			}
			d, err := buildDeps(flagWorkspace)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), d, session, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	return cmd
}

// runChat drives the read-eval-print loop: plain text is dispatched to the
// orchestrator as a new turn, lines starting with "/" are matched against
// the fixed slash-command set before falling through to ordinary dispatch.
func runChat(ctx context.Context, d *deps, session string, in io.Reader, out io.Writer) error {
	sessKey := sessionkey.Resolve(d.agentID, session)
	fmt.Fprintf(out, "miniagent chat — agent %q, session %q. Type /help for commands.\n", d.agentID, session)

	if d.heartbeat != nil {
		d.heartbeat.Start(ctx)
		defer d.heartbeat.Stop()
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			done, err := handleSlashCommand(ctx, d, sessKey, session, line, out)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			if done {
				return nil
			}
			continue
		}

		result, err := d.orch.Run(ctx, orchestrator.RunInput{
			AgentID: d.agentID,
			Session: session,
			Text:    line,
		})
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, result.Text)
	}
}

// handleSlashCommand dispatches one of the fixed interactive commands. The
// returned bool reports whether the chat loop should exit.
func handleSlashCommand(ctx context.Context, d *deps, sessKey, session, line string, out io.Writer) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		fmt.Fprintln(out, helpText)
		return false, nil

	case "/reset":
		if err := d.logs.Clear(sessKey); err != nil {
			return false, fmt.Errorf("reset session: %w", err)
		}
		fmt.Fprintln(out, "session history cleared.")
		return false, nil

	case "/history":
		msgs, err := d.logs.Load(sessKey)
		if err != nil {
			return false, fmt.Errorf("load history: %w", err)
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "(no history yet)")
			return false, nil
		}
		for _, m := range msgs {
			fmt.Fprintf(out, "[%s] %s\n", m.Role, m.PlainText())
		}
		return false, nil

	case "/sessions":
		keys, err := d.logs.List()
		if err != nil {
			return false, fmt.Errorf("list sessions: %w", err)
		}
		if len(keys) == 0 {
			fmt.Fprintln(out, "(no sessions on disk)")
			return false, nil
		}
		for _, k := range keys {
			marker := ""
			if k == sessKey {
				marker = " (current)"
			}
			fmt.Fprintf(out, "  %s%s\n", k, marker)
		}
		return false, nil

	case "/quit", "/exit":
		return true, nil

	default:
		fmt.Fprintf(out, "unknown command %q. Type /help for the list.\n", fields[0])
		return false, nil
	}
}
