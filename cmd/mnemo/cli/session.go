package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage conversation sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived sessions",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e := newEngine(ctx)
		defer e.Close()

		sessions, err := e.Memories.Sessions(ctx, limit)
		if err != nil {
			e.Observer.Log().Fatal().Err(err).Msg("Failed to list sessions")
		}
		if len(sessions) == 0 {
			fmt.Println("No archived sessions.")
			return
		}
		for _, s := range sessions {
			started := time.Unix(s.StartedAt, 0).Format(time.RFC3339)
			fmt.Printf("%s  %s  %d messages, %d tokens, %d compressions\n",
				s.ID, started, s.Messages, s.TotalTokens, s.Compressions)
		}
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end",
	Short: "Archive the current session and start a fresh one",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e := newEngine(ctx)
		defer e.Close()

		summary, err := e.Monitor.EndSession(ctx)
		if err != nil {
			e.Observer.Log().Fatal().Err(err).Msg("Failed to end session")
		}
		fmt.Printf("Archived session %s: %d messages, %d tokens\n",
			summary.ID, summary.Messages, summary.TotalTokens)
		fmt.Printf("New session: %s\n", e.Monitor.Session().ID)
	},
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage persistent identity facts",
}

var identitySetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Store an identity fact (value may be any JSON, or a bare string)",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e := newEngine(ctx)
		defer e.Close()

		raw := json.RawMessage(args[1])
		if !json.Valid(raw) {
			raw, _ = json.Marshal(args[1])
		}
		if err := e.Memories.SetIdentity(ctx, args[0], raw); err != nil {
			e.Observer.Log().Fatal().Err(err).Msg("Failed to set identity")
		}
		fmt.Printf("Identity saved: %s\n", args[0])
	},
}

var identityGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Read an identity fact",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e := newEngine(ctx)
		defer e.Close()

		val, err := e.Memories.GetIdentity(ctx, args[0])
		if err != nil {
			e.Observer.Log().Fatal().Err(err).Msg("Failed to read identity")
		}
		fmt.Println(formatIdentity(val))
	},
}

func formatIdentity(val json.RawMessage) string {
	if len(val) == 0 {
		return "(not set)"
	}
	return string(val)
}

func init() {
	RootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionEndCmd)
	sessionListCmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to list")

	RootCmd.AddCommand(identityCmd)
	identityCmd.AddCommand(identitySetCmd)
	identityCmd.AddCommand(identityGetCmd)
}
