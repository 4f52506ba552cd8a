package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/mnemo/internal/memory"
)

var (
	verbose      bool
	providerType string
	modelName    string
	ciMode       bool
	configPath   string

	role          string
	priority      float64
	tags          []string
	tagGlob       string
	sessionFilter string
	limit         int
	contextLimit  int
	threshold     float64
	useDecay      bool
	tokenBudget   int
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "Semantic context management for AI conversations",
	Long: `Mnemo keeps long AI conversations inside their context window.
It tracks token usage per session, compresses history when thresholds are
crossed, and persists important content as searchable semantic memories.`,
}

var processCmd = &cobra.Command{
	Use:   "process [message]",
	Short: "Process one conversation message through the monitor",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e := newEngine(ctx)
		defer e.Close()

		report, err := e.Monitor.ProcessMessage(ctx, args[0], role)
		if err != nil {
			e.Observer.Log().Fatal().Err(err).Msg("Failed to process message")
		}

		fmt.Printf("Status: %s (%.0f%% of context)\n", report.Status, report.Ratio*100)
		if report.Compressed {
			mode := "normal"
			if report.Emergency {
				mode = "emergency"
			}
			fmt.Printf("Compression ran: %s\n", mode)
		}
		if report.Injected > 0 {
			fmt.Printf("Injected %d relevant memories\n", report.Injected)
		}
	},
}

var rememberCmd = &cobra.Command{
	Use:   "remember [text]",
	Short: "Store text as a durable semantic memory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e := newEngine(ctx)
		defer e.Close()

		id, err := e.Memories.Store(ctx, args[0], memory.StoreParams{
			Priority:  priority,
			Tags:      tags,
			SessionID: sessionFilter,
		})
		if err != nil {
			e.Observer.Log().Fatal().Err(err).Msg("Failed to store memory")
		}
		fmt.Printf("Stored memory %d\n", id)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search memories by semantic similarity",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e := newEngine(ctx)
		defer e.Close()

		results, err := e.Memories.Search(ctx, args[0], memory.SearchParams{
			Limit:     limit,
			Threshold: threshold,
			SessionID: sessionFilter,
			TagGlob:   tagGlob,
			UseDecay:  useDecay,
		})
		if err != nil {
			e.Observer.Log().Fatal().Err(err).Msg("Search failed")
		}
		if len(results) == 0 {
			fmt.Println("No matching memories.")
			return
		}
		for _, r := range results {
			fmt.Printf("[%.0f%% | p%.1f] %s\n", r.Similarity*100, r.Priority, r.Memory.Content)
		}
	},
}

var contextCmd = &cobra.Command{
	Use:   "context [query]",
	Short: "Retrieve the most relevant memories within a token budget",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e := newEngine(ctx)
		defer e.Close()

		results, used, err := e.Memories.RelevantContext(ctx, args[0], tokenBudget, memory.SearchParams{
			Limit:    contextLimit,
			UseDecay: useDecay,
		})
		if err != nil {
			e.Observer.Log().Fatal().Err(err).Msg("Context retrieval failed")
		}
		for _, r := range results {
			fmt.Printf("- %s\n", r.Memory.Content)
		}
		fmt.Printf("(%d of %d budget tokens used)\n", used, tokenBudget)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show session usage and memory store statistics",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e := newEngine(ctx)
		defer e.Close()

		stats, err := e.Monitor.Stats(ctx)
		if err != nil {
			e.Observer.Log().Fatal().Err(err).Msg("Failed to load stats")
		}

		fmt.Printf("Session %s: %d messages, %d/%d tokens (%s)\n",
			stats.SessionID, stats.Messages, stats.Usage.Tokens, stats.Usage.Limit, stats.Usage.Status)
		fmt.Printf("  input %d / output %d, %d compressions\n",
			stats.Usage.InputTokens, stats.Usage.OutputTokens, stats.Compressions)
		fmt.Printf("Store: %d memories, %d archived sessions\n", stats.Memories, stats.Sessions)
	},
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().StringVarP(&providerType, "provider", "p", "ollama", "Embedding provider (ollama, openai, gemini, stub)")
	RootCmd.PersistentFlags().StringVarP(&modelName, "model", "m", "", "Model name (default depends on provider)")
	RootCmd.PersistentFlags().BoolVar(&ciMode, "ci", false, "CI mode: JSON log output")
	RootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a JSON or YAML config file")

	RootCmd.AddCommand(processCmd)
	RootCmd.AddCommand(rememberCmd)
	RootCmd.AddCommand(searchCmd)
	RootCmd.AddCommand(contextCmd)
	RootCmd.AddCommand(statsCmd)

	processCmd.Flags().StringVar(&role, "role", "user", "Message role (user, assistant, system, tool)")

	rememberCmd.Flags().Float64Var(&priority, "priority", 0, "Priority 1-10 (0 uses the default)")
	rememberCmd.Flags().StringSliceVar(&tags, "tags", nil, "Tags to attach")
	rememberCmd.Flags().StringVar(&sessionFilter, "session", "", "Session to attribute the memory to")

	searchCmd.Flags().IntVar(&limit, "limit", 5, "Maximum results")
	searchCmd.Flags().Float64Var(&threshold, "threshold", 0, "Minimum similarity (0 uses the default)")
	searchCmd.Flags().StringVar(&sessionFilter, "session", "", "Restrict to one session")
	searchCmd.Flags().StringVar(&tagGlob, "tags", "", "Tag glob pattern to match")
	searchCmd.Flags().BoolVar(&useDecay, "decay", false, "Report decay-adjusted priorities")

	contextCmd.Flags().IntVar(&tokenBudget, "budget", 1000, "Token budget for retrieved context")
	contextCmd.Flags().IntVar(&contextLimit, "limit", 10, "Maximum candidate results")
	contextCmd.Flags().BoolVar(&useDecay, "decay", false, "Report decay-adjusted priorities")
}
