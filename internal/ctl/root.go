// Package ctl implements qllmctl, a small client for a running qllmd: it
// reads status, drives sessions over HTTP, chats over the line protocol, and
// wraps the repo's test suites for development.
package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"qllmd/pkg/types"
)

type Config struct {
	Addr     string
	LineAddr string
	LogLvl   string
	Timeout  time.Duration
}

// DefaultConfig reads QLLMCTL_* variables over the daemon's default addresses.
func DefaultConfig() *Config {
	return &Config{
		Addr:     envStr("QLLMCTL_ADDR", ":8080"),
		LineAddr: envStr("QLLMCTL_LINE_ADDR", ":4242"),
		LogLvl:   envStr("QLLMCTL_LOG_LEVEL", "info"),
		Timeout:  time.Duration(envInt("QLLMCTL_TIMEOUT_SECONDS", 0)) * time.Second,
	}
}

// BuildRootCmd constructs the command tree bound to cfg.
func BuildRootCmd(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "qllmctl",
		Short:         "Client and dev utilities for qllmd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&cfg.Addr, "addr", cfg.Addr, "qllmd HTTP address (defaults QLLMCTL_ADDR or :8080)")
	pf.StringVar(&cfg.LineAddr, "line-addr", cfg.LineAddr, "qllmd line protocol address (defaults QLLMCTL_LINE_ADDR or :4242)")
	pf.StringVar(&cfg.LogLvl, "log-level", cfg.LogLvl, "Log level: debug|info|warn|error")
	pf.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Overall request timeout (0 = none)")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		SetLogLevel(cfg.LogLvl)
	}

	client := func() *Client { return NewClient(cfg.Addr) }
	withTimeout := func(cmd *cobra.Command) (context.Context, context.CancelFunc) {
		if cfg.Timeout > 0 {
			return context.WithTimeout(cmd.Context(), cfg.Timeout)
		}
		return context.WithCancel(cmd.Context())
	}

	// status
	var asJSON bool
	statusCmd := &cobra.Command{Use: "status", Short: "Show daemon state, sessions and loaded models", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd)
		defer cancel()
		st, err := client().Status(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		return printStatus(cmd.OutOrStdout(), st)
	}}
	statusCmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status document")
	root.AddCommand(statusCmd)

	root.AddCommand(&cobra.Command{Use: "models", Short: "List models in the daemon's models directory", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd)
		defer cancel()
		models, err := client().Models(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSIZE\tFAMILY\tQUANT")
		for _, m := range models {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, humanize.IBytes(uint64(m.SizeBytes)), m.Family, m.Quant)
		}
		return tw.Flush()
	}})

	// session group
	sessionCmd := &cobra.Command{Use: "session", Short: "Manage HTTP sessions", RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("session requires a subcommand: create|get|delete|reset")
	}}
	sessionCmd.AddCommand(
		&cobra.Command{Use: "create [ID]", Short: "Create (or replace) a session", Args: cobra.MaximumNArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			s, err := client().CreateSession(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.ID)
			return nil
		}},
		&cobra.Command{Use: "get ID", Short: "Describe a session", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			s, err := client().Session(ctx, args[0])
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), []types.Session{s})
		}},
		&cobra.Command{Use: "delete ID", Short: "Destroy a session", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			return client().DeleteSession(ctx, args[0])
		}},
		&cobra.Command{Use: "reset ID", Short: "Clear a session's context", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			return client().ResetSession(ctx, args[0])
		}},
	)
	root.AddCommand(sessionCmd)

	// ask
	var askSession string
	askCmd := &cobra.Command{Use: "ask TEXT...", Short: "Run one turn and stream the reply", Example: "  qllmctl ask 2+2=\n  qllmctl ask --session s1 and again?", Args: cobra.MinimumNArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd)
		defer cancel()
		out := cmd.OutOrStdout()
		last, err := client().Turn(ctx, askSession, strings.Join(args, " "), out)
		fmt.Fprintln(out)
		if err != nil {
			return err
		}
		info("reason=%s tokens=%d cursor=%d evicted=%d", last.Reason, last.Tokens, last.Cursor, last.Evicted)
		return nil
	}}
	askCmd.Flags().StringVarP(&askSession, "session", "s", "", "Session id (empty runs a one-shot /infer)")
	root.AddCommand(askCmd)

	// embed
	var embedSession string
	embedCmd := &cobra.Command{Use: "embed TEXT...", Short: "Print the embedding of TEXT", Args: cobra.MinimumNArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd)
		defer cancel()
		c := client()
		id := embedSession
		if id == "" {
			s, err := c.CreateSession(ctx, "")
			if err != nil {
				return err
			}
			id = s.ID
			defer func() { _ = c.DeleteSession(context.WithoutCancel(ctx), id) }()
		}
		vec, err := c.Embed(ctx, id, strings.Join(args, " "))
		if err != nil {
			return err
		}
		return json.NewEncoder(cmd.OutOrStdout()).Encode(vec)
	}}
	embedCmd.Flags().StringVarP(&embedSession, "session", "s", "", "Session id (empty uses a temporary session)")
	root.AddCommand(embedCmd)

	root.AddCommand(&cobra.Command{Use: "chat", Short: "Chat over the line protocol, one prompt per stdin line", Long: "Each stdin line is sent as an ask; lines starting with \"/embed \" are sent as embed.", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		return Chat(cmd.Context(), cfg.LineAddr, 0x04, cmd.InOrStdin(), cmd.OutOrStdout())
	}})

	// wait
	var waitFor, waitEvery time.Duration
	waitCmd := &cobra.Command{Use: "wait", Short: "Wait until the model is loaded", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		start := time.Now()
		if err := client().WaitReady(cmd.Context(), waitFor, waitEvery); err != nil {
			return err
		}
		info("ready after %s", time.Since(start).Round(time.Millisecond))
		return nil
	}}
	waitCmd.Flags().DurationVar(&waitFor, "for", 2*time.Minute, "How long to wait")
	waitCmd.Flags().DurationVar(&waitEvery, "every", time.Second, "Poll interval")
	root.AddCommand(waitCmd)

	root.AddCommand(&cobra.Command{Use: "ping", Short: "Report which qllmd listeners accept connections", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		up := 0
		for _, l := range []struct{ name, addr string }{{"http", strings.TrimPrefix(strings.TrimPrefix(NewClient(cfg.Addr).Base, "http://"), "https://")}, {"line", cfg.LineAddr}} {
			state := "down"
			if isListening(l.addr) {
				state = "up"
				up++
			}
			fmt.Fprintf(out, "%-5s %-22s %s\n", l.name, l.addr, state)
		}
		if up == 0 {
			return fmt.Errorf("no qllmd listener reachable")
		}
		return nil
	}})

	// test group
	testCmd := &cobra.Command{Use: "test", Short: "Run tests", RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("test requires a subcommand: unit|blackbox|engine|all")
	}}
	var engineModel string
	testEngine := &cobra.Command{Use: "engine", Short: "Run the llama-tagged engine tests (cgo)", RunE: func(cmd *cobra.Command, args []string) error {
		return fnRunEngineTests(cmd.Context(), engineModel)
	}}
	testEngine.Flags().StringVar(&engineModel, "model", os.Getenv("QLLMD_TEST_MODEL"), "GGUF file for the smoke test")
	testCmd.AddCommand(
		&cobra.Command{Use: "unit", Short: "Run Go unit tests", RunE: func(cmd *cobra.Command, args []string) error { return fnRunUnitTests(cmd.Context()) }},
		&cobra.Command{Use: "blackbox", Short: "Build qllmd and run the blackbox suite", RunE: func(cmd *cobra.Command, args []string) error { return fnRunBlackboxTests(cmd.Context()) }},
		testEngine,
		&cobra.Command{Use: "all", Short: "unit, then blackbox", RunE: func(cmd *cobra.Command, args []string) error {
			if err := fnRunUnitTests(cmd.Context()); err != nil {
				return err
			}
			return fnRunBlackboxTests(cmd.Context())
		}},
	)
	root.AddCommand(testCmd)

	// completion command
	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(cmd.OutOrStdout()) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(cmd.OutOrStdout()) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(cmd.OutOrStdout(), true) }})
	completionCmd.AddCommand(&cobra.Command{Use: "powershell", Short: "PowerShell completion", RunE: func(cmd *cobra.Command, args []string) error {
		return root.GenPowerShellCompletionWithDesc(cmd.OutOrStdout())
	}})
	root.AddCommand(completionCmd)

	return root
}

func printStatus(w io.Writer, st types.StatusResponse) error {
	fmt.Fprintf(w, "state:    %s\n", st.State)
	fmt.Fprintf(w, "mode:     %s\n", st.Mode)
	fmt.Fprintf(w, "model:    %s\n", st.Model)
	fmt.Fprintf(w, "uptime:   %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(w, "evicted:  %s positions\n", humanize.Comma(int64(st.EvictionsTotal)))
	if st.LastError != "" {
		fmt.Fprintf(w, "error:    %s\n", st.LastError)
	}
	for _, m := range st.Models {
		fmt.Fprintf(w, "loaded:   %s (%d/%d layers on GPU, %s usable, %d refs)\n",
			m.Path, m.LayersOnGPU, m.LayerCount, humanize.IBytes(m.UsableBytes), m.Refs)
	}
	if len(st.Sessions) == 0 {
		fmt.Fprintln(w, "sessions: none")
		return nil
	}
	fmt.Fprintln(w)
	return printSessions(w, st.Sessions)
}

func printSessions(w io.Writer, ss []types.Session) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tCURSOR\tQUEUE\tIDLE")
	now := time.Now()
	for _, s := range ss {
		idle := humanize.RelTime(time.Unix(s.LastUsedUnix, 0), now, "", "")
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%s\n", s.ID, s.State, s.Cursor, s.MaxPositions, s.QueueLen, strings.TrimSpace(idle))
	}
	return tw.Flush()
}

// Main runs qllmctl with args and returns the process exit code.
func Main(ctx context.Context, args []string) int {
	root := BuildRootCmd(DefaultConfig())
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "qllmctl:", err)
		return 1
	}
	return 0
}
