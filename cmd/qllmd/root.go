package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"qllmd/internal/config"
	"qllmd/internal/registry"
)

// flagOverlay collects flag values; only flags the user changed are applied
// on top of file and environment settings.
type flagOverlay struct {
	configPath string
	chdir      string
	ov         config.Config
	apply      map[string]func(*config.Config)
}

func (f *flagOverlay) bind(name string, set func(*config.Config)) {
	f.apply[name] = set
}

func (f *flagOverlay) register(cmd *cobra.Command) {
	f.apply = map[string]func(*config.Config){}
	fl := cmd.Flags()
	d := config.Defaults()

	fl.StringVar(&f.configPath, "config", "", "Config file (.yaml, .yml, .json, .jsonc, .toml)")
	fl.StringVarP(&f.chdir, "chdir", "C", "", "Change to this directory before starting up")

	fl.StringVar(&f.ov.Addr, "addr", d.Addr, "HTTP listen address (empty disables)")
	f.bind("addr", func(c *config.Config) { c.Addr = f.ov.Addr })
	fl.StringVarP(&f.ov.LineAddr, "line-addr", "p", d.LineAddr, "Line protocol listen address (empty disables)")
	f.bind("line-addr", func(c *config.Config) { c.LineAddr = f.ov.LineAddr })
	fl.StringVar(&f.ov.ModelsDir, "models-dir", d.ModelsDir, "Directory to scan for *.gguf model files")
	f.bind("models-dir", func(c *config.Config) { c.ModelsDir = f.ov.ModelsDir })

	fl.Uint32VarP(&f.ov.ContextLength, "context-length", "c", d.ContextLength, "Positions per session context")
	f.bind("context-length", func(c *config.Config) { c.ContextLength = f.ov.ContextLength })
	fl.IntVarP(&f.ov.ThreadCount, "threads", "t", d.ThreadCount, "Threads per context")
	f.bind("threads", func(c *config.Config) { c.ThreadCount = f.ov.ThreadCount })
	fl.Uint64Var(&f.ov.MaxOffloadBytes, "max-offload-bytes", 0, "Hard cap on GPU bytes for weights (0 = free memory)")
	f.bind("max-offload-bytes", func(c *config.Config) { c.MaxOffloadBytes = f.ov.MaxOffloadBytes })
	fl.Uint32VarP(&f.ov.ExpectedConcurrentSessions, "sessions", "n", d.ExpectedConcurrentSessions, "Expected concurrent sessions, used to reserve KV memory")
	f.bind("sessions", func(c *config.Config) { c.ExpectedConcurrentSessions = f.ov.ExpectedConcurrentSessions })
	fl.IntVar(&f.ov.GPUIndex, "gpu-index", 0, "GPU to probe for free memory")
	f.bind("gpu-index", func(c *config.Config) { c.GPUIndex = f.ov.GPUIndex })
	fl.BoolVar(&f.ov.DisableEmbeddings, "no-embeddings", false, "Disable the embedding endpoints")
	f.bind("no-embeddings", func(c *config.Config) { c.DisableEmbeddings = f.ov.DisableEmbeddings })
	fl.IntVar(&f.ov.Seed, "seed", d.Seed, "Sampling seed (negative = random)")
	f.bind("seed", func(c *config.Config) { c.Seed = f.ov.Seed })

	fl.StringVar(&f.ov.SessionMode, "mode", d.SessionMode, "Session mode: per-connection|shared")
	f.bind("mode", func(c *config.Config) { c.SessionMode = f.ov.SessionMode })
	fl.BoolP("root", "r", false, "Shorthand for --mode shared")
	f.bind("root", func(c *config.Config) {
		if on, _ := cmd.Flags().GetBool("root"); on {
			c.SessionMode = config.ModeShared
		}
	})
	fl.IntVar(&f.ov.MaxSessions, "max-sessions", 0, "Cap on per-connection sessions (0 = unlimited)")
	f.bind("max-sessions", func(c *config.Config) { c.MaxSessions = f.ov.MaxSessions })
	fl.IntVar(&f.ov.SessionTTLSeconds, "session-ttl", 0, "Destroy sessions idle this many seconds (0 = never)")
	f.bind("session-ttl", func(c *config.Config) { c.SessionTTLSeconds = f.ov.SessionTTLSeconds })
	fl.IntVar(&f.ov.MaxGenTokens, "max-gen-tokens", d.MaxGenTokens, "Cap on tokens generated per turn")
	f.bind("max-gen-tokens", func(c *config.Config) { c.MaxGenTokens = f.ov.MaxGenTokens })
	fl.StringVar(&f.ov.EndMarker, "end-marker", "", "Stop on this marker instead of the delimiter byte")
	f.bind("end-marker", func(c *config.Config) { c.EndMarker = f.ov.EndMarker })

	fl.StringSliceVar(&f.ov.AllowCommands, "allow-commands", nil, "Commands the model may run with \"$ cmd\" lines")
	f.bind("allow-commands", func(c *config.Config) { c.AllowCommands = config.SplitCSV(strings.Join(f.ov.AllowCommands, ",")) })

	fl.StringVar(&f.ov.LogLevel, "log-level", d.LogLevel, "Log level: trace|debug|info|warn|error|off")
	f.bind("log-level", func(c *config.Config) { c.LogLevel = f.ov.LogLevel })
	fl.StringVar(&f.ov.LogFormat, "log-format", d.LogFormat, "Log format: console|json")
	f.bind("log-format", func(c *config.Config) { c.LogFormat = f.ov.LogFormat })

	fl.BoolVar(&f.ov.CORSEnabled, "cors-enabled", false, "Enable CORS on the HTTP API")
	f.bind("cors-enabled", func(c *config.Config) { c.CORSEnabled = f.ov.CORSEnabled })
	fl.StringSliceVar(&f.ov.CORSAllowedOrigins, "cors-origins", nil, "Allowed CORS origins")
	f.bind("cors-origins", func(c *config.Config) { c.CORSAllowedOrigins = f.ov.CORSAllowedOrigins })
	fl.Int64Var(&f.ov.TurnTimeoutSeconds, "turn-timeout", 0, "Seconds a streamed HTTP turn may run (0 = unlimited)")
	f.bind("turn-timeout", func(c *config.Config) { c.TurnTimeoutSeconds = f.ov.TurnTimeoutSeconds })
	fl.Int64Var(&f.ov.MaxBodyBytes, "max-body-bytes", d.MaxBodyBytes, "Maximum JSON request body size")
	f.bind("max-body-bytes", func(c *config.Config) { c.MaxBodyBytes = f.ov.MaxBodyBytes })
}

// resolve layers Defaults, the config file, QLLMD_* variables, changed flags
// and the MODEL argument, then resolves the model path and validates.
func (f *flagOverlay) resolve(cmd *cobra.Command, args []string) (config.Config, error) {
	cfg := config.Defaults()
	if f.configPath != "" {
		fc, err := config.Load(f.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = cfg.Merge(fc)
	}
	cfg, err := cfg.ApplyEnv()
	if err != nil {
		return cfg, err
	}
	for name, set := range f.apply {
		if cmd.Flags().Changed(name) {
			set(&cfg)
		}
	}
	if len(args) > 0 {
		cfg.ModelPath = args[0]
	}
	if cfg.ModelPath != "" {
		p, err := registry.Resolve(cfg.ModelPath, cfg.ModelsDir)
		if err != nil {
			return cfg, err
		}
		cfg.ModelPath = p
	}
	return cfg, cfg.Validate()
}

func buildRootCmd() *cobra.Command {
	root, _ := newRootCmd()
	return root
}

func newRootCmd() (*cobra.Command, *flagOverlay) {
	f := &flagOverlay{}
	root := &cobra.Command{
		Use:   "qllmd [flags] MODEL",
		Short: "Serve a local LLM over HTTP and a line protocol",
		Long: "qllmd loads one GGUF model, offloading as many layers to the GPU as fit, and\n" +
			"serves chat sessions over HTTP (NDJSON) and a plain TCP line protocol.\n" +
			"MODEL is a file path or a file name inside --models-dir.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.chdir != "" {
				if err := os.Chdir(f.chdir); err != nil {
					return fmt.Errorf("chdir: %w", err)
				}
			}
			cfg, err := f.resolve(cmd, args)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	f.register(root)
	return root, f
}
