// Package main is the entry point for the stormdbg debug engine.
//
// stormdbg speaks the line protocol with a debugger front end over stdin and
// stdout or, when given a port, over a TCP connection to 127.0.0.1.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/dshills/stormdbg/internal/config"
	"github.com/dshills/stormdbg/internal/debugger"
	"github.com/dshills/stormdbg/internal/hostloop"
	"github.com/dshills/stormdbg/internal/logging"
	"github.com/dshills/stormdbg/internal/runtime/lua"
	"github.com/dshills/stormdbg/internal/transport"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	configPath   string
	address      string
	logLevel     string
	logFile      string
	libraryRoots []string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	status := 0
	cmd := newRootCmd(&status)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return 2
	}
	return status
}

func newRootCmd(status *int) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "stormdbg [port]",
		Short: "Remote debug engine for Lua programs",
		Long: `stormdbg runs Lua programs under the control of a debugger front end.

With no port the protocol is spoken over stdin and stdout. With a port
of 0 or more stormdbg connects to 127.0.0.1:<port> instead.

Examples:
  stormdbg
  stormdbg 5678
  stormdbg --config ~/.config/stormdbg.toml --log-level debug`,
		Args:          cobra.MaximumNArgs(1),
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := serve(cmd.Context(), opts, args)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
				*status = 1
				return nil
			}
			*status = code
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a TOML or YAML configuration file")
	flags.StringVar(&opts.address, "address", "", "connect to this host:port instead of using stdio")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFile, "log-file", "", "write logs to this file instead of stderr")
	flags.StringArrayVar(&opts.libraryRoots, "library-root", nil, "directory whose files never stop (repeatable)")

	return cmd
}

// resolveConfig layers command-line values over the loaded configuration.
func resolveConfig(fs afero.Fs, opts options, args []string) (*config.Config, error) {
	cfg, err := config.Load(fs, opts.configPath)
	if err != nil {
		return nil, err
	}

	if len(args) == 1 {
		port, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("%w: port %q", config.ErrInvalidConfig, args[0])
		}
		if port >= 0 {
			cfg.UseTCP(fmt.Sprintf("127.0.0.1:%d", port))
		}
	}
	if opts.address != "" {
		cfg.UseTCP(opts.address)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFile != "" {
		cfg.Logging.File = opts.logFile
	}
	cfg.Debugger.LibraryRoots = append(cfg.Debugger.LibraryRoots, opts.libraryRoots...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openLog(fs afero.Fs, cfg *config.Config) (*logging.Logger, io.Closer, error) {
	out := io.Writer(os.Stderr)
	var closer io.Closer
	if cfg.Logging.File != "" {
		f, err := fs.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}

	lc := logging.DefaultConfig()
	lc.Level = cfg.LogLevel()
	lc.Output = out
	return logging.New(lc), closer, nil
}

func connect(ctx context.Context, cfg *config.Config) (*transport.Stream, error) {
	opt := transport.WithWriteBuffer(cfg.Transport.WriteBuffer)
	if cfg.Transport.Mode == config.ModeTCP {
		return transport.Dial(ctx, cfg.Transport.Address, opt)
	}
	return transport.Stdio(opt), nil
}

// serve runs one debug session and returns the program's exit status.
func serve(parent context.Context, opts options, args []string) (int, error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()
	cfg, err := resolveConfig(fs, opts, args)
	if err != nil {
		return 1, err
	}

	log, closer, err := openLog(fs, cfg)
	if err != nil {
		return 1, err
	}
	if closer != nil {
		defer closer.Close()
	}

	conn, err := connect(ctx, cfg)
	if err != nil {
		return 1, err
	}

	rt := lua.New(lua.WithFs(fs), lua.WithLogger(log.WithComponent("runtime")))
	defer rt.Close()

	session := debugger.NewSession(conn, rt, debugger.Options{
		LibraryRoots: cfg.Debugger.LibraryRoots,
		EngineFiles:  cfg.Debugger.EngineFiles,
		SearchPath:   cfg.Debugger.SearchPath,
		Fs:           fs,
		Logger:       log,
	})

	sched := session.Scheduler()
	loop := hostloop.New(hostloop.Hooks{
		PreRun:  sched.PreEventLoop,
		PostRun: sched.PostEventLoop,
	})
	sched.SetHost(loop)
	rt.SetEventLoop(loop)

	if err := session.Serve(ctx); err != nil {
		log.Warn("session ended: %v", err)
	}

	if status, ok := session.Exited(); ok {
		return status, nil
	}
	return 0, nil
}
