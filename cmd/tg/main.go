// Command tg is the tangram CLI: a thin front over the engine for
// building targets, checking artifacts in and out, and running the
// daemon.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tangram-dev/tangram/server"
)

// Context carries the resolved global options into every command.
type Context struct {
	Config server.Config
}

type CLI struct {
	Path     string `placeholder:"<server-root>" help:"server root directory (default: ~/.tangram)"`
	Config   string `placeholder:"<config-file>" help:"path to the YAML config file (default: <server-root>/config.yaml)"`
	LogLevel string `default:"info" placeholder:"<debug|info|warn|error>" help:"the logging level"`
	LogFile  string `placeholder:"<log-file-path>" help:"log file path (daemon logs rotate; leave empty for stderr)"`

	Build       BuildCmd       `cmd:"" help:"check in a package and build one of its targets"`
	Checkin     CheckinCmd     `cmd:"" help:"check a filesystem path into the store"`
	Checkout    CheckoutCmd    `cmd:"" help:"check an artifact out of the store"`
	Daemon      DaemonCmd      `cmd:"" help:"run the server on its unix socket"`
	Gc          GcCmd          `cmd:"" help:"run the garbage collector"`
	Publish     PublishCmd     `cmd:"" help:"publish a package to the registry"`
	Version     VersionCmd     `cmd:"" help:"print version information"`
	SandboxInit SandboxInitCmd `cmd:"" hidden:"" name:"sandbox-init" help:"internal: sandbox child setup"`

	Completion kongcompletion.Completion `cmd:"" help:"generate shell completion"`
}

func (c *CLI) initSlog(cctx *kong.Context) {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	var out = os.Stderr
	options := &slog.HandlerOptions{Level: level}
	if strings.HasPrefix(cctx.Command(), "daemon") && c.LogFile != "" {
		// The daemon is long-lived; rotate its log.
		logger := slog.New(slog.NewJSONHandler(&lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
		}, options))
		slog.SetDefault(logger)
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(out, options)))
}

func (c *CLI) resolveConfig() (server.Config, error) {
	configPath := c.Config
	if configPath == "" && c.Path != "" {
		configPath = filepath.Join(c.Path, "config.yaml")
	}
	config, err := server.LoadConfig(configPath)
	if err != nil {
		return config, err
	}
	if c.Path != "" {
		config.Path = c.Path
	}
	return config, nil
}

func main() {
	cli := &CLI{}
	parser := kong.Must(cli,
		kong.Name("tg"),
		kong.Description("a content-addressed, reproducible build engine"),
		kong.Configuration(kongyaml.Loader, "~/.config/tangram/cli.yaml"),
		kong.UsageOnError(),
	)
	kongcompletion.Register(parser)
	cctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cli.initSlog(cctx)
	config, err := cli.resolveConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cctx.Run(&Context{Config: config}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
