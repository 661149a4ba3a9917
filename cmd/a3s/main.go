package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/a3s-run/a3s/internal/daemon"
)

// Context is threaded into every CLI command's Run method, generalizing
// the teacher's single-sandboxer Context to the daemon client plus the
// app's base directory.
type Context struct {
	AppBaseDir string
	Client     *daemon.Client
}

type CLI struct {
	LogFile    string `default:"" placeholder:"<log-file-path>" help:"location of log file (leave empty for a random tmp/ path)"`
	LogLevel   string `default:"info" placeholder:"<debug|info|warn|error>" help:"the logging level (debug, info, warn, error)"`
	AppBaseDir string `default:"" placeholder:"<base-dir>" help:"root dir for daemon state. Leave unset to use '~/.a3s'"`

	Run     RunCmd     `cmd:"" help:"create and start a box from an image"`
	Create  CreateCmd  `cmd:"" help:"create a box without starting it"`
	Start   StartCmd   `cmd:"" help:"start a stopped box"`
	Stop    StopCmd    `cmd:"" help:"stop a running box"`
	Restart RestartCmd `cmd:"" help:"restart a box"`
	Pause   PauseCmd   `cmd:"" help:"pause a running box"`
	Unpause UnpauseCmd `cmd:"" help:"unpause a paused box"`
	Kill    KillCmd    `cmd:"" help:"kill a running box"`
	Rm      RmCmd      `cmd:"" help:"remove one or more boxes"`
	Ps      PsCmd      `cmd:"" help:"list boxes"`
	Logs    LogsCmd    `cmd:"" help:"fetch a box's logs"`
	Exec    ExecCmd    `cmd:"" help:"run a command in a running box"`
	Attach  AttachCmd  `cmd:"" help:"attach an interactive PTY session to a box"`
	Inspect InspectCmd `cmd:"" help:"show detailed box information"`
	Top     TopCmd     `cmd:"" help:"list the processes running inside a box"`
	Stats   StatsCmd   `cmd:"" help:"show live resource usage for a box"`
	Wait    WaitCmd    `cmd:"" help:"block until a box exits, printing its exit code"`
	Diff    DiffCmd    `cmd:"" help:"list files changed in a box's rootfs since boot"`
	Rename  RenameCmd  `cmd:"" help:"rename a box"`
	Events  EventsCmd  `cmd:"" help:"stream box lifecycle events"`
	Update  UpdateCmd  `cmd:"" help:"update a box's resource limits or restart policy"`

	Images      ImagesCmd      `cmd:"" help:"list images"`
	Pull        PullCmd        `cmd:"" help:"pull an image from a registry"`
	Rmi         RmiCmd         `cmd:"" help:"remove one or more images"`
	Build       BuildCmd       `cmd:"" help:"build an image from a Dockerfile"`
	Save        SaveCmd        `cmd:"" help:"save an image to a tar archive"`
	Load        LoadCmd        `cmd:"" help:"load an image from a tar archive"`
	History     HistoryCmd     `cmd:"" help:"show an image's layer history"`
	ImagePrune  ImagePruneCmd  `cmd:"image-prune" help:"remove images not referenced by any box"`
	Df          DfCmd          `cmd:"" help:"show disk usage"`
	SystemPrune SystemPruneCmd `cmd:"system-prune" help:"remove stopped boxes, images not referenced by any box, and unused volumes"`

	Volume  VolumeCmd  `cmd:"" help:"manage volumes"`
	Network NetworkCmd `cmd:"" help:"manage networks"`

	Attest        AttestCmd        `cmd:"" help:"verify a box's attestation report and show its attestation status"`
	InjectSecret  InjectSecretCmd  `cmd:"inject-secret" help:"inject a named secret into a box over the attested channel"`
	Seal          SealCmd          `cmd:"" help:"seal data inside a box and print the sealed blob (base64)"`
	Unseal        UnsealCmd        `cmd:"" help:"unseal a sealed blob inside a box and print its data"`

	Monitor MonitorCmd `cmd:"" help:"tail box lifecycle and restart-monitor activity"`
	Doc     DocCmd     `cmd:"" help:"print complete command help formatted as markdown"`
	Daemon  DaemonCmd  `cmd:"" help:"start, stop, or check the a3s daemon"`
	Version VersionCmd `cmd:"" help:"print version information"`

	Completion kongcompletion.Cmd `cmd:"" help:"print shell completion scripts"`
}

func (c *CLI) initSlog(cctx *kong.Context) {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logFile := c.LogFile
	if strings.HasPrefix(cctx.Command(), "daemon") && logFile != "" {
		logFile += ".daemon"
	}

	var w io.Writer
	if logFile == "" {
		f, err := os.CreateTemp("", "a3s-log")
		if err != nil {
			panic(err)
		}
		w = f
	} else {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			panic(err)
		}
		w = &lumberjack.Logger{Filename: logFile, MaxSize: 10, MaxBackups: 3}
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
	slog.Info("slog initialized")
}

const description = "A Docker-compatible microVM container runtime: run OCI images as hardware-isolated VMs."

func appHomeDir(override string) (string, error) {
	if override != "" {
		if err := os.MkdirAll(override, 0o755); err != nil {
			return "", fmt.Errorf("creating app base dir: %w", err)
		}
		return override, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir := filepath.Join(homeDir, ".a3s")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating app base dir: %w", err)
	}
	return dir, nil
}

func main() {
	var cli CLI

	parser := kong.Must(&cli,
		kong.Name("a3s"),
		kong.Description(description),
		kong.Configuration(kongyaml.Loader, "~/.a3s.yaml", ".a3s.yaml"),
		kong.UsageOnError(),
	)
	if err := kongcompletion.Register(parser); err != nil {
		fmt.Fprintf(os.Stderr, "registering completions: %v\n", err)
	}

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	cli.initSlog(ctx)

	appBaseDir, err := appHomeDir(cli.AppBaseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	slog.Info("main", "appBaseDir", appBaseDir)

	cmd := ctx.Command()
	if !strings.HasPrefix(cmd, "daemon") && cmd != "doc" {
		if err := daemon.EnsureDaemon(context.Background(), appBaseDir); err != nil {
			fmt.Fprintf(os.Stderr, "daemon not running, and failed to start it: %v\n", err)
			os.Exit(1)
		}
	}

	runErr := ctx.Run(&Context{
		AppBaseDir: appBaseDir,
		Client:     daemon.NewClient(appBaseDir),
	})
	ctx.FatalIfErrorf(runErr)
}
