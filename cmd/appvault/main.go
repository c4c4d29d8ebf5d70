// Command appvault records app backup results in an encrypted ledger kept on
// a chosen storage location.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
)

var version = "dev"

// Globals are the flags shared by every command.
type Globals struct {
	StateDir     string  `name:"state-dir" help:"Directory holding settings and the ledger cache." default:".appvault" env:"APPVAULT_STATE_DIR" type:"path"`
	Secret       string  `help:"Secret the ledger encryption key is derived from." env:"APPVAULT_SECRET"`
	Credentials  string  `name:"credentials-file" help:"Credentials template providing the secret and S3 keys." env:"APPVAULT_CREDENTIALS_FILE" type:"path"`
	OPAccount    string  `name:"op-account" help:"1Password account for op:// references in the credentials file." env:"APPVAULT_OP_ACCOUNT"`
	LogLevel     string  `name:"log-level" help:"Log level (${enum})." enum:"debug,info,warn,error" default:"info" env:"APPVAULT_LOG_LEVEL"`
	LogFormat    string  `name:"log-format" help:"Log format (${enum})." enum:"text,json" default:"text" env:"APPVAULT_LOG_FORMAT"`
	OTLPEndpoint string  `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics, disabled if empty." env:"APPVAULT_OTLP_ENDPOINT"`
	S3           S3Flags `embed:"" prefix:"s3-"`
}

// S3Flags configure the endpoint used for s3:// storage locations.
type S3Flags struct {
	Endpoint  string `help:"S3 endpoint host." env:"APPVAULT_S3_ENDPOINT"`
	AccessKey string `name:"access-key" help:"S3 access key." env:"APPVAULT_S3_ACCESS_KEY"`
	SecretKey string `name:"secret-key" help:"S3 secret key." env:"APPVAULT_S3_SECRET_KEY"`
	Region    string `help:"S3 region." default:"us-east-1" env:"APPVAULT_S3_REGION"`
	UseSSL    bool   `name:"use-ssl" help:"Use TLS for S3." default:"true" negatable:"" env:"APPVAULT_S3_USE_SSL"`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Storage StorageCmd `cmd:"" help:"Manage the storage location."`
	Init    InitCmd    `cmd:"" help:"Start a new backup set."`
	Backup  BackupCmd  `cmd:"" help:"Record backup results."`
	Status  StatusCmd  `cmd:"" help:"Show the backup ledger."`
	Sets    SetsCmd    `cmd:"" help:"List the backup sets on the storage."`
	Restore RestoreCmd `cmd:"" help:"Inspect backup sets for restore."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("appvault"),
		kong.Description("Records app backup results in an encrypted ledger."),
		kong.Writers(stdout, stderr),
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	logger, err := newLogger(cli.LogLevel, cli.LogFormat, stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	return kctx.Run(&env{ctx: ctx, globals: &cli.Globals, logger: logger, out: stdout})
}

// env is bound to every command's Run method.
type env struct {
	ctx     context.Context
	globals *Globals
	logger  *slog.Logger
	out     io.Writer
}

func newLogger(levelName, format string, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
