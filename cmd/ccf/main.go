package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/ZaninAndrea/ccf/internal/storage"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env holds what every command needs, built from the global flags before the command runs.
type env struct {
	logger   log.Logger
	registry *prometheus.Registry
	storage  *storage.Storage
}

func newApp() *cli.App {
	e := &env{}

	return &cli.App{
		Name:  "ccf",
		Usage: "convert between CSV and the CCF columnar format",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log.level", Value: "info", Usage: "only log messages with the given severity or above: debug, info, warn, error"},
			&cli.BoolFlag{Name: "stats", Usage: "log the storage I/O counters when the command completes"},
			&cli.StringFlag{Name: "s3.region", EnvVars: []string{"CCF_S3_REGION"}, Usage: "region of the S3 bucket"},
			&cli.StringFlag{Name: "s3.endpoint", EnvVars: []string{"CCF_S3_ENDPOINT"}, Usage: "custom S3 endpoint, e.g. a MinIO server"},
			&cli.BoolFlag{Name: "s3.path-style", EnvVars: []string{"CCF_S3_PATH_STYLE"}, Usage: "use path style bucket addressing"},
			&cli.StringFlag{Name: "s3.access-key-id", EnvVars: []string{"CCF_S3_ACCESS_KEY_ID"}, Usage: "static S3 access key, the default credential chain is used when empty"},
			&cli.StringFlag{Name: "s3.secret-access-key", EnvVars: []string{"CCF_S3_SECRET_ACCESS_KEY"}, Usage: "static S3 secret key"},
		},
		Before: func(c *cli.Context) error {
			logger, err := newLogger(c.String("log.level"))
			if err != nil {
				return err
			}

			e.logger = logger
			e.registry = prometheus.NewRegistry()
			e.storage = storage.New(storage.Config{
				S3Region:          c.String("s3.region"),
				S3Endpoint:        c.String("s3.endpoint"),
				S3PathStyle:       c.Bool("s3.path-style"),
				S3AccessKeyID:     c.String("s3.access-key-id"),
				S3SecretAccessKey: c.String("s3.secret-access-key"),
			}, log.With(logger, "component", "storage"), e.registry)
			return nil
		},
		After: func(c *cli.Context) error {
			if c.Bool("stats") && e.registry != nil {
				return logStats(e.logger, e.registry)
			}
			return nil
		},
		Commands: []*cli.Command{
			encodeCommand(e),
			decodeCommand(e),
			inspectCommand(e),
		},
	}
}

func newLogger(lvl string) (log.Logger, error) {
	var option level.Option
	switch lvl {
	case "debug":
		option = level.AllowDebug()
	case "info":
		option = level.AllowInfo()
	case "warn":
		option = level.AllowWarn()
	case "error":
		option = level.AllowError()
	default:
		return nil, fmt.Errorf("invalid log level %q", lvl)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	return level.NewFilter(logger, option), nil
}
