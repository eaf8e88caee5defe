package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/procwire/procwire/helper"
	"github.com/procwire/procwire/internal/fdutil"
)

func main() {
	app := &cli.App{
		Name:  "procwire-helper",
		Usage: "the process-management helper; not meant to be invoked directly",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "control-fd",
				Usage: "The descriptor number at which the control socket was inherited.",
				Value: 3,
			},
			&cli.DurationFlag{
				Name:  "grace-period",
				Usage: "Delay between SIGTERM and SIGKILL during shutdown.",
				Value: helper.DefaultGracePeriod,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Zap log level for diagnostics on stderr.",
				Value: "warn",
			},
		},
		Action: func(ctx *cli.Context) error {
			controlFD := ctx.Int("control-fd")
			grace := ctx.Duration("grace-period")
			levelStr := ctx.String("log-level")

			// Everything above the control socket is an accident of the
			// parent's descriptor table; drop it before doing anything else.
			fdutil.CloseFrom(controlFD + 1)

			level, err := zapcore.ParseLevel(levelStr)
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			cfg := zap.NewDevelopmentConfig()
			cfg.Level = zap.NewAtomicLevelAt(level)
			logger, err := cfg.Build()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()
			slog := logger.Named("helper").Sugar()
			if session := os.Getenv("PROCWIRE_SESSION"); session != "" {
				slog = slog.With("session", session)
			}

			f := os.NewFile(uintptr(controlFD), "control")
			if f == nil {
				return fmt.Errorf("descriptor %d is not open", controlFD)
			}
			c, err := net.FileConn(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("wrapping control descriptor %d: %w", controlFD, err)
			}
			conn, ok := c.(*net.UnixConn)
			if !ok {
				return fmt.Errorf("control descriptor %d is %T, expected a unix socket", controlFD, c)
			}

			// Termination signals behave like end-of-stream on the control
			// socket, and the escalation opens with the signal received.
			return helper.Serve(ctx.Context, conn,
				helper.WithLogger(slog),
				helper.WithGracePeriod(grace),
				helper.WithShutdownSignals(
					syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT),
			)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
