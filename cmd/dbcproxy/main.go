// Command dbcproxy exposes a Death By Captcha account over a local
// JSON HTTP API, so non-Go agents can submit captchas without speaking
// the provider protocol themselves.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli"
)

func main() {
	_ = godotenv.Load()

	app := cli.NewApp()
	app.Name = "dbcproxy"
	app.Usage = "local JSON proxy for the Death By Captcha API"
	app.Version = "4.7.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "YAML config file",
			EnvVar: "DBC_PROXY_CONFIG",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	zerolog.TimeFieldFormat = "20060102T150405.999Z07:00"
	zerolog.TimestampFieldName = "t"
	zerolog.MessageFieldName = "msg"
	zerolog.LevelFieldName = "lvl"
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		log.Error().Str("errmsg", err.Error()).Msg("configuration error")
		return cli.NewExitError("", 1)
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	srv := newServer(log, cfg)
	httpSrv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.timeout + 30*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Listen).Str("transport", cfg.Transport).Msg("proxy listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Str("errmsg", err.Error()).Msg("server failed")
			return cli.NewExitError("", 1)
		}
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
		_ = srv.solver.Close()
	}
	return nil
}
