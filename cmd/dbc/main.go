// Command dbc is a command line client for the Death By Captcha
// solving service.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli"

	dbc "github.com/dbcapi/go-deathbycaptcha"
	"github.com/dbcapi/go-deathbycaptcha/solver"
)

// EnvVarPrefix holds the environment variable prefix for all flags.
const EnvVarPrefix = "DBC_"

func main() {
	// Optional .env for local development; real deployments set the
	// variables directly.
	_ = godotenv.Load()

	app := cli.NewApp()
	app.Name = "dbc"
	app.Usage = "Death By Captcha client"
	app.Version = "4.7.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:   "debug, d",
			Usage:  "debug mode activation",
			EnvVar: EnvVarPrefix + "DEBUG",
		},
		cli.StringFlag{
			Name:   "username, u",
			Usage:  "account username",
			EnvVar: EnvVarPrefix + "USERNAME",
		},
		cli.StringFlag{
			Name:   "password, p",
			Usage:  "account password",
			EnvVar: EnvVarPrefix + "PASSWORD",
		},
		cli.StringFlag{
			Name:   "authtoken, t",
			Usage:  "account authtoken, supersedes username/password",
			EnvVar: EnvVarPrefix + "AUTHTOKEN",
		},
		cli.BoolFlag{
			Name:   "http",
			Usage:  "use the HTTP API instead of the socket API",
			EnvVar: EnvVarPrefix + "HTTP",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:    "solve",
			Aliases: []string{"s"},
			Usage:   "solve a captcha image",
			Action:  solve,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "file, f",
					Usage: "captcha image file",
				},
				cli.StringFlag{
					Name:  "url",
					Usage: "captcha image URL",
				},
				cli.DurationFlag{
					Name:  "timeout",
					Value: dbc.DefaultTimeout,
					Usage: "maximum solving time",
				},
			},
		},
		{
			Name:    "balance",
			Aliases: []string{"b"},
			Usage:   "print the account balance in US cents",
			Action:  balance,
		},
		{
			Name:   "user",
			Usage:  "print the account snapshot",
			Action: user,
		},
		{
			Name:      "captcha",
			Usage:     "look up an uploaded captcha by id",
			ArgsUsage: "<id>",
			Action:    lookup,
		},
		{
			Name:      "report",
			Usage:     "report an incorrectly solved captcha for a refund",
			ArgsUsage: "<id>",
			Action:    report,
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func logger(c *cli.Context) zerolog.Logger {
	zerolog.TimeFieldFormat = "20060102T150405.999Z07:00"
	zerolog.TimestampFieldName = "t"
	zerolog.MessageFieldName = "msg"
	zerolog.LevelFieldName = "lvl"

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if c.GlobalBool("debug") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func newClient(c *cli.Context) dbc.Client {
	cfg := dbc.Config{
		Username:  c.GlobalString("username"),
		Password:  c.GlobalString("password"),
		Authtoken: c.GlobalString("authtoken"),
	}
	if c.GlobalBool("http") {
		return dbc.NewHTTPClient(cfg)
	}
	return dbc.NewSocketClient(cfg)
}

func solve(c *cli.Context) error {
	log := logger(c)
	file, url := c.String("file"), c.String("url")
	if (file == "") == (url == "") {
		log.Error().Msg("exactly one of --file or --url is required")
		return cli.NewExitError("", 1)
	}

	client := newClient(c)
	defer client.Close()
	s := solver.New(client, solver.Config{Timeout: c.Duration("timeout")})

	ctx := context.Background()
	var res *solver.Result
	started := time.Now()
	if file != "" {
		res = s.SolveFile(ctx, file)
	} else {
		res = s.SolveURL(ctx, url)
	}

	if !res.Success {
		log.Error().Str("errmsg", res.Error).Str("dur", time.Since(started).String()).Msg("captcha not solved")
		return cli.NewExitError("", 1)
	}
	log.Info().
		Int64("captcha", res.CaptchaID).
		Int("cost_cents", res.CostCents).
		Str("dur", time.Since(started).String()).
		Msg("captcha solved")
	fmt.Println(res.Text)
	return nil
}

func balance(c *cli.Context) error {
	log := logger(c)
	client := newClient(c)
	defer client.Close()

	cents, err := client.GetBalance(context.Background())
	if err != nil {
		log.Error().Str("errmsg", err.Error()).Msg("balance query failed")
		return cli.NewExitError("", 1)
	}
	fmt.Println(cents)
	return nil
}

func user(c *cli.Context) error {
	log := logger(c)
	client := newClient(c)
	defer client.Close()

	u, err := client.GetUser(context.Background())
	if err != nil {
		log.Error().Str("errmsg", err.Error()).Msg("user query failed")
		return cli.NewExitError("", 1)
	}
	fmt.Printf("user=%d balance_cents=%d banned=%v rate=%g\n", u.ID, u.Balance, u.IsBanned, u.Rate)
	return nil
}

func lookup(c *cli.Context) error {
	log := logger(c)
	id, err := parseID(c)
	if err != nil {
		log.Error().Str("errmsg", err.Error()).Msg("invalid captcha id")
		return cli.NewExitError("", 1)
	}

	client := newClient(c)
	defer client.Close()

	captcha, err := client.GetCaptcha(context.Background(), id)
	if err != nil {
		log.Error().Str("errmsg", err.Error()).Int64("captcha", id).Msg("lookup failed")
		return cli.NewExitError("", 1)
	}
	fmt.Printf("captcha=%d text=%q correctness=%d\n", captcha.ID, captcha.Text, captcha.Correctness)
	return nil
}

func report(c *cli.Context) error {
	log := logger(c)
	id, err := parseID(c)
	if err != nil {
		log.Error().Str("errmsg", err.Error()).Msg("invalid captcha id")
		return cli.NewExitError("", 1)
	}

	client := newClient(c)
	defer client.Close()

	ok, err := client.Report(context.Background(), id)
	if err != nil {
		log.Error().Str("errmsg", err.Error()).Int64("captcha", id).Msg("report failed")
		return cli.NewExitError("", 1)
	}
	if !ok {
		log.Warn().Int64("captcha", id).Msg("report rejected by the provider")
		return cli.NewExitError("", 1)
	}
	log.Info().Int64("captcha", id).Msg("captcha reported")
	return nil
}

func parseID(c *cli.Context) (int64, error) {
	if c.NArg() != 1 {
		return 0, fmt.Errorf("expected exactly one captcha id argument")
	}
	var id int64
	if _, err := fmt.Sscanf(c.Args().First(), "%d", &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid captcha id %q", c.Args().First())
	}
	return id, nil
}
