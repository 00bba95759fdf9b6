package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"melutils/internal/app"
)

var version = "dev"

var configFlag = cli.StringFlag{
	Name:   "config, c",
	Usage:  "path to the config file (json or yaml)",
	Value:  "./config.json",
	EnvVar: "MELUTILS_CONFIG",
}

func main() {
	cliApp := cli.App{
		Name:      "melutils",
		HelpName:  "melutils",
		Usage:     "Discord moderation bot",
		Version:   version,
		UsageText: "melutils [--config PATH] <command>",
		Flags:     []cli.Flag{configFlag},
		Action:    run,
		Commands: []cli.Command{
			{
				Name:   "run",
				Usage:  "connect to Discord and serve until interrupted (default)",
				Flags:  []cli.Flag{configFlag},
				Action: run,
			},
			{
				Name:    "events",
				Aliases: []string{"e"},
				Usage:   "list pending scheduled events from the database",
				Flags:   []cli.Flag{configFlag},
				Action:  events,
			},
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// configPath prefers a flag given after the command name.
func configPath(c *cli.Context) string {
	if c.IsSet("config") {
		return c.String("config")
	}
	if c.GlobalIsSet("config") {
		return c.GlobalString("config")
	}
	return c.String("config")
}

func run(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(configPath(c))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if ctx.Err() == nil {
			reason = app.StopFatalError
		}
	}
	if err := a.Stop(context.Background(), reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	return a.Err()
}

func events(c *cli.Context) error {
	return app.PrintEvents(context.Background(), configPath(c), os.Stdout)
}
