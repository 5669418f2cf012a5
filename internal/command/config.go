package command

import (
	"errors"
	"fmt"
	"os"

	"github.com/gitlab-az1/ray/internal/config"
	"github.com/urfave/cli/v2"
)

// ConfigCommand returns the config subcommand group.
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Configuration management",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write the default configuration file",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "overwrite an existing file",
					},
				},
				Action: configInit,
			},
			{
				Name:   "show",
				Usage:  "Show the effective configuration (defaults, file and RAY_* overrides)",
				Action: configShow,
			},
		},
	}
}

func configInit(c *cli.Context) error {
	path := configPath(c)

	if _, err := os.Stat(path); err == nil && !c.Bool("force") {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if err := config.Save(config.Default(), path); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
	return nil
}

func configShow(c *cli.Context) error {
	cfg, err := config.Load(configPath(c))
	if err != nil {
		return err
	}

	if c.String("output") == FormatJSON {
		_, err := render(c.App.Writer, FormatJSON, cfg)
		return err
	}

	data, err := config.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write(data)
	return err
}
