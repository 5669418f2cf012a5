// Package command provides the CLI command definitions for ray.
package command

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/gitlab-az1/ray/internal/env"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// Build information, set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const envKey = "env"

// Output formats accepted by --output.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "ray",
		Usage:   "single-node data structure server",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			ServeCommand(),
			ConfigCommand(),
			InspectCommand(),
			PasswdCommand(),
		},
		Before: func(c *cli.Context) error {
			var opts []env.Option
			if root := c.String("root"); root != "" {
				opts = append(opts, env.WithRoot(root))
			}
			e, err := env.New(opts...)
			if err != nil {
				return err
			}
			if c.App.Metadata == nil {
				c.App.Metadata = make(map[string]interface{})
			}
			c.App.Metadata[envKey] = e
			return nil
		},
	}
}

// globalFlags returns the global CLI flags.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "root",
			Usage:   "app root holding etc/ and var/",
			EnvVars: []string{env.RootVar},
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "configuration file (default: <root>/etc/ray.conf)",
			EnvVars: []string{"RAY_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "output format: table, json, yaml",
			Value:   FormatTable,
		},
	}
}

// environment returns the environment resolved in Before.
func environment(c *cli.Context) *env.Environment {
	e, _ := c.App.Metadata[envKey].(*env.Environment)
	return e
}

// configPath returns --config or the default file under the app root.
func configPath(c *cli.Context) string {
	if p := c.String("config"); p != "" {
		return p
	}
	return environment(c).ConfigFile()
}

// render writes v in the requested machine-readable format. It reports
// false for the table format so callers can print their own layout.
func render(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	case FormatTable, "":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q", format)
	}
}
