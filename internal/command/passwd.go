package command

import (
	"errors"
	"fmt"

	"github.com/gitlab-az1/ray/internal/auth"
	"github.com/gitlab-az1/ray/internal/config"
	"github.com/urfave/cli/v2"
)

// PasswdCommand prints a hash suitable for auth.hashed_password.
func PasswdCommand() *cli.Command {
	return &cli.Command{
		Name:      "passwd",
		Usage:     "Hash a password for auth.hashed_password",
		ArgsUsage: "PASSWORD",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "algorithm",
				Aliases: []string{"a"},
				Usage:   "hashing algorithm: argon2 or pbkdf2",
				Value:   config.HashArgon2,
			},
		},
		Action: passwd,
	}
}

func passwd(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("passwd expects exactly one PASSWORD argument")
	}

	pepper, err := environment(c).HMACKey()
	if err != nil {
		return err
	}

	hashed, err := auth.Hash(c.String("algorithm"), c.Args().First(), pepper)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, hashed)
	return nil
}
