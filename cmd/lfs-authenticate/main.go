// Command lfs-authenticate is the trusted CLI entrypoint invoked by an SSH
// forced-command transport. It mints or refreshes a bearer token for the
// environment-supplied user, checks the requested action against the
// access oracle, and prints the resulting credentials as JSON.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/bravo68web/lfsgate/internal/authenticate"
	"github.com/bravo68web/lfsgate/internal/config"
	apperrors "github.com/bravo68web/lfsgate/pkg/errors"
	"github.com/bravo68web/lfsgate/internal/oracle"
	"github.com/bravo68web/lfsgate/internal/tokenstore"
	"github.com/bravo68web/lfsgate/pkg/logger"
)

func main() {
	cmd := &cli.Command{
		Name:      "lfs-authenticate",
		Usage:     "mint or refresh an LFS bearer token for the calling user",
		ArgsUsage: "<repo> <action>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to config file",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) != 2 {
		return fmt.Errorf("usage: lfs-authenticate <repo> <action>")
	}

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Logging.Level,
		Output: logger.OutputConsole,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	user := os.Getenv("LFSGATE_USER")
	if user == "" {
		return fmt.Errorf("LFSGATE_USER not set by transport")
	}
	oracleBinary := os.Getenv("LFSGATE_ORACLE_BINARY")
	if oracleBinary == "" {
		oracleBinary = cfg.Oracle.BinaryPath
	}

	action, err := authenticate.ParseAction(args[1])
	if err != nil {
		return err
	}

	tokens, err := tokenstore.New(cfg.Token.Dir, cfg.Token.TTL, cfg.Token.PasswordLength)
	if err != nil {
		return fmt.Errorf("init token store: %w", err)
	}
	accessOracle := oracle.NewGitoliteBridge(oracleBinary, cfg.Oracle.Timeout, log)

	auth := authenticate.New(tokens, accessOracle, cfg.Repos, log)
	cred, err := auth.Run(authenticate.Request{
		Repo:   args[0],
		Action: action,
		User:   user,
	})
	if err != nil {
		return describeFailure(err)
	}

	out, err := authenticate.MarshalCredential(cred)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}

// describeFailure renders err with enough diagnostic detail for an operator
// reading stderr. Unlike an HTTP error body, which carries only an
// AppError's Message, this includes the wrapped cause; CLI output is only
// ever seen by the invoking, already-trusted transport.
func describeFailure(err error) error {
	if appErr, ok := err.(*apperrors.AppError); ok {
		return fmt.Errorf("%s", appErr.Error())
	}
	return err
}
