package main

import (
	"context"
	"os"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/cmd/cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Sessions          commands.SessionsCmd          `cmd:"" help:"Query and remove sessions"`
		Credentials       commands.CredentialsCmd       `cmd:"" help:"Manage operator credentials"`
		Token             commands.TokenCmd             `cmd:"" help:"Print a signed operator token"`
		VerifyLogoutToken commands.VerifyLogoutTokenCmd `cmd:"" name:"verify-logout-token" help:"Verify a backchannel logout token"`
		Debug             bool                          `help:"Enable debug mode."`
		Version           kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))

	level := zerolog.WarnLevel
	if cli.Debug {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)

	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
