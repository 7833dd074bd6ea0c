package commands

import (
	"fmt"
	"time"

	"github.com/wolfeidau/sessiond/cmd/cli/internal/credentials"
	"github.com/wolfeidau/sessiond/internal/client"
)

type Globals struct {
	Debug   bool
	Version string
}

// ServerFlags select the server and the credential used to call it.
type ServerFlags struct {
	Server         string        `help:"Server URL" default:"https://localhost:8443" env:"SESSIOND_SERVER"`
	Credential     string        `help:"Credential name, the default credential when empty" env:"SESSIOND_CREDENTIAL"`
	CredentialsDir string        `help:"Custom credentials directory"`
	Issuer         string        `help:"Issuer of operator tokens" default:"sessiond-cli"`
	NoAuth         bool          `help:"Send requests without a bearer token" default:"false"`
	Timeout        time.Duration `help:"Request timeout" default:"30s"`
}

func (f *ServerFlags) newClient(globals *Globals) (*client.Client, error) {
	cfg := client.DefaultConfig()
	cfg.ServerURL = f.Server
	cfg.Timeout = f.Timeout
	cfg.Debug = globals.Debug

	if !f.NoAuth {
		store, err := credentials.NewStore(f.CredentialsDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize credential store: %w", err)
		}

		token, err := credentials.NewJWTSigner(store, f.Issuer).SignToken(f.Credential, credentials.TokenExpiry)
		if err != nil {
			return nil, fmt.Errorf("failed to sign token: %w", err)
		}
		cfg.Token = token
	}

	return client.New(cfg), nil
}
