package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/sessiond/cmd/cli/internal/credentials"
)

// TokenCmd prints a signed operator token, for use with curl and friends.
type TokenCmd struct {
	Credential     string        `help:"Credential name, the default credential when empty"`
	CredentialsDir string        `help:"Custom credentials directory"`
	Issuer         string        `help:"Token issuer" default:"sessiond-cli"`
	TTL            time.Duration `help:"Token lifetime" default:"15m"`
}

func (t *TokenCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := credentials.NewStore(t.CredentialsDir)
	if err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}

	token, err := credentials.NewJWTSigner(store, t.Issuer).SignToken(t.Credential, t.TTL)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}
