package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/wolfeidau/sessiond/internal/backchannel"
	"github.com/wolfeidau/sessiond/internal/client"
)

// VerifyLogoutTokenCmd checks a backchannel logout token the way a relying
// party would, against the server's published key set.
type VerifyLogoutTokenCmd struct {
	Token    string `arg:"" help:"Logout token, or - to read it from stdin"`
	Server   string `help:"Server URL publishing /.well-known/jwks.json" default:"https://localhost:8443" env:"SESSIOND_SERVER"`
	Issuer   string `help:"Expected issuer, skipped when empty"`
	Audience string `help:"Expected audience (client id), skipped when empty"`
	CacheDir string `help:"Directory caching the key set between runs"`
}

func (v *VerifyLogoutTokenCmd) Run(ctx context.Context, globals *Globals) error {
	token := v.Token
	if token == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}

	httpClient := client.NewCachingHTTPClient(v.CacheDir)
	keys, err := client.FetchJWKS(ctx, httpClient, strings.TrimRight(v.Server, "/")+"/.well-known/jwks.json")
	if err != nil {
		return err
	}

	claims, err := backchannel.VerifyLogoutToken(token, keys, v.Issuer, v.Audience)
	if err != nil {
		return fmt.Errorf("invalid logout token: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(claims)
}
