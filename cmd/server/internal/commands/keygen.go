package commands

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/internal/backchannel"
)

// KeygenCmd writes a new P-256 key pair. The private key signs logout tokens
// or operator tokens, the public key is what --auth-public-key expects.
type KeygenCmd struct {
	Out    string `help:"path to write the private key" default:"signing-key.pem"`
	PubOut string `help:"path to write the public key" default:"signing-key.pub.pem"`
	Force  bool   `help:"overwrite existing files" default:"false"`
}

func (k *KeygenCmd) Run(ctx context.Context, globals *Globals) error {
	keys, err := backchannel.NewKeyManager()
	if err != nil {
		return err
	}

	privPEM, err := keys.PrivateKeyPEM()
	if err != nil {
		return err
	}

	pubDER, err := x509.MarshalPKIXPublicKey(keys.PublicKey())
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if k.Force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}

	if err := writeFile(k.Out, privPEM, flags, 0o600); err != nil {
		return err
	}
	if err := writeFile(k.PubOut, pubPEM, flags, 0o644); err != nil {
		return err
	}

	log.Info().Str("kid", keys.Kid()).Str("private", k.Out).Str("public", k.PubOut).Msg("Generated signing key")
	return nil
}

func writeFile(path string, data []byte, flags int, perm os.FileMode) error {
	f, err := os.OpenFile(path, flags, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
