package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/wolfeidau/sessiond/cmd/cli/internal/credentials"
)

// CredentialsCmd manages local operator credentials.
type CredentialsCmd struct {
	Create     CredentialsCreateCmd     `cmd:"" help:"Create a credential"`
	List       CredentialsListCmd       `cmd:"" help:"List all credentials"`
	Show       CredentialsShowCmd       `cmd:"" help:"Show credential details"`
	Delete     CredentialsDeleteCmd     `cmd:"" help:"Delete a credential"`
	SetDefault CredentialsSetDefaultCmd `cmd:"" name:"set-default" help:"Set the default credential"`
}

// CredentialsCreateCmd generates a new operator key pair.
type CredentialsCreateCmd struct {
	Name      string   `arg:"" help:"Credential name"`
	Subject   string   `help:"Operator identity carried in tokens" required:""`
	Roles     []string `help:"Roles granted to the operator (admin, auditor, login)" default:"auditor"`
	OutputDir string   `help:"Custom credentials directory"`
}

func (c *CredentialsCreateCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := credentials.NewStore(c.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}

	cred, err := store.Create(c.Name, c.Subject, c.Roles)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}

	publicKeyPEM, err := store.LoadPublicKeyPEM(cred.Name)
	if err != nil {
		return fmt.Errorf("failed to load public key: %w", err)
	}

	fmt.Printf("Credential %q created (%s).\n", cred.Name, cred.Fingerprint)
	fmt.Println()
	fmt.Println("Configure the server to trust it with --auth-public-key pointing at:")
	fmt.Println(publicKeyPEM)

	return nil
}

// CredentialsListCmd lists all credentials.
type CredentialsListCmd struct {
	OutputDir string `help:"Custom credentials directory"`
}

func (c *CredentialsListCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := credentials.NewStore(c.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}

	creds, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list credentials: %w", err)
	}

	if len(creds) == 0 {
		fmt.Println("No credentials found.")
		fmt.Println()
		fmt.Println("To create a new credential:")
		fmt.Println("  sessiond-cli credentials create <name> --subject <you>")
		return nil
	}

	defaultName := ""
	if def, err := store.GetDefault(); err == nil {
		defaultName = def.Name
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSUBJECT\tROLES\tFINGERPRINT\tDEFAULT")

	for _, cred := range creds {
		isDefault := ""
		if cred.Name == defaultName {
			isDefault = "*"
		}

		fp := cred.Fingerprint
		if len(fp) > 12 {
			fp = fp[:12] + "..."
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", cred.Name, cred.Subject, strings.Join(cred.Roles, ","), fp, isDefault)
	}

	return w.Flush()
}

// CredentialsShowCmd shows details of a credential.
type CredentialsShowCmd struct {
	Name      string `arg:"" help:"Credential name"`
	OutputDir string `help:"Custom credentials directory"`
}

func (c *CredentialsShowCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := credentials.NewStore(c.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}

	cred, err := store.Get(c.Name)
	if err != nil {
		return notFound(c.Name, err)
	}

	publicKeyPEM, err := store.LoadPublicKeyPEM(c.Name)
	if err != nil {
		return fmt.Errorf("failed to load public key: %w", err)
	}

	fmt.Printf("Name:         %s\n", cred.Name)
	fmt.Printf("Subject:      %s\n", cred.Subject)
	fmt.Printf("Roles:        %s\n", strings.Join(cred.Roles, ", "))
	fmt.Printf("Fingerprint:  %s\n", cred.Fingerprint)
	fmt.Printf("Created:      %s\n", cred.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Println()
	fmt.Println("Public Key:")
	fmt.Println(publicKeyPEM)

	return nil
}

// CredentialsDeleteCmd deletes a credential.
type CredentialsDeleteCmd struct {
	Name      string `arg:"" help:"Credential name"`
	OutputDir string `help:"Custom credentials directory"`
}

func (c *CredentialsDeleteCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := credentials.NewStore(c.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}

	if err := store.Delete(c.Name); err != nil {
		return notFound(c.Name, err)
	}

	fmt.Printf("Credential %q deleted.\n", c.Name)
	fmt.Println()
	fmt.Println("Note: tokens already signed stay valid until they expire.")

	return nil
}

// CredentialsSetDefaultCmd sets the default credential.
type CredentialsSetDefaultCmd struct {
	Name      string `arg:"" help:"Credential name"`
	OutputDir string `help:"Custom credentials directory"`
}

func (c *CredentialsSetDefaultCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := credentials.NewStore(c.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}

	if err := store.SetDefault(c.Name); err != nil {
		return notFound(c.Name, err)
	}

	fmt.Printf("Default credential set to %q.\n", c.Name)
	return nil
}

func notFound(name string, err error) error {
	if errors.Is(err, credentials.ErrCredentialNotFound) {
		return fmt.Errorf("credential %q not found\n\nRun 'sessiond-cli credentials list' to see available credentials", name)
	}
	return err
}
