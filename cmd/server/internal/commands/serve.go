package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/sessiond/internal/auth"
	"github.com/wolfeidau/sessiond/internal/backchannel"
	"github.com/wolfeidau/sessiond/internal/bootstrap"
	"github.com/wolfeidau/sessiond/internal/logger"
	"github.com/wolfeidau/sessiond/internal/server"
	"github.com/wolfeidau/sessiond/internal/sessionmgmt"
	"github.com/wolfeidau/sessiond/internal/store"
	awsstore "github.com/wolfeidau/sessiond/internal/store/aws"
	memorystore "github.com/wolfeidau/sessiond/internal/store/memory"
	postgresstore "github.com/wolfeidau/sessiond/internal/store/postgres"
	"github.com/wolfeidau/sessiond/internal/telemetry"
	"github.com/wolfeidau/sessiond/internal/ticket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

type ServeCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8443" env:"SESSIOND_LISTEN"`
	Cert   string `help:"path to TLS cert file" default:"" env:"SESSIOND_TLS_CERT"`
	Key    string `help:"path to TLS key file" default:"" env:"SESSIOND_TLS_KEY"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"https://localhost" env:"SESSIOND_CORS_ORIGINS"`
	TrustProxy  bool     `help:"trust X-Forwarded-For and X-Real-IP headers" default:"false" env:"SESSIOND_TRUST_PROXY"`

	// Logout token configuration
	Issuer        string        `help:"issuer of backchannel logout tokens" default:"https://localhost" env:"SESSIOND_ISSUER"`
	SigningKey    string        `help:"path to PEM encoded ECDSA P-256 logout token signing key, generated at startup when empty" default:"" env:"SESSIOND_SIGNING_KEY"`
	TokenLifetime time.Duration `help:"lifetime of backchannel logout tokens" default:"2m" env:"SESSIOND_TOKEN_LIFETIME"`

	// API authentication
	NoAuth        bool   `help:"disable authentication for API endpoints (development only)" default:"false" env:"SESSIOND_NO_AUTH"`
	AuthPublicKey string `help:"path to PEM encoded ECDSA public key verifying operator tokens" default:"" env:"SESSIOND_AUTH_PUBLIC_KEY"`
	AuthIssuer    string `help:"expected issuer of operator tokens" default:"sessiond-cli" env:"SESSIOND_AUTH_ISSUER"`

	// Telemetry
	Tracing     bool    `help:"enable tracing" default:"false" env:"SESSIOND_TRACING"`
	SampleRatio float64 `help:"trace sample ratio" default:"1.0" env:"SESSIOND_TRACE_SAMPLE_RATIO"`

	// Development mode
	Development bool `help:"bootstrap a local DynamoDB table for the session store" default:"false" env:"SESSIOND_DEVELOPMENT"`

	// Store configuration
	SessionStore  string             `help:"session store type" default:"memory" env:"SESSIOND_SESSION_STORE" enum:"memory,postgres,dynamodb"`
	GrantStore    string             `help:"grant and consent store type" default:"memory" env:"SESSIOND_GRANT_STORE" enum:"memory,postgres"`
	ClientsFile   string             `help:"path to a YAML file of client registrations" default:"" env:"SESSIOND_CLIENTS_FILE"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
	AWSStore      AWSStoreFlags      `embed:"" prefix:"aws-"`

	Notifier NotifierFlags `embed:"" prefix:"notifier-"`
	Cleanup  CleanupFlags  `embed:"" prefix:"cleanup-"`
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"5"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"SESSIOND_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

type AWSStoreFlags struct {
	Region              string `help:"AWS region" default:"" env:"AWS_REGION"`
	SessionsTable       string `help:"DynamoDB table name for sessions" env:"SESSIOND_AWS_SESSIONS_TABLE"`
	DynamoDBEndpointURL string `help:"DynamoDB endpoint URL override (for DynamoDB Local)" default:"" env:"SESSIOND_AWS_DYNAMODB_ENDPOINT_URL"`
}

func (s *AWSStoreFlags) Validate() error {
	if s.SessionsTable == "" {
		return errors.New("DynamoDB sessions table name is required (--aws-sessions-table or SESSIOND_AWS_SESSIONS_TABLE)")
	}
	return nil
}

// NotifierFlags configures backchannel logout delivery
type NotifierFlags struct {
	Timeout     time.Duration `help:"per client delivery timeout" default:"5s" env:"SESSIOND_NOTIFIER_TIMEOUT"`
	Concurrency int           `help:"maximum concurrent deliveries per removal" default:"8" env:"SESSIOND_NOTIFIER_CONCURRENCY"`
	MaxTries    uint          `help:"delivery attempts per client" default:"3" env:"SESSIOND_NOTIFIER_MAX_TRIES"`
}

// CleanupFlags configures the expired session sweep
type CleanupFlags struct {
	Interval  time.Duration `help:"interval between expired session sweeps, 0 disables" default:"1m" env:"SESSIOND_CLEANUP_INTERVAL"`
	BatchSize int           `help:"records removed per batch" default:"100" env:"SESSIOND_CLEANUP_BATCH_SIZE"`
	Notify    bool          `help:"send backchannel logout for expired sessions" default:"false" env:"SESSIOND_CLEANUP_NOTIFY"`
}

type stores struct {
	sessions store.SessionStore
	grants   store.GrantStore
	consents store.ConsentStore
	clients  store.ClientStore
	close    func()
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)
	zerolog.DefaultContextLogger = &log

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, "sessiond", globals.Version, c.SampleRatio)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	st, err := c.createStores(ctx, log)
	if err != nil {
		return err
	}
	defer st.close()

	keys, err := c.loadKeys(log)
	if err != nil {
		return err
	}

	codec, err := ticket.NewCodec()
	if err != nil {
		return fmt.Errorf("failed to create ticket codec: %w", err)
	}
	tickets := ticket.NewAdapter(st.sessions, codec)

	notifier := backchannel.NewHTTPNotifier(backchannel.HTTPNotifierConfig{
		Client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Signer:   backchannel.NewJWTSigner(keys, c.Issuer, c.TokenLifetime),
		MaxTries: c.Notifier.MaxTries,
	})
	dispatcher := backchannel.NewDispatcher(notifier, backchannel.DispatcherConfig{
		Timeout:     c.Notifier.Timeout,
		Concurrency: c.Notifier.Concurrency,
	})

	svc := sessionmgmt.NewService(sessionmgmt.Config{
		Sessions: st.sessions,
		Grants:   st.grants,
		Consents: st.consents,
		Clients:  st.clients,
		Sender:   dispatcher,
		Tickets:  tickets,
	})

	var verifier *auth.Verifier
	if !c.NoAuth {
		verifier, err = c.loadVerifier()
		if err != nil {
			return err
		}
	}

	handler, err := server.NewServer(server.Config{
		Tickets:     tickets,
		Sessions:    svc,
		Keys:        keys,
		Verifier:    verifier,
		CORSOrigins: c.CORSOrigins,
		TrustProxy:  c.TrustProxy,
	}).Handler(log)
	if err != nil {
		return err
	}

	if (c.Cert == "") != (c.Key == "") {
		return errors.New("TLS requires both --cert and --key")
	}
	if c.Cert != "" {
		if _, err := os.Stat(c.Cert); err != nil {
			return fmt.Errorf("TLS certificate not found at %s: %w", c.Cert, err)
		}
		if _, err := os.Stat(c.Key); err != nil {
			return fmt.Errorf("TLS key not found at %s: %w", c.Key, err)
		}
	}

	httpServer := configureHTTPServer(c.Listen, handler)

	g, ctx := errgroup.WithContext(ctx)

	if c.Cleanup.Interval > 0 {
		cleaner := sessionmgmt.NewExpiredSessionCleaner(st.sessions, svc, sessionmgmt.CleanerConfig{
			Interval:  c.Cleanup.Interval,
			BatchSize: c.Cleanup.BatchSize,
			Notify:    c.Cleanup.Notify,
		})
		cleaner.Start(ctx)
		defer cleaner.Stop()
	}

	g.Go(func() error {
		log.Info().Str("addr", c.Listen).Bool("auth", !c.NoAuth).Bool("tls", c.Cert != "").Msg("Starting HTTP server")

		var err error
		if c.Cert != "" {
			err = httpServer.ListenAndServeTLS(c.Cert, c.Key)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (c *ServeCmd) createStores(ctx context.Context, log zerolog.Logger) (*stores, error) {
	st := &stores{close: func() {}}

	clients := memorystore.NewClientStore()
	if c.ClientsFile != "" {
		var err error
		clients, err = memorystore.LoadClientStore(c.ClientsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load clients: %w", err)
		}
	}
	st.clients = clients

	if c.SessionStore == "postgres" || c.GrantStore == "postgres" {
		if err := c.PostgresStore.Validate(); err != nil {
			return nil, err
		}

		// Create shared connection pool for all PostgreSQL stores
		pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
			ConnString:      c.PostgresStore.ConnString,
			MaxConns:        c.PostgresStore.MaxConns,
			MinConns:        c.PostgresStore.MinConns,
			MaxConnLifetime: c.PostgresStore.MaxConnLifetime,
			MaxConnIdleTime: c.PostgresStore.MaxConnIdleTime,
			AutoMigrate:     c.PostgresStore.AutoMigrate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		st.close = pool.Close

		if c.SessionStore == "postgres" {
			st.sessions = postgresstore.NewSessionStore(pool)
		}
		if c.GrantStore == "postgres" {
			st.grants = postgresstore.NewGrantStore(pool)
			st.consents = postgresstore.NewConsentStore(pool)
		}
		log.Info().Str("sessions", c.SessionStore).Str("grants", c.GrantStore).Msg("Using PostgreSQL stores with shared connection pool")
	}

	if c.SessionStore == "dynamodb" {
		sessions, err := c.createDynamoDBSessionStore(ctx, log)
		if err != nil {
			st.close()
			return nil, err
		}
		st.sessions = sessions
	}

	if st.sessions == nil {
		st.sessions = memorystore.NewSessionStore()
		log.Info().Msg("Using in-memory session store")
	}
	if st.grants == nil {
		st.grants = memorystore.NewGrantStore()
		st.consents = memorystore.NewConsentStore()
		log.Info().Msg("Using in-memory grant and consent stores")
	}

	return st, nil
}

func (c *ServeCmd) createDynamoDBSessionStore(ctx context.Context, log zerolog.Logger) (store.SessionStore, error) {
	clientCfg := awsstore.ClientConfig{
		Region:   c.AWSStore.Region,
		Endpoint: c.AWSStore.DynamoDBEndpointURL,
	}

	if c.Development {
		log.Info().Msg("Development mode: bootstrapping local DynamoDB table")

		clientCfg = awsstore.ClientConfig{
			Region:            "us-east-1",
			Endpoint:          "http://localhost:4101",
			StaticCredentials: true,
		}
		if c.AWSStore.SessionsTable == "" {
			c.AWSStore.SessionsTable = "sessiond-dev-sessions"
		}
	}

	if err := c.AWSStore.Validate(); err != nil {
		return nil, err
	}

	client, err := awsstore.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, err
	}

	if c.Development {
		err := bootstrap.CreateSessionsTable(ctx, client, bootstrap.SessionsTableConfig{
			TableName:    c.AWSStore.SessionsTable,
			SubjectIndex: awsstore.DefaultSubjectIndex,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to bootstrap development infrastructure: %w", err)
		}
	}

	log.Info().Str("table", c.AWSStore.SessionsTable).Msg("Using DynamoDB session store")
	return awsstore.NewSessionStore(client, c.AWSStore.SessionsTable), nil
}

func (c *ServeCmd) loadKeys(log zerolog.Logger) (*backchannel.KeyManager, error) {
	if c.SigningKey == "" {
		log.Warn().Msg("No signing key configured, logout tokens are signed with an ephemeral key")
		return backchannel.NewKeyManager()
	}

	return backchannel.LoadKeyManager(c.SigningKey)
}

func (c *ServeCmd) loadVerifier() (*auth.Verifier, error) {
	if c.AuthPublicKey == "" {
		return nil, errors.New("operator token public key is required (--auth-public-key), or pass --no-auth")
	}

	data, err := os.ReadFile(c.AuthPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read auth public key: %w", err)
	}

	return auth.NewVerifierFromPEM(string(data), c.AuthIssuer)
}
