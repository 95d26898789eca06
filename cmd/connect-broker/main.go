package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/open-console/connect-broker/internal/appsession"
	"github.com/open-console/connect-broker/internal/config"
	"github.com/open-console/connect-broker/internal/cookie"
	"github.com/open-console/connect-broker/internal/crypto"
	"github.com/open-console/connect-broker/internal/flow"
	httpjson "github.com/open-console/connect-broker/internal/json"
	"github.com/open-console/connect-broker/internal/log"
	"github.com/open-console/connect-broker/internal/report"
	"github.com/open-console/connect-broker/internal/stateguard"
	"github.com/open-console/connect-broker/internal/storage"
)

var BuildVersion = "dev"

const cleanupInterval = 1 * time.Hour

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"connect":       config.DefaultConnect,
		"website":       config.DefaultWebsite,
		"addr":          config.DefaultAddr,
		"secret":        map[string]string{"$env": "OPEN_CONSOLE_SECRET"},
		"service":       map[string]string{"$env": "OPEN_CONSOLE_SERVICE"},
		"encryptionKey": map[string]string{"$env": "ENCRYPTION_KEY"},
		"cookie":        "sealed",
		"storage": map[string]any{
			"kind": "memory",
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func newStore(ctx context.Context, cfg config.Config, encryptor crypto.Encryptor) (storage.Store, error) {
	switch cfg.Storage.Kind {
	case config.StorageKindFirestore:
		return storage.NewFirestoreStore(ctx, cfg.Storage.ProjectID, cfg.Storage.Database, cfg.Storage.Collection, encryptor)
	default:
		return storage.NewMemoryStore(), nil
	}
}

// newHandler builds the broker's HTTP surface
func newHandler(codec cookie.Codec, controller *flow.Controller, reporter *report.Reporter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		httpjson.WriteNotFound(w, "no such route")
	})

	mux.HandleFunc("/login/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			httpjson.WriteMethodNotAllowed(w, "use GET or POST")
			return
		}
		sess := cookie.LoadSession(r, codec)
		if err := controller.Initiate(w, r, sess); err != nil {
			var reported *report.Reported
			if !errors.As(err, &reported) {
				log.LogErrorWithFields("main", "Initiate failed", map[string]any{
					"error": err.Error(),
				})
			}
		}
	})

	mux.HandleFunc("/oauth/callback", func(w http.ResponseWriter, r *http.Request) {
		sess := cookie.LoadSession(r, codec)
		cb, err := controller.AcceptCallback(w, r, sess)
		if err != nil {
			// The user is already being redirected to the provider's
			// error page
			return
		}

		grant, ok := controller.FetchGrant(r.Context(), cb.Session, cb.Code)
		if !ok {
			// Report writes the redirect; the returned error only
			// carries what was reported, which the log already has
			_ = reporter.Report(w, r, "grant could not be obtained", cb.Session.Bearer)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(grant)
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpjson.Write(w, map[string]string{
			"status":  "ok",
			"version": BuildVersion,
		})
	})

	return mux
}

func run(ctx context.Context, cfg config.Config) error {
	key, err := cfg.DecodeEncryptionKey()
	if err != nil {
		return err
	}
	encryptor, err := crypto.NewEncryptor(key)
	if err != nil {
		return err
	}

	store, err := newStore(ctx, cfg, encryptor)
	if err != nil {
		return fmt.Errorf("creating storage backend: %w", err)
	}

	managerOpts := []appsession.Option{
		appsession.WithProviderBase(cfg.Connect),
	}
	if cfg.Timeout > 0 {
		managerOpts = append(managerOpts, appsession.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}

	sessions, err := appsession.New(store, appsession.Credentials{
		Service:  string(cfg.Service),
		Secret:   string(cfg.Secret),
		Instance: cfg.Instance,
	}, managerOpts...)
	if err != nil {
		return err
	}

	guard := stateguard.New()
	reporter := report.New(cfg.Website)

	flowOpts := []flow.Option{flow.WithGrantStore(store)}
	if cfg.Scope != "" {
		flowOpts = append(flowOpts, flow.WithScope(cfg.Scope))
	}
	controller := flow.New(sessions, guard, reporter, flowOpts...)

	// Log in eagerly so a bad credential fails at startup, not on the
	// first user click
	if _, err := sessions.Login(ctx, sessions.Credentials()); err != nil {
		return fmt.Errorf("initial provider login: %w", err)
	}

	if purger, ok := store.(storage.Purger); ok {
		cleanup := storage.NewCleanupManager(purger, cleanupInterval)
		cleanup.Start(ctx)
		defer cleanup.Stop()
	}

	var codec cookie.Codec
	switch cfg.Cookie {
	case config.CarrierSigned:
		codec = cookie.NewSignedCodec(key)
	default:
		codec = cookie.NewSealedCodec(encryptor)
	}

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: newHandler(codec, controller, reporter),
	}

	errCh := make(chan error, 1)
	go func() {
		log.LogInfoWithFields("main", "Listening", map[string]any{
			"addr":    cfg.Addr,
			"connect": cfg.Connect,
		})
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func main() {
	conf := flag.String("config", "", "path to config file (required)")
	version := flag.Bool("version", false, "print version and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	flag.Parse()

	if *version {
		fmt.Println(BuildVersion)
		return
	}

	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	if *conf == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		os.Exit(1)
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	if *validate {
		fmt.Println("Config OK")
		return
	}

	log.LogInfoWithFields("main", "Starting connect-broker", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.LogError("Broker failed: %v", err)
		os.Exit(1)
	}
}
