// Command kohakuhub runs the hub server: the HuggingFace-compatible REST
// API, the read-only Git Smart HTTP transport, and the Git LFS server,
// backed by an S3-compatible blob store and a versioned metadata store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	gorillahandlers "github.com/gorilla/handlers"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kohakuhub/kohakuhub"
	"github.com/kohakuhub/kohakuhub/pkg/auth"
	"github.com/kohakuhub/kohakuhub/pkg/blob"
	"github.com/kohakuhub/kohakuhub/pkg/config"
	"github.com/kohakuhub/kohakuhub/pkg/db"
	"github.com/kohakuhub/kohakuhub/pkg/gc"
	"github.com/kohakuhub/kohakuhub/pkg/stats"
	"github.com/kohakuhub/kohakuhub/pkg/versioned"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	v := config.New()

	root := &cobra.Command{
		Use:           "kohakuhub",
		Short:         "Self-hostable hub for ML models, datasets and spaces",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to config file")

	root.AddCommand(serveCommand(v))
	root.AddCommand(createUserCommand(v))
	return root
}

// loadConfig reads the optional config file named by --config and
// finalizes the configuration.
func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return config.Load(v)
}

func serveCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	cmd.Flags().String("base-url", "", "externally visible base URL")
	cmd.Flags().String("data-dir", "", "local state directory")
	cmd.Flags().String("db-url", "", "database URL")
	_ = v.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("base_url", cmd.Flags().Lookup("base-url"))
	_ = v.BindPFlag("data_dir", cmd.Flags().Lookup("data-dir"))
	_ = v.BindPFlag("db_url", cmd.Flags().Lookup("db-url"))
	return cmd
}

func serve(cfg *config.Config) error {
	store, err := db.Open(cfg.DBURL)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	blobs, err := openBlobStore(cfg)
	if err != nil {
		return err
	}
	vs := openVersionedStore(cfg)

	tracker, err := stats.Open(filepath.Join(cfg.DataDir, "downloads.db"), store)
	if err != nil {
		return err
	}
	tracker.Start()
	defer func() { _ = tracker.Close() }()

	worker := gc.NewWorker(gc.NewCollector(store, blobs, cfg.LFSKeepVersions))
	worker.Start()
	defer worker.Stop()

	handler := kohakuhub.NewHandler(cfg, store, vs, blobs, kohakuhub.WithStats(tracker))

	mux := http.NewServeMux()
	mux.Handle("/", gorillahandlers.ProxyHeaders(gorillahandlers.CompressHandler(handler)))

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: loggingHandler(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", cfg.Addr)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// openBlobStore selects the S3 store, or the in-process store when no
// endpoint is configured. The in-process store is for local evaluation
// only; its contents vanish on restart.
func openBlobStore(cfg *config.Config) (blob.Store, error) {
	if cfg.BlobEndpoint == "" {
		log.Printf("blob_endpoint not set; using in-memory blob store")
		return blob.NewMemory(), nil
	}
	return blob.NewS3(
		cfg.BlobEndpoint,
		cfg.BlobAccessKey,
		cfg.BlobSecretKey,
		cfg.BlobBucket,
		cfg.BlobPathStyle,
		cfg.BlobPublicEndpoint,
	), nil
}

func openVersionedStore(cfg *config.Config) versioned.Store {
	if cfg.VersionedStoreEndpoint == "" {
		log.Printf("versioned_store_endpoint not set; using in-memory versioned store")
		return versioned.NewMemory()
	}
	storageNamespace := "s3://" + cfg.BlobBucket
	return versioned.NewLakeFS(
		cfg.VersionedStoreEndpoint,
		cfg.VersionedStoreAccessKey,
		cfg.VersionedStoreSecretKey,
		storageNamespace,
	)
}

// loggingHandler logs one line per request once the response is written.
func loggingHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		addr := r.RemoteAddr
		if colon := strings.LastIndex(addr, ":"); colon != -1 {
			addr = addr[:colon]
		}
		log.Printf("%s %s %s %s %d %dB %v", addr, r.Method, r.RequestURI, r.Proto, m.Code, m.Written, m.Duration)
	})
}

// createUserCommand registers a user and prints a fresh API token. The
// hub has no self-service signup; operators provision accounts here.
func createUserCommand(v *viper.Viper) *cobra.Command {
	var (
		email string
		quota int64
	)
	cmd := &cobra.Command{
		Use:   "create-user NAME",
		Short: "Create a user and print an API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			store, err := db.Open(cfg.DBURL)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			name := db.NormalizeName(args[0])
			exists, err := store.NamespaceExists(name)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("namespace %q is already taken", name)
			}

			user := &db.User{Name: name, Email: email}
			if quota > 0 {
				user.QuotaBytes = &quota
			}
			if err := store.DB().Create(user).Error; err != nil {
				return err
			}

			secret, err := auth.NewTokenSecret()
			if err != nil {
				return err
			}
			token := &db.Token{
				UserID:    user.ID,
				TokenHash: auth.HashToken(secret),
				Name:      "initial",
			}
			if err := store.DB().Create(token).Error; err != nil {
				return err
			}
			fmt.Printf("user %s created\ntoken: %s\n", name, secret)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "contact email")
	cmd.Flags().Int64Var(&quota, "quota-bytes", 0, "storage quota (0 inherits the server default)")
	return cmd
}
