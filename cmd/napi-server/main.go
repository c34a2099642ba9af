/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command napi-server runs the network API's HTTP server, or (via the
// migrate subcommand) upgrades a store's bucket schemas without serving
// traffic.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ubiquiti-community/napi-go/internal/config"
	"github.com/ubiquiti-community/napi-go/internal/httpapi"
	"github.com/ubiquiti-community/napi-go/internal/kv"
	"github.com/ubiquiti-community/napi-go/internal/logging"
	"github.com/ubiquiti-community/napi-go/internal/migrate"
	"github.com/ubiquiti-community/napi-go/internal/models"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "napi-server",
		Short: "Network API server: nic tags, networks, pools, nics, and IP allocation.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file.")

	root.AddCommand(newServeCommand(), newMigrateCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	flags := &config.Flags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = configPath
			return runServe(cmd.Context(), flags)
		},
	}
	cmd.Flags().IntVar(&flags.Port, "port", 0, "Override the configured HTTP port (0 = use config value).")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "Override the configured log level.")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	var targetVersion int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Upgrade bucket schemas without serving traffic.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), configPath, targetVersion)
		},
	}
	cmd.Flags().IntVar(&targetVersion, "target-version", 2, "Target schema version for napi_networks.")
	return cmd
}

func runServe(ctx context.Context, flags *config.Flags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = flags.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	if err := bootstrapBuckets(ctx, store); err != nil {
		return err
	}
	if err := seedInitialNetworks(ctx, store, cfg); err != nil {
		return err
	}

	server := httpapi.NewServer(store, cfg, log)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "port", cfg.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func runMigrate(ctx context.Context, configPath string, targetVersion int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	runner := migrate.NewRunner(store, log)
	runner.Register(migrate.NetworksV2Backfill(models.NetworkBucket().Name))
	return runner.RunAll(ctx, models.NetworkBucket().Name, 1, targetVersion)
}

// openStore resolves the configured storage backend, per §6's storage.backend.
func openStore(cfg config.Config) (kv.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return kv.NewMemory(), nil
	case "etcd":
		return kv.NewEtcd(fmt.Sprintf("%s:%d", cfg.Storage.Host, cfg.Storage.Port))
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Storage.Backend)
	}
}

type indexed interface{ IndexFields() map[string]string }

func deserializeIndex[T indexed](deserialize func([]byte) (T, error)) func([]byte) map[string]string {
	return func(raw []byte) map[string]string {
		v, err := deserialize(raw)
		if err != nil {
			return nil
		}
		return v.IndexFields()
	}
}

// bootstrapBuckets creates every top-level bucket and, for the in-memory
// backend, registers its indexer; CreateBucket is idempotent on both
// backends (SPEC_FULL §2.3).
func bootstrapBuckets(ctx context.Context, store kv.Store) error {
	buckets := []struct {
		bucket  models.Bucket
		indexer func(raw []byte) map[string]string
	}{
		{models.NicTagBucket(), deserializeIndex(models.DeserializeNicTag)},
		{models.NetworkBucket(), deserializeIndex(models.DeserializeNetwork)},
		{models.NetworkPoolBucket(), deserializeIndex(models.DeserializeNetworkPool)},
		{models.NicBucket(), deserializeIndex(models.DeserializeNic)},
		{models.AggregationBucket(), deserializeIndex(models.DeserializeAggregation)},
	}

	for _, b := range buckets {
		if err := store.CreateBucket(ctx, b.bucket.Name, b.bucket.Schema); err != nil {
			return err
		}
		kv.RegisterIndexerIfMemory(store, b.bucket.Name, b.indexer)
	}
	return nil
}

// seedInitialNetworks creates the networks named in cfg.InitialNetworks on a
// fresh store, per §6's optional startup seeding; existing networks with the
// same name are left untouched.
func seedInitialNetworks(ctx context.Context, store kv.Store, cfg config.Config) error {
	for _, in := range cfg.InitialNetworks {
		existing, err := store.Find(ctx, models.NetworkBucket().Name, kv.Eq("name", in.Name), kv.FindOptions{Limit: 1})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}

		n := &models.Network{
			Name:             in.Name,
			NicTag:           in.NicTag,
			Subnet:           in.Subnet,
			ProvisionStartIP: in.ProvisionStartIP,
			ProvisionEndIP:   in.ProvisionEndIP,
			Gateway:          in.Gateway,
			Resolvers:        in.Resolvers,
		}
		if err := n.Validate(models.OpCreate, cfg.MTUDefault); err != nil {
			return fmt.Errorf("seeding initial network %q: %w", in.Name, err)
		}
		if err := store.CreateBucket(ctx, models.IPBucketName(n.UUID), models.IPBucket(n.UUID).Schema); err != nil {
			return err
		}
		kv.RegisterIndexerIfMemory(store, models.IPBucketName(n.UUID), deserializeIndex(models.DeserializeIPRecord))
		if _, err := store.Put(ctx, models.NetworkBucket().Name, n.UUID, n.Serialize(), kv.PutOptions{IfAbsent: true}); err != nil {
			return err
		}
	}
	return nil
}
