// Command dirstored is the storage-core server entrypoint: it loads
// configuration, opens the configured backend (kv or fs), starts the
// change-log writer and the metrics HTTP endpoint, and blocks until
// signaled to shut down. The wire protocol front-end that would drive
// add/modify/search/bind against this process is an external
// collaborator (§1 Non-goals) and is not implemented here; dirstored's
// job ends at making a durable, observable storage core available.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rcastellor/dirstore/pkg/changelog"
	"github.com/rcastellor/dirstore/pkg/config"
	"github.com/rcastellor/dirstore/pkg/dn"
	"github.com/rcastellor/dirstore/pkg/entry"
	"github.com/rcastellor/dirstore/pkg/log"
	"github.com/rcastellor/dirstore/pkg/metrics"
	"github.com/rcastellor/dirstore/pkg/storage"
	"github.com/rcastellor/dirstore/pkg/storage/fsbackend"
	"github.com/rcastellor/dirstore/pkg/storage/kv"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "dirstored",
	Short:   "dirstored is a directory-service storage core",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("dirstored version %s\nCommit: %s\n", Version, Commit))

	flags := rootCmd.Flags()
	flags.String("config", "", "Path to a dirstore.yaml config file")
	flags.String("backend", "", "Storage backend: kv or fs (overrides config)")
	flags.String("data-dir", "", "Data directory (overrides config)")
	flags.String("suffix", "", "Naming-context suffix DN, e.g. dc=example,dc=com (overrides config)")
	flags.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flags.Bool("log-json", false, "Emit JSON logs (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	metrics.Register()

	suffix, err := dn.Parse(cfg.Suffix)
	if err != nil {
		return fmt.Errorf("dirstored: parsing suffix %q: %w", cfg.Suffix, err)
	}

	var cl *changelog.Writer
	if cfg.ChangeLog.Enabled {
		cl = changelog.New(cfg.ChangeLog.Path, replicasFromConfig(cfg.ChangeLog.Replicas))
		log.WithComponent("dirstored").Info().Str("path", cfg.ChangeLog.Path).Msg("change log enabled")
	}

	_, closeBackend, err := openBackend(cfg, suffix, cl)
	if err != nil {
		return err
	}
	defer closeBackend()

	errCh := make(chan error, 1)
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			log.WithComponent("dirstored").Info().Str("addr", cfg.Metrics.Addr).Msg("metrics endpoint listening")
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	log.WithComponent("dirstored").Info().
		Str("backend", string(cfg.Backend)).
		Str("suffix", suffix.String()).
		Str("data_dir", cfg.DataDir).
		Msg("dirstored ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.WithComponent("dirstored").Info().Msg("shutting down")
	case err := <-errCh:
		log.WithComponent("dirstored").Error().Err(err).Msg("server error")
		return err
	}
	return nil
}

func openBackend(cfg *config.Config, suffix dn.DN, cl *changelog.Writer) (storage.Backend, func() error, error) {
	switch cfg.Backend {
	case config.BackendFS:
		b, err := fsbackend.Open(cfg.DataDir, suffix)
		if err != nil {
			return nil, nil, err
		}
		b.SetChangeLog(cl)
		return b, b.Close, nil
	default:
		indexed := make(kv.IndexedAttrs, len(cfg.Index))
		for attr, syntaxName := range cfg.Index {
			indexed[attr] = entry.ParseSyntax(syntaxName)
		}
		dbPath := filepath.Join(cfg.DataDir, "dirstore.db")
		s, err := kv.Open(dbPath, suffix, indexed, cfg.CacheSize, cfg.MaxRetries)
		if err != nil {
			return nil, nil, err
		}
		s.SetChangeLog(cl)
		return s, s.Close, nil
	}
}

func replicasFromConfig(rs []config.ReplicaConfig) []changelog.ReplicaSuffix {
	out := make([]changelog.ReplicaSuffix, 0, len(rs))
	for _, r := range rs {
		suffix, err := dn.Parse(r.Suffix)
		if err != nil {
			continue
		}
		out = append(out, changelog.ReplicaSuffix{Host: r.URI, Suffix: suffix})
	}
	return out
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")

	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
	}

	if v, _ := flags.GetString("backend"); v != "" {
		cfg.Backend = config.Backend(v)
	}
	if v, _ := flags.GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := flags.GetString("suffix"); v != "" {
		cfg.Suffix = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := flags.GetBool("log-json"); v {
		cfg.Log.JSON = v
	}

	if path == "" {
		if cfg.Backend == "" {
			cfg.Backend = config.BackendKV
		}
		if cfg.CacheSize == 0 {
			cfg.CacheSize = config.DefaultCacheSize
		}
		if cfg.Log.Level == "" {
			cfg.Log.Level = "info"
		}
		if cfg.Metrics.Addr == "" {
			cfg.Metrics.Addr = ":9090"
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("dirstored: %w", err)
		}
	}
	return cfg, nil
}
