package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/mailblob/pkg/blob"
	"github.com/jacktea/mailblob/pkg/store"
	"github.com/jacktea/mailblob/pkg/volume"
)

type app struct {
	ctx     context.Context
	volumes *volume.Manager
	manager store.Manager
	cleanup []func()
}

// ensureVolumes opens the volume table, creating a first message volume
// at root when the table is empty.
func (a *app) ensureVolumes() error {
	if a.volumes != nil {
		return nil
	}
	if a.ctx == nil {
		a.ctx = context.Background()
	}
	root, err := filepath.Abs(viper.GetString("root"))
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	dbPath := viper.GetString("volume_db")
	if dbPath == "" {
		dbPath = filepath.Join(root, "volumes.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("volume db dir: %w", err)
	}
	vstore, err := volume.NewBoltStore(volume.BoltConfig{Path: dbPath, NoSync: !viper.GetBool("fsync")})
	if err != nil {
		return fmt.Errorf("open volume db: %w", err)
	}
	vm, err := volume.NewManager(a.ctx, vstore, slog.Default())
	if err != nil {
		vstore.Close()
		return fmt.Errorf("load volumes: %w", err)
	}
	a.cleanup = append(a.cleanup, func() { _ = vm.Close() })
	if err := bootstrapVolume(a.ctx, vm, root); err != nil {
		return err
	}
	a.volumes = vm
	return nil
}

func bootstrapVolume(ctx context.Context, vm *volume.Manager, root string) error {
	if len(vm.List()) > 0 {
		return nil
	}
	msgRoot := filepath.Join(root, "message1")
	if err := os.MkdirAll(msgRoot, 0o755); err != nil {
		return fmt.Errorf("create volume root: %w", err)
	}
	v := volume.New(1, volume.TypeMessage, "message1", msgRoot)
	v.CompressBlobs = viper.GetBool("compress")
	v.CompressionThreshold = viper.GetInt64("compression_threshold")
	v, err := vm.Create(ctx, v)
	if err != nil {
		return fmt.Errorf("create default volume: %w", err)
	}
	if err := vm.SetCurrent(ctx, volume.TypeMessage, v.ID); err != nil {
		return err
	}
	slog.Info("created default message volume", "id", v.ID, "root", v.RootPath)
	return nil
}

// ensureStore resolves the configured backends.
func (a *app) ensureStore() error {
	if a.manager != nil {
		return nil
	}
	if err := a.ensureVolumes(); err != nil {
		return err
	}
	cfg, err := storeConfig(a.volumes)
	if err != nil {
		return err
	}
	m, err := store.Init(a.ctx, cfg)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	a.cleanup = append(a.cleanup, func() { _ = store.Close(context.Background()) })
	a.manager = m
	return nil
}

func storeConfig(vm *volume.Manager) (store.Config, error) {
	algo, err := blob.ParseAlgorithm(viper.GetString("digest"))
	if err != nil {
		return store.Config{}, fmt.Errorf("digest config: %w", err)
	}
	readers := make(map[volume.ID]string)
	for key, backend := range viper.GetStringMapString("readers") {
		id, err := volume.ParseID(key)
		if err != nil {
			return store.Config{}, fmt.Errorf("readers config: %w", err)
		}
		readers[id] = backend
	}
	return store.Config{
		Backend:                  viper.GetString("backend"),
		Readers:                  readers,
		Volumes:                  vm,
		Fsync:                    viper.GetBool("fsync"),
		Digest:                   algo,
		CompressionLevel:         viper.GetInt("compression_level"),
		IncomingMaxAge:           viper.GetDuration("incoming_max_age"),
		SweepInterval:            viper.GetDuration("sweep_interval"),
		UncompressedCacheDir:     viper.GetString("uncompressed_cache_dir"),
		UncompressedCacheEntries: viper.GetInt("uncompressed_cache_entries"),
		Timing:                   viper.GetBool("timing"),
		Logger:                   slog.Default(),
	}, nil
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "mailblob",
		Short:         "mail blob store CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(viper.GetString("log_level"))
			application.ctx = cmd.Context()
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	defer application.close()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		application.close()
		os.Exit(1)
	}
}

func setupLogging(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           lvl,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
	})
	slog.SetDefault(slog.New(handler))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("mailblob")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "mailblob"))
		}
	}
	viper.SetEnvPrefix("MAILBLOB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	flags.String("root", ".mailblob", "storage root; the first message volume is created beneath it")
	flags.String("volume-db", "", "path to the volume table (default <root>/volumes.db)")
	flags.String("backend", store.FileBackend, "writer backend identifier")
	flags.Bool("compress", false, "compress blobs on the bootstrap volume")
	flags.Int64("compression-threshold", 4096, "bytes after which blobs are compressed")
	flags.Int("compression-level", 0, "gzip level 1-9 (0 uses the library default)")
	flags.String("digest", string(blob.DefaultAlgorithm), "digest algorithm: sha256|blake3")
	flags.Bool("fsync", true, "fsync blob files before reporting them stored")
	flags.Duration("incoming-max-age", 8*time.Hour, "age after which unstaged incoming files are deleted")
	flags.Duration("sweep-interval", time.Minute, "time between incoming sweeps")
	flags.String("uncompressed-cache-dir", "", "directory for inflated copies of compressed blobs (empty disables)")
	flags.Int("uncompressed-cache-entries", 256, "inflated copies kept in the uncompressed cache")
	flags.Bool("timing", false, "record per-operation latency")
	flags.String("log-level", "info", "log level: debug|info|warn|error")

	for _, name := range []string{
		"root", "volume-db", "backend", "compress", "compression-threshold", "compression-level", "digest", "fsync",
		"incoming-max-age", "sweep-interval", "uncompressed-cache-dir", "uncompressed-cache-entries",
		"timing", "log-level",
	} {
		bindConfig(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}
}

func initCommands() {
	rootCmd.AddCommand(
		newPutCmd(),
		newCatCmd(),
		newRmCmd(),
		newPurgeCmd(),
		newSweepCmd(),
		newServeCmd(),
		newVolumeCmd(),
		newBackendsCmd(),
	)
}
