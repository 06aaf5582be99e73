package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	gormmysql "gorm.io/driver/mysql"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/harunoni/reflection-manager/pkg/cache"
	"github.com/harunoni/reflection-manager/pkg/depgraph"
	"github.com/harunoni/reflection-manager/pkg/ha"
	"github.com/harunoni/reflection-manager/pkg/httpapi"
	"github.com/harunoni/reflection-manager/pkg/jobs"
	"github.com/harunoni/reflection-manager/pkg/jobservice"
	"github.com/harunoni/reflection-manager/pkg/manager"
	"github.com/harunoni/reflection-manager/pkg/namespace"
	"github.com/harunoni/reflection-manager/pkg/store"
	"github.com/harunoni/reflection-manager/pkg/store/migrate"
)

func newServeCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciliation daemon and its status HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("listen-addr", ":8080", "address the status/health HTTP server listens on")
	flags.String("db-dialect", "postgres", "database dialect: postgres or mysql")
	flags.String("db-dsn", "host=localhost user=reflectiond dbname=reflectiond sslmode=disable", "database connection string")
	flags.String("job-service-url", "", "base URL of the external SQL job service; empty runs against an in-memory fake")
	flags.String("namespace-service-url", "", "base URL of the namespace/catalog service; empty runs against an in-memory stub")
	flags.String("config", "", "optional config file (yaml/json/toml) overriding the defaults of the flags above")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("REFLECTIOND")
	v.AutomaticEnv()

	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := openDB(v.GetString("db-dialect"), v.GetString("db-dsn"))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("unwrapping database handle: %w", err)
	}
	defer sqlDB.Close()

	haCfg := ha.HAConfigFromEnv()
	lockDB := db
	if !haCfg.MigrationLockEnabled {
		lockDB = nil // a nil db yields the no-op locker
	}
	locker := ha.NewMigrationLocker(lockDB, haCfg)
	if err := locker.WithLock(ctx, func() error {
		return migrateAndAutoMigrate(sqlDB, db, logger)
	}); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	goals := store.NewGormGoalStore(db)
	entries := store.NewGormEntryStore(db)
	materializations := store.NewGormMaterializationStore(db)
	external := store.NewGormExternalReflectionStore(db)
	jobLog := jobs.NewJobStore(db)

	jobsvc := buildJobService(v.GetString("job-service-url"), logger)
	datasets := buildNamespaceService(v.GetString("namespace-service-url"))

	mgr := manager.New(manager.Deps{
		Goals:             goals,
		Entries:           entries,
		Materializations:  materializations,
		External:          external,
		DependencyManager: depgraph.New(),
		JobService:        jobsvc,
		Datasets:          datasets,
		Descriptors:       cache.NewDescriptorCache(cache.DescriptorCacheConfigFromEnv()),
		JobLog:            jobLog,
		Config:            manager.ConfigFromEnv(),
		Logger:            logger,
	})

	housekeeper := jobs.NewHousekeeper(jobLog, jobs.JobConfigFromEnv(), logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var leader *ha.LeaderElector
	if haCfg.LeaderElectionEnabled {
		kc, err := buildKubernetesClient()
		if err != nil {
			return fmt.Errorf("building kubernetes client for leader election: %w", err)
		}
		leader = ha.NewLeaderElector(haCfg, kc, haCfg.Identity, logger)
		leader.RunWhileLeader("reconciliation-manager", mgr.Run)
		leader.RunWhileLeader("job-log-housekeeper", housekeeper.Run)
		go leader.Run(runCtx)
	} else {
		go mgr.Run(runCtx)
		go housekeeper.Run(runCtx)
	}

	// leader is only wrapped as an httpapi.Leader when leader election is
	// actually enabled: a nil *ha.LeaderElector boxed into a non-nil
	// interface value would make the server's "s.leader != nil" check
	// true and then panic dereferencing a nil receiver's fields.
	var leaderIface httpapi.Leader
	if leader != nil {
		leaderIface = leader
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Entries: entries,
		Goals:   goals,
		Manager: mgr,
		Leader:  leaderIface,
		DB:      db,
	})

	httpServer := &http.Server{
		Addr:    v.GetString("listen-addr"),
		Handler: srv.Router(),
	}

	serveErrs := make(chan error, 1)
	go func() {
		logger.Info("status server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrs <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErrs:
		logger.Error("status server failed", "error", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openDB(dialect, dsn string) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	switch dialect {
	case "mysql":
		return gorm.Open(gormmysql.Open(dsn), gcfg)
	case "postgres", "":
		return gorm.Open(gormpostgres.Open(dsn), gcfg)
	default:
		return nil, fmt.Errorf("unsupported db dialect %q", dialect)
	}
}

// migrateAndAutoMigrate runs the versioned SQL migrations (Postgres only,
// per migrate.Runner's scope) and then each store's AutoMigrate as a
// belt-and-suspenders step for dialects the migration runner doesn't cover.
func migrateAndAutoMigrate(sqlDB *sql.DB, db *gorm.DB, logger *slog.Logger) error {
	if db.Dialector.Name() == "postgres" {
		runner, err := migrate.NewRunner(sqlDB, logger)
		if err != nil {
			return fmt.Errorf("building migration runner: %w", err)
		}
		defer runner.Close()
		if err := runner.Up(); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}
	}

	for _, m := range []interface{ AutoMigrate() error }{
		store.NewGormGoalStore(db),
		store.NewGormEntryStore(db),
		store.NewGormMaterializationStore(db),
		store.NewGormExternalReflectionStore(db),
	} {
		if err := m.AutoMigrate(); err != nil {
			return err
		}
	}
	return nil
}

func buildJobService(baseURL string, logger *slog.Logger) jobservice.Service {
	if baseURL == "" {
		return jobservice.NewFakeService(time.Now)
	}
	return jobservice.NewHTTPClient(baseURL, 10*time.Second, 5*time.Second, logger)
}

func buildNamespaceService(baseURL string) namespace.Service {
	if baseURL == "" {
		return namespace.NewStub()
	}
	return namespace.NewHTTPClient(baseURL, 10*time.Second)
}

func buildKubernetesClient() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = os.Getenv("HOME") + "/.kube/config"
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("loading kubernetes config: %w", err)
		}
	}
	return kubernetes.NewForConfig(cfg)
}
