package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/xiaoxuxiansheng/redis_lock"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/xiaoxuxiansheng/tcctransaction/component"
	"github.com/xiaoxuxiansheng/tcctransaction/example"
	"github.com/xiaoxuxiansheng/tcctransaction/log"
	"github.com/xiaoxuxiansheng/tcctransaction/recovery"
	"github.com/xiaoxuxiansheng/tcctransaction/repository"
	"github.com/xiaoxuxiansheng/tcctransaction/txmanager"
)

// config 命令行参数, 环境变量(TCC_ 前缀)和配置文件合并后的结果
type config struct {
	MySQLDSN   string
	Domain     string
	RootDomain string
	Degraded   bool

	RedisNetwork  string
	RedisAddress  string
	RedisPassword string
	LockKey       string

	Components []string

	MaxRetryCount     int
	FetchPageSize     int
	RecoverDuration   time.Duration
	RecoveryThreads   int
	MonitorTick       time.Duration
	MetricsListen     string
	ShutdownTimeout   time.Duration
	LogLevel          string
	LogFile           string
	LogMaxSize        int
	LogMaxBackups     int
	LogMaxAge         int
	LogCompress       bool
	SentinelThreshold int
	SentinelWindow    time.Duration
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tccrecovery",
		Short:         "Recovery daemon for tcc transactions stored in MySQL",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadConfigFile(); err != nil {
				return err
			}
			cfg := loadConfig()
			log.Init(log.Options{
				Level:      cfg.LogLevel,
				FileName:   cfg.LogFile,
				MaxSize:    cfg.LogMaxSize,
				MaxBackups: cfg.LogMaxBackups,
				MaxAge:     cfg.LogMaxAge,
				Compress:   cfg.LogCompress,
			})
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = log.Sync()
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("mysql-dsn", "", "MySQL DSN of the transaction store, e.g. user:pass@tcp(127.0.0.1:3306)/tcc?parseTime=true")
	flags.String("domain", "order", "business domain recovered by this instance")
	flags.String("root-domain", "order", "domain holding root transactions, empty disables root lookups")
	flags.Bool("degraded", false, "pair the MySQL store with an in-process degraded store")
	flags.String("redis-network", "tcp", "redis network for the recovery lock and example components")
	flags.String("redis-address", "127.0.0.1:6379", "redis address")
	flags.String("redis-password", "", "redis password")
	flags.String("lock-key", recovery.DefaultRedisLockKey, "redis key of the recovery lock")
	flags.StringSlice("components", []string{"inventory", "account"}, "example component ids to register")
	flags.Int("max-retry-count", 30, "recovery attempts before a transaction is skipped")
	flags.Int("fetch-page-size", 500, "transactions fetched per page")
	flags.Duration("recover-duration", 30*time.Second, "staleness before a transaction is recovered")
	flags.Int("recovery-threads", 0, "concurrent recovery workers, 0 means 2*NumCPU")
	flags.Duration("monitor-tick", 10*time.Second, "interval between scheduled sweeps")
	flags.String("metrics-listen", ":9464", "prometheus metrics listen address, empty disables it")
	flags.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown timeout of the metrics server")
	flags.String("log-level", "info", "log level")
	flags.String("log-file", "", "log file, empty logs to stderr")
	flags.Int("log-max-size", 100, "log file size in MB before rotation")
	flags.Int("log-max-backups", 10, "rotated log files to keep")
	flags.Int("log-max-age", 7, "days to keep rotated log files")
	flags.Bool("log-compress", false, "compress rotated log files")
	flags.Int("sentinel-threshold", 3, "primary store failures before degrading")
	flags.Duration("sentinel-window", 10*time.Second, "primary store failure window")
	bindFlags(flags)

	cmd.AddCommand(newServeCommand(), newSweepCommand(), newMigrateCommand(), newSubmitCommand())
	return cmd
}

func bindFlags(flags *pflag.FlagSet) {
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := viper.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})
	viper.SetEnvPrefix("TCC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func loadConfigFile() error {
	path := strings.TrimSpace(viper.GetString("config"))
	if path == "" {
		return nil
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

func loadConfig() config {
	return config{
		MySQLDSN:          viper.GetString("mysql-dsn"),
		Domain:            viper.GetString("domain"),
		RootDomain:        viper.GetString("root-domain"),
		Degraded:          viper.GetBool("degraded"),
		RedisNetwork:      viper.GetString("redis-network"),
		RedisAddress:      viper.GetString("redis-address"),
		RedisPassword:     viper.GetString("redis-password"),
		LockKey:           viper.GetString("lock-key"),
		Components:        viper.GetStringSlice("components"),
		MaxRetryCount:     viper.GetInt("max-retry-count"),
		FetchPageSize:     viper.GetInt("fetch-page-size"),
		RecoverDuration:   viper.GetDuration("recover-duration"),
		RecoveryThreads:   viper.GetInt("recovery-threads"),
		MonitorTick:       viper.GetDuration("monitor-tick"),
		MetricsListen:     viper.GetString("metrics-listen"),
		ShutdownTimeout:   viper.GetDuration("shutdown-timeout"),
		LogLevel:          viper.GetString("log-level"),
		LogFile:           viper.GetString("log-file"),
		LogMaxSize:        viper.GetInt("log-max-size"),
		LogMaxBackups:     viper.GetInt("log-max-backups"),
		LogMaxAge:         viper.GetInt("log-max-age"),
		LogCompress:       viper.GetBool("log-compress"),
		SentinelThreshold: viper.GetInt("sentinel-threshold"),
		SentinelWindow:    viper.GetDuration("sentinel-window"),
	}
}

// app 一次命令执行所需的依赖
type app struct {
	cfg        config
	db         *gorm.DB
	redis      *redis_lock.Client
	repository txmanager.TransactionRepository
	registry   *component.Registry
	terminator *component.Terminator
	metrics    *prometheus.Registry
}

func openDB(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("mysql-dsn is required")
	}
	return gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
}

func newApp(cfg config) (*app, error) {
	db, err := openDB(cfg.MySQLDSN)
	if err != nil {
		return nil, err
	}

	var repo txmanager.TransactionRepository = repository.NewSQLRepository(db, cfg.Domain, cfg.RootDomain)
	if cfg.Degraded {
		repo = repository.NewSentinelRepository(
			repo,
			repository.NewMemoryRepository(nil, cfg.Domain, cfg.RootDomain),
			repository.NewSentinelController(cfg.SentinelThreshold, cfg.SentinelWindow),
		)
	}

	rt := app{
		cfg:        cfg,
		db:         db,
		redis:      redis_lock.NewClient(cfg.RedisNetwork, cfg.RedisAddress, cfg.RedisPassword),
		repository: repo,
		registry:   component.NewRegistry(),
		metrics:    prometheus.NewRegistry(),
	}
	rt.terminator = component.NewTerminator(rt.registry)
	return &rt, nil
}

// exampleService 注册示例组件, 恢复任务通过 registry 找到 confirm/cancel 的目标
func (rt *app) exampleService(manager *txmanager.TransactionManager) (*example.OrderService, error) {
	components := make([]*example.MockComponent, 0, len(rt.cfg.Components))
	for _, id := range rt.cfg.Components {
		components = append(components, example.NewMockComponent(id, rt.redis))
	}
	return example.NewOrderService(manager, rt.registry, components...)
}

func (rt *app) newRecovery() (*recovery.TransactionRecovery, error) {
	metrics, err := recovery.NewMetrics(rt.metrics)
	if err != nil {
		return nil, err
	}
	return recovery.NewTransactionRecovery(rt.repository, rt.terminator,
		recovery.WithMaxRetryCount(rt.cfg.MaxRetryCount),
		recovery.WithFetchPageSize(rt.cfg.FetchPageSize),
		recovery.WithRecoverDuration(rt.cfg.RecoverDuration),
		recovery.WithConcurrentRecoveryThreadCount(rt.cfg.RecoveryThreads),
		recovery.WithMonitorTick(rt.cfg.MonitorTick),
		recovery.WithRecoveryLock(recovery.NewRedisRecoveryLock(rt.redis, rt.cfg.LockKey)),
		recovery.WithMetrics(metrics),
	), nil
}

func (rt *app) close() {
	if err := rt.repository.Close(); err != nil {
		log.WarnContextf(context.Background(), "close repository failed, err: %v", err)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled recovery sweeps and expose metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := newApp(loadConfig())
			if err != nil {
				return err
			}
			defer rt.close()

			manager := txmanager.NewTransactionManager(rt.repository, rt.terminator)
			defer manager.Shutdown()
			if _, err = rt.exampleService(manager); err != nil {
				return err
			}
			rec, err := rt.newRecovery()
			if err != nil {
				return err
			}

			var server *http.Server
			if addr := rt.cfg.MetricsListen; addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(rt.metrics, promhttp.HandlerOpts{}))
				server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.ErrorContextf(ctx, "metrics server failed, err: %v", err)
					}
				}()
			}

			job := recovery.NewScheduledJob(rec)
			job.Start(ctx)
			log.InfoContextf(ctx, "tcc recovery started, domain: %s, monitor tick: %s", rt.cfg.Domain, rt.cfg.MonitorTick)
			<-job.Stopped()

			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.ShutdownTimeout)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
			return nil
		},
	}
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one recovery sweep and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newApp(loadConfig())
			if err != nil {
				return err
			}
			defer rt.close()

			manager := txmanager.NewTransactionManager(rt.repository, rt.terminator)
			defer manager.Shutdown()
			if _, err = rt.exampleService(manager); err != nil {
				return err
			}
			rec, err := rt.newRecovery()
			if err != nil {
				return err
			}
			rec.StartRecover(cmd.Context())
			return nil
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the tcc_transaction table",
		RunE: func(*cobra.Command, []string) error {
			db, err := openDB(loadConfig().MySQLDSN)
			if err != nil {
				return err
			}
			return repository.MigrateSQLRepository(db)
		},
	}
}

func newSubmitCommand() *cobra.Command {
	var bizID string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one example order transaction across the example components",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bizID == "" {
				return errors.New("--biz-id is required")
			}
			rt, err := newApp(loadConfig())
			if err != nil {
				return err
			}
			defer rt.close()

			manager := txmanager.NewTransactionManager(rt.repository, rt.terminator)
			defer manager.Shutdown()
			service, err := rt.exampleService(manager)
			if err != nil {
				return err
			}
			if err = service.Submit(cmd.Context(), bizID); err != nil {
				return err
			}
			log.InfoContextf(cmd.Context(), "order submitted, biz_id: %s", bizID)
			return nil
		},
	}
	cmd.Flags().StringVar(&bizID, "biz-id", "", "business id frozen by every component")
	return cmd
}
