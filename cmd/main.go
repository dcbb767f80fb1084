package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lvdashuaibi/fairdraw/config"
	"github.com/lvdashuaibi/fairdraw/internal/api"
	"github.com/lvdashuaibi/fairdraw/internal/entropy"
	intkafka "github.com/lvdashuaibi/fairdraw/internal/kafka"
	"github.com/lvdashuaibi/fairdraw/internal/lock"
	"github.com/lvdashuaibi/fairdraw/internal/repository"
	"github.com/lvdashuaibi/fairdraw/internal/scheduler"
	"github.com/lvdashuaibi/fairdraw/internal/service"
	"github.com/sirupsen/logrus"
)

const (
	// SweepLockName 只有持有该锁的实例执行周期扫描
	SweepLockName        = "fairdraw:sweep:leader"
	LimiterCleanupSpec   = "@every 10m"
	ShutdownGracePeriod  = 15 * time.Second
	StorageSetupDeadline = 30 * time.Second
)

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	instanceID = flag.Int("instance", 1, "实例ID，用于区分多个实例")
)

func main() {
	// 解析命令行参数
	flag.Parse()

	log := logrus.New()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	configureLogger(log, cfg.Log)
	entry := log.WithField("instance", *instanceID)
	entry.Info("配置加载成功")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 抽奖存储
	var repo service.Repository
	switch cfg.Storage.Driver {
	case "mysql":
		mysqlRepo, err := repository.NewMySQLRepository(entry)
		if err != nil {
			entry.Fatalf("初始化MySQL仓库失败: %v", err)
		}
		defer mysqlRepo.Close()

		setupCtx, cancel := context.WithTimeout(ctx, StorageSetupDeadline)
		err = mysqlRepo.EnsureSchema(setupCtx)
		cancel()
		if err != nil {
			entry.Fatalf("初始化MySQL表结构失败: %v", err)
		}
		repo = mysqlRepo
		entry.Info("MySQL仓库初始化成功")
	default:
		repo = repository.NewMemoryRepository(cfg.Redis.ReportTTL)
		entry.Warn("使用内存存储，进程重启后抽奖数据会丢失")
	}

	// 报告缓存
	var reports repository.ReportCache
	if cfg.Redis.DataAddress != "" {
		redisCache, err := repository.NewRedisReportCache(ctx)
		if err != nil {
			entry.Fatalf("初始化Redis报告缓存失败: %v", err)
		}
		defer redisCache.Close()
		reports = redisCache
		entry.Info("Redis报告缓存初始化成功")
	} else if mem, ok := repo.(*repository.MemoryRepository); ok {
		reports = mem
	} else {
		reports = repository.NewMemoryRepository(cfg.Redis.ReportTTL)
	}

	// 分布式锁
	distributedLock, err := lock.New(cfg, entry)
	if err != nil {
		entry.Fatalf("初始化分布式锁失败: %v", err)
	}
	defer distributedLock.Close()
	defer distributedLock.ReleaseAll()
	entry.WithField("backend", cfg.Lock.Backend).Info("分布式锁初始化成功")

	// 熵源
	source, err := entropy.NewTronSource(cfg.Entropy, entry)
	if err != nil {
		entry.Fatalf("初始化熵源失败: %v", err)
	}

	// 事件出口
	var events service.EventPublisher
	if cfg.Kafka.Enabled {
		producer, err := intkafka.NewProducer(cfg.Kafka, entry)
		if err != nil {
			entry.Fatalf("初始化Kafka生产者失败: %v", err)
		}
		defer producer.Close()
		events = producer
		entry.Info("Kafka生产者初始化成功")
	} else {
		events = intkafka.NewLogPublisher(entry)
	}

	sched := scheduler.New(entry)
	defer sched.Stop()

	svc := service.NewGiveawayService(service.Deps{
		Repo:      repo,
		Entropy:   source,
		Events:    events,
		Scheduler: sched,
		Reports:   reports,
		Lock:      distributedLock,
		Log:       entry,
	}, service.OptionsFromConfig(cfg))
	defer svc.Close()

	armed, err := svc.RestoreSchedules(ctx)
	if err != nil {
		entry.Fatalf("恢复截止定时器失败: %v", err)
	}
	entry.WithField("armed", armed).Info("抽奖服务初始化成功")

	// 周期扫描，多实例时只有持有扫描锁的实例执行
	err = sched.StartSweep(cfg.Scheduler.SweepSpec, func() {
		held, err := distributedLock.TryAcquire(ctx, SweepLockName, cfg.Lock.TTL)
		if err != nil {
			entry.WithError(err).Warn("获取扫描锁失败，跳过本轮扫描")
			return
		}
		if !held {
			return
		}
		defer distributedLock.Release(context.Background(), SweepLockName)
		svc.Sweep(ctx)
	})
	if err != nil {
		entry.Fatalf("启动周期扫描失败: %v", err)
	}

	// 聊天平台指令
	if cfg.Kafka.Enabled {
		consumer, err := intkafka.NewConsumer(cfg.Kafka, entry)
		if err != nil {
			entry.Fatalf("初始化Kafka消费者失败: %v", err)
		}
		defer consumer.Stop()
		consumer.StartConsuming(svc.HandleCommand)
		entry.Info("Kafka消费者已启动")
	}

	router, limiter := api.NewRouter(svc, cfg, entry)
	if err := sched.StartSweep(LimiterCleanupSpec, func() { limiter.Cleanup() }); err != nil {
		entry.Fatalf("启动限流器回收失败: %v", err)
	}

	// 计算端口，支持多实例
	serverPort := cfg.Server.Port + *instanceID - 1
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", serverPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 启动HTTP服务器(异步)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			entry.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()
	entry.Infof("Fairdraw 服务已启动，服务地址: http://localhost:%d%s", serverPort, cfg.GraphQL.Path)

	// 等待中断信号
	<-ctx.Done()
	entry.Info("正在关闭服务...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGracePeriod)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Warn("HTTP服务器关闭超时")
	}
}

// configureLogger 按配置设置日志级别与格式
func configureLogger(log *logrus.Logger, cfg config.LogConfig) {
	log.SetOutput(os.Stdout)
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	} else {
		log.Warnf("未知的日志级别 %q，使用 info", cfg.Level)
	}
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
