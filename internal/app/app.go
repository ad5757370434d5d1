// Package app wires the configured infrastructure into the services each
// binary runs.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/unclebandit/mailpacer/internal/config"
	"github.com/unclebandit/mailpacer/internal/db"
	"github.com/unclebandit/mailpacer/internal/delivery"
	"github.com/unclebandit/mailpacer/internal/dkim"
	"github.com/unclebandit/mailpacer/internal/lock"
	"github.com/unclebandit/mailpacer/internal/queue"
	"github.com/unclebandit/mailpacer/internal/repository"
	"github.com/unclebandit/mailpacer/internal/service"
)

// memoryQueueSize bounds the in-process queue used by QUEUE_BACKEND=memory.
const memoryQueueSize = 1000

// ErrLocalQueue is returned by RequireSharedQueue for QUEUE_BACKEND=memory.
var ErrLocalQueue = errors.New("QUEUE_BACKEND=memory keeps jobs inside one process; use the server or scheduler, which run their own worker, or switch to amqp or redis")

// App holds the process-wide dependencies. Build it once with New and
// release it with Close.
type App struct {
	Config *config.Config
	Log    *zap.Logger
	DB     *sql.DB
	Repo   *repository.MessageRepository
	Queue  queue.Queue
	Redis  *redis.Client
	Lock   *lock.PassLock
	Gauge  *service.RateGauge

	sender delivery.Sender
}

// New connects to Postgres and, when configured, Redis. The queue and the
// SMTP sender are opened on first use so commands that only touch the store
// need neither.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Log: log}

	conn, err := db.Open(ctx, cfg.DB.DSN(), log)
	if err != nil {
		return nil, err
	}
	a.DB = conn
	a.Repo = &repository.MessageRepository{DB: conn}
	a.Gauge = service.NewRateGauge(a.Repo, cfg.HourlyQuota)

	if cfg.RedisEnabled() {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr(), err)
		}
		a.Lock = lock.NewPassLock(a.Redis, cfg.Queue.Name+":dispatch-lock", lock.DefaultExpiry, log)
		log.Info("✅ Connected to Redis", zap.String("addr", cfg.Redis.Addr()))
	}
	return a, nil
}

// OpenQueue connects to the configured queue backend once and returns it.
func (a *App) OpenQueue() (queue.Queue, error) {
	if a.Queue != nil {
		return a.Queue, nil
	}
	q, err := a.dialQueue()
	if err != nil {
		return nil, err
	}
	a.Queue = q
	return q, nil
}

func (a *App) dialQueue() (queue.Queue, error) {
	cfg := a.Config
	switch cfg.Queue.Backend {
	case config.QueueAMQP:
		return queue.DialAMQP(cfg.Queue.AMQPURL, cfg.Queue.Name, cfg.WorkerConcurrency, a.Log)
	case config.QueueRedis:
		return queue.NewRedisQueue(a.Redis, cfg.Queue.Name, queue.WithRedisLogger(a.Log)), nil
	case config.QueueMemory:
		a.Log.Warn("⚠️ Using in-memory queue; jobs do not survive a restart and are not shared between processes")
		return queue.NewInMemoryQueue(memoryQueueSize, a.Log), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
}

// LocalQueue reports whether jobs live only in this process.
func (a *App) LocalQueue() bool {
	return a.Config.Queue.Backend == config.QueueMemory
}

// RequireSharedQueue fails for commands that either only submit or only
// consume jobs, since with a process-local queue the other side never runs.
func (a *App) RequireSharedQueue() error {
	if a.LocalQueue() {
		return ErrLocalQueue
	}
	return nil
}

// StartLocalWorker runs a worker on the process-local queue until ctx is
// done. The returned channel yields the worker's result once in-flight jobs
// have drained. For shared backends it does nothing and returns nil.
func (a *App) StartLocalWorker(ctx context.Context) (<-chan error, error) {
	if !a.LocalQueue() {
		return nil, nil
	}
	w, err := a.Worker()
	if err != nil {
		return nil, fmt.Errorf("start in-process worker: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- w.Start(ctx)
	}()
	a.Log.Info("Running in-process worker for the memory queue")
	return done, nil
}

// Sender returns the SMTP transport, DKIM-signed when configured and guarded
// by a circuit breaker.
func (a *App) Sender() (delivery.Sender, error) {
	if a.sender != nil {
		return a.sender, nil
	}
	if a.Config.SMTP.Host == "" {
		return nil, errors.New("SMTP_HOST is not set")
	}
	signer, err := dkim.New(a.Config.DKIM, a.Config.SMTP)
	if err != nil {
		return nil, err
	}
	if signer != nil {
		a.Log.Info("DKIM signing enabled", zap.String("selector", signer.Selector()), zap.String("domain", signer.Domain()))
	}
	smtpSender := delivery.NewSMTPSender(a.Config.SMTP, signer, a.Log)
	a.sender = delivery.NewBreakerSender(smtpSender, delivery.DefaultBreakerSettings(), a.Log)
	return a.sender, nil
}

// Scheduler returns a scheduler submitting to the queue, guarded by the
// pass lock when Redis is configured.
func (a *App) Scheduler() (*service.Scheduler, error) {
	q, err := a.OpenQueue()
	if err != nil {
		return nil, err
	}
	sub := service.NewSubmitter(q, a.Config.MaxRetries, a.Config.Backoff, a.Log)
	s := service.NewScheduler(a.Repo, a.Gauge, sub, a.Config.MaxRetries, a.Log)
	if a.Lock != nil {
		s.Lock = a.Lock
	}
	return s, nil
}

// Worker returns a worker consuming the queue, throttled when
// SEND_RATE_PER_SECOND is set.
func (a *App) Worker() (*service.Worker, error) {
	q, err := a.OpenQueue()
	if err != nil {
		return nil, err
	}
	sender, err := a.Sender()
	if err != nil {
		return nil, err
	}
	w := service.NewWorker(a.Repo, q, sender, a.Config.MaxRetries, a.Config.WorkerConcurrency, a.Log)
	if r := a.Config.SendRatePerSecond; r > 0 {
		w.Limiter = rate.NewLimiter(rate.Limit(r), 1)
	}
	return w, nil
}

func (a *App) Admin() *service.AdminService {
	return service.NewAdminService(a.Repo, a.Gauge, a.Log)
}

// Close releases every connection New opened.
func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
