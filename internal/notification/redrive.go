package notification

import (
	"context"
	"fmt"
	"time"

	"ms-booking/internal/logger"
	"ms-booking/internal/models"

	"github.com/robfig/cron/v3"
)

type RedriveSource interface {
	ListRedrivable(ctx context.Context, olderThan time.Time, limit int) ([]models.NotificationDelivery, error)
}

type RedriveConfig struct {
	// Schedule is a standard five-field cron expression.
	Schedule   string
	StaleAfter time.Duration
	BatchSize  int
	// MaxAttempts leaves deliveries that already used this many attempts alone.
	MaxAttempts int
}

// Redriver periodically retries failed deliveries and queued ones that
// stopped moving, e.g. pushes lost in a batcher that crashed.
type Redriver struct {
	source     RedriveSource
	dispatcher *Dispatcher
	cfg        RedriveConfig
	log        *logger.Logger
	cron       *cron.Cron
	now        func() time.Time
}

func NewRedriver(source RedriveSource, dispatcher *Dispatcher, cfg RedriveConfig, log *logger.Logger) *Redriver {
	if cfg.Schedule == "" {
		cfg.Schedule = "*/5 * * * *"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	return &Redriver{
		source:     source,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
		cron:       cron.New(cron.WithChain(cron.Recover(cronLogger(log)))),
		now:        time.Now,
	}
}

// RunOnce redrives one page of deliveries and reports how many ended up sent
// or queued again.
func (r *Redriver) RunOnce(ctx context.Context) (int, error) {
	deliveries, err := r.source.ListRedrivable(ctx, r.now().Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list redrivable deliveries: %w", err)
	}

	moved := 0
	for _, delivery := range deliveries {
		if delivery.AttemptCount >= r.cfg.MaxAttempts {
			continue
		}
		result, err := r.dispatcher.Redeliver(ctx, delivery)
		if err != nil {
			r.log.Warn("NOTIFY", fmt.Sprintf("Redrive of delivery %s failed: %v", delivery.ID, err))
			continue
		}
		if result.Status == models.DeliverySent || result.Queued {
			moved++
		}
	}
	if len(deliveries) > 0 {
		r.log.LogNotification("REDRIVE", "-", fmt.Sprintf("%d of %d deliveries redriven", moved, len(deliveries)))
	}
	return moved, nil
}

// cronPrintf routes cron's own messages, including recovered job panics, to the
// service log.
type cronPrintf struct {
	log *logger.Logger
}

func (p cronPrintf) Printf(format string, args ...interface{}) {
	p.log.Error("CRON", fmt.Sprintf(format, args...))
}

func cronLogger(log *logger.Logger) cron.Logger {
	return cron.PrintfLogger(cronPrintf{log: log})
}

func (r *Redriver) Start() error {
	_, err := r.cron.AddFunc(r.cfg.Schedule, func() {
		if _, err := r.RunOnce(context.Background()); err != nil {
			r.log.Error("NOTIFY", err.Error())
		}
	})
	if err != nil {
		return fmt.Errorf("schedule redrive %q: %w", r.cfg.Schedule, err)
	}
	r.cron.Start()
	r.log.Info("NOTIFY", fmt.Sprintf("Delivery redrive scheduled at %q", r.cfg.Schedule))
	return nil
}

// Stop halts scheduling; the returned context is done once a running job ends.
func (r *Redriver) Stop() context.Context {
	return r.cron.Stop()
}
