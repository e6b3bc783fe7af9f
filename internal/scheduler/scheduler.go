// Package scheduler запускает периодические задачи платёжного контура.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/expert-marketplace/internal/logger"
)

// Sweeper выплачивает экспертам доступный баланс.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Scheduler cron с секундами. Пустое расписание отключает автоматические выплаты.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  Sweeper
	schedule string

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func New(sweeper Sweeper, schedule string) *Scheduler {
	cl := cronLogger{entry: logger.L().WithField("component", "scheduler")}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		sweeper:  sweeper,
		schedule: schedule,
	}
}

// Start регистрирует задачу выплат и запускает cron. Задачи получают ctx,
// который отменяется в Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.schedule == "" {
		logger.L().Info("scheduler: PAYOUT_SCHEDULE не задан, автоматические выплаты отключены")
		return nil
	}

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		s.cancel()
		return fmt.Errorf("scheduler: некорректное расписание %q: %w", s.schedule, err)
	}

	s.cron.Start()
	logger.L().WithField("schedule", s.schedule).Info("scheduler: запущен")
	return nil
}

// Stop останавливает cron и ждёт завершения текущей задачи или отмены ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	select {
	case <-done.Done():
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done.Done()
	}
	if cancel != nil {
		cancel()
	}
}

// RunOnce выполняет один проход выплат вне расписания.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	paid, err := s.sweeper.Sweep(ctx)
	log := logger.L().WithField("paid", paid)
	if err != nil {
		log.WithError(err).Error("scheduler: проход выплат прерван")
		return paid, err
	}
	log.Info("scheduler: проход выплат завершён")
	return paid, nil
}

func (s *Scheduler) runSweep() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	_, _ = s.RunOnce(ctx)
}

// cronLogger переводит логи cron в logrus.
type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func fields(kv []interface{}) logrus.Fields {
	out := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
