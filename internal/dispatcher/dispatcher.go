// Package dispatcher runs a pool of workers, each on its own prefetch-1
// consumer, over the parse job queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-parser/internal/crawler"
)

// ConsumerOpener hands out independent consumers. queue.Broker satisfies it.
type ConsumerOpener interface {
	OpenConsumer(ctx context.Context) (crawler.Consumer, error)
}

// Runner is a worker loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Factory builds the worker with the given id on top of consumer.
type Factory func(id int, consumer crawler.Consumer) (Runner, error)

// Dispatcher fans queue work out to a fixed number of workers.
type Dispatcher struct {
	opener      ConsumerOpener
	concurrency int
	factory     Factory
	logger      *zap.Logger
}

// New creates a Dispatcher. Concurrency below one runs a single worker.
func New(opener ConsumerOpener, concurrency int, factory Factory, logger *zap.Logger) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		opener:      opener,
		concurrency: concurrency,
		factory:     factory,
		logger:      logger.Named("dispatcher"),
	}
}

// Run starts every worker and blocks until all of them have returned. Each
// consumer is closed after its worker exits. The joined worker errors are
// returned; a clean shutdown through ctx returns nil.
func (d *Dispatcher) Run(ctx context.Context) error {
	consumers := make([]crawler.Consumer, 0, d.concurrency)
	runners := make([]Runner, 0, d.concurrency)
	for i := 1; i <= d.concurrency; i++ {
		consumer, err := d.opener.OpenConsumer(ctx)
		if err != nil {
			closeAll(consumers)
			return fmt.Errorf("open consumer %d: %w", i, err)
		}
		consumers = append(consumers, consumer)
		runner, err := d.factory(i, consumer)
		if err != nil {
			closeAll(consumers)
			return fmt.Errorf("build worker %d: %w", i, err)
		}
		runners = append(runners, runner)
	}
	d.logger.Info("starting workers", zap.Int("concurrency", d.concurrency))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i, runner := range runners {
		wg.Add(1)
		go func(id int, r Runner, c crawler.Consumer) {
			defer wg.Done()
			err := r.Run(ctx)
			if closeErr := c.Close(); closeErr != nil {
				d.logger.Warn("close consumer", zap.Int("worker_id", id), zap.Error(closeErr))
			}
			if err != nil {
				d.logger.Error("worker exited", zap.Int("worker_id", id), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("worker %d: %w", id, err))
				mu.Unlock()
			}
		}(i+1, runner, consumers[i])
	}
	wg.Wait()
	d.logger.Info("all workers stopped")
	return errors.Join(errs...)
}

func closeAll(consumers []crawler.Consumer) {
	for _, c := range consumers {
		_ = c.Close()
	}
}
