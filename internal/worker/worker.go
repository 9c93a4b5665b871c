package worker

import (
	"context"
	"sync"
	"time"

	"openbooking/internal/broker"
	"openbooking/internal/models"
	"openbooking/internal/util"

	"go.uber.org/zap"
)

// SellerActionApplier applies seller back office actions to orders.
type SellerActionApplier interface {
	ApplySellerAction(ctx context.Context, clientID, orderID string, action models.SellerAction) (*models.Order, error)
}

// SellerActionWorker applies seller actions consumed from Kafka
type SellerActionWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
}

// NewSellerActionWorker creates a new seller action worker
func NewSellerActionWorker(consumer *broker.Consumer, applier SellerActionApplier) *SellerActionWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnSellerAction(SellerActionHandler(applier))

	return &SellerActionWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
	}
}

// SellerActionHandler adapts an applier to the broker's seller action hook.
func SellerActionHandler(applier SellerActionApplier) func(context.Context, *models.SellerActionEvent) error {
	return func(ctx context.Context, event *models.SellerActionEvent) error {
		_, err := applier.ApplySellerAction(ctx, event.ClientID, event.OrderID, event.Action)
		return err
	}
}

// Start starts the worker
func (w *SellerActionWorker) Start(ctx context.Context) error {
	util.GetLogger().Info("Starting seller action worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *SellerActionWorker) Stop() error {
	util.GetLogger().Info("Stopping seller action worker")
	return w.consumer.Close()
}

// LeaseReleaser drops expired leases.
type LeaseReleaser interface {
	ReleaseExpiredLeases(ctx context.Context) (int, error)
}

// LeaseReaper periodically releases expired leases so their capacity shows
// up in the opportunity feeds.
type LeaseReaper struct {
	releaser LeaseReleaser
	interval time.Duration
	logger   *zap.Logger

	stop chan struct{}
	once sync.Once
	done chan struct{}
}

// NewLeaseReaper creates a reaper that runs every interval
func NewLeaseReaper(releaser LeaseReleaser, interval time.Duration, logger *zap.Logger) *LeaseReaper {
	return &LeaseReaper{
		releaser: releaser,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs until ctx is done or Stop is called.
func (r *LeaseReaper) Start(ctx context.Context) error {
	defer close(r.done)
	r.logger.Info("Starting lease reaper", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce releases whatever has expired by now.
func (r *LeaseReaper) RunOnce(ctx context.Context) int {
	n, err := r.releaser.ReleaseExpiredLeases(ctx)
	if err != nil {
		r.logger.Error("Failed to release expired leases", zap.Error(err))
		return 0
	}
	if n > 0 {
		r.logger.Info("Released expired leases", zap.Int("count", n))
	}
	return n
}

// Stop stops a started reaper and waits for it to exit.
func (r *LeaseReaper) Stop() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}
