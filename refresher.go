package ledgerclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgedlt/ledgerclient/timer"
)

// RefresherConfig configures an AddressBookRefresher.
type RefresherConfig struct {
	// InitialDelay is the wait before the first refresh.
	// Default: 10s
	InitialDelay time.Duration

	// Period is the wait between refreshes.
	// Default: 24h
	Period time.Duration

	// FetchTimeout bounds one fetch.
	// Default: 30s
	FetchTimeout time.Duration

	// Timer drives the schedule. Default: timer.NewRealTimer()
	Timer timer.Timer
}

// AddressBookRefresher periodically fetches the address book and applies it to the
// network. Failed refreshes keep the current topology and are retried next period.
type AddressBookRefresher struct {
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	source  AddressBookSource
	network *Network
	cfg     RefresherConfig

	hooks  *Hooks
	logger *zap.Logger
}

// NewAddressBookRefresher creates a stopped refresher.
func NewAddressBookRefresher(source AddressBookSource, network *Network, cfg RefresherConfig, hooks *Hooks, logger *zap.Logger) *AddressBookRefresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	if cfg.Period <= 0 {
		cfg.Period = 24 * time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.Timer == nil {
		cfg.Timer = timer.NewRealTimer()
	}
	return &AddressBookRefresher{
		source:  source,
		network: network,
		cfg:     cfg,
		hooks:   hooks,
		logger:  logger.With(zap.String("component", "address_book_refresher")),
	}
}

// Start begins the schedule. Starting a running refresher is a no-op.
func (r *AddressBookRefresher) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(ctx, r.done)
}

// Stop cancels the schedule, aborting a refresh in progress, and returns once the
// background goroutine has exited. No refresh runs after Stop returns.
func (r *AddressBookRefresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
}

// IsRunning reports whether the schedule is active.
func (r *AddressBookRefresher) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *AddressBookRefresher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer r.cfg.Timer.Stop()

	r.cfg.Timer.Start(r.cfg.InitialDelay)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.cfg.Timer.C():
		}

		if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("address book refresh failed, keeping current topology",
				zap.Duration("next_in", r.cfg.Period),
				zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
		r.cfg.Timer.Start(r.cfg.Period)
	}
}

// Refresh fetches the address book once and applies it.
func (r *AddressBookRefresher) Refresh(ctx context.Context) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	entries := 0
	err := func() error {
		book, err := r.source.FetchAddressBook(ctx)
		if err != nil {
			return fmt.Errorf("fetch address book: %w", err)
		}
		if book == nil {
			return errors.New("fetch address book: source returned no book")
		}
		entries = len(book.Entries)
		return r.network.RefreshFromAddressBook(book)
	}()

	if err == nil {
		r.logger.Info("address book applied",
			zap.Int("entries", entries),
			zap.Duration("latency", time.Since(start)))
	}
	r.hooks.addressBookRefreshed(AddressBookRefreshedEvent{
		Entries:     entries,
		Success:     err == nil,
		Error:       err,
		Latency:     time.Since(start),
		CompletedAt: time.Now(),
	})
	return err
}
