package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittoweb/internal/logger"
	"golang.org/x/crypto/bcrypt"
)

// DefaultPoolSize is the number of handles opened when PoolConfig.Size is zero.
const DefaultPoolSize = 8

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Size is the number of handles kept open
	Size int

	// AcquireTimeout bounds how long Acquire waits for a free handle.
	// 0 means wait until the caller's context is done.
	AcquireTimeout time.Duration

	// HashCost is the bcrypt cost used by Register. 0 means bcrypt.DefaultCost.
	HashCost int
}

// Pool is a fixed set of handles shared by the worker goroutines.
//
// Acquire blocks while every handle is borrowed. A handle must be given back with
// Release exactly once.
type Pool struct {
	store   Store
	handles chan Handle
	all     []Handle
	timeout time.Duration
	cost    int

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPool opens cfg.Size handles on store.
//
// If any handle fails to open, the ones already opened are closed and the error is
// returned. The pool does not own the store: closing the pool leaves it open.
func NewPool(ctx context.Context, store Store, cfg PoolConfig) (*Pool, error) {
	if store == nil {
		return nil, errors.New("credential: nil store")
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultPoolSize
	}
	if cfg.HashCost == 0 {
		cfg.HashCost = bcrypt.DefaultCost
	}
	if cfg.HashCost < bcrypt.MinCost || cfg.HashCost > bcrypt.MaxCost {
		return nil, fmt.Errorf("credential: bcrypt cost %d out of range [%d, %d]",
			cfg.HashCost, bcrypt.MinCost, bcrypt.MaxCost)
	}

	p := &Pool{
		store:   store,
		handles: make(chan Handle, cfg.Size),
		all:     make([]Handle, 0, cfg.Size),
		timeout: cfg.AcquireTimeout,
		cost:    cfg.HashCost,
		closed:  make(chan struct{}),
	}

	for i := 0; i < cfg.Size; i++ {
		h, err := store.Connect(ctx)
		if err != nil {
			p.closeHandles()
			return nil, fmt.Errorf("failed to open credential handle %d/%d: %w", i+1, cfg.Size, err)
		}
		p.all = append(p.all, h)
		p.handles <- h
	}

	logger.Debug("Credential pool opened with %d handle(s)", cfg.Size)
	return p, nil
}

// Acquire borrows a handle, waiting until one is free, the context is done, the
// acquire timeout expires or the pool is closed.
func (p *Pool) Acquire(ctx context.Context) (Handle, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	select {
	case h := <-p.handles:
		return h, nil
	case <-p.closed:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to acquire credential handle: %w", ctx.Err())
	}
}

// Release gives a handle back to the pool.
func (p *Pool) Release(h Handle) {
	if h == nil {
		return
	}
	select {
	case p.handles <- h:
	default:
		// More releases than acquires; the channel is sized to the pool.
		logger.Warn("Credential handle released twice")
	}
}

// Size returns the number of handles in the pool.
func (p *Pool) Size() int {
	return cap(p.handles)
}

// Available returns the number of handles not currently borrowed.
func (p *Pool) Available() int {
	return len(p.handles)
}

// Close wakes every waiter with ErrPoolClosed and closes the handles. It is safe to
// call more than once. Handles still borrowed are closed as well.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.closeHandles()
		logger.Debug("Credential pool closed")
	})
	return err
}

func (p *Pool) closeHandles() error {
	var errs []error
	for _, h := range p.all {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.all = nil
	return errors.Join(errs...)
}
