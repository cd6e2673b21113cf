package opengse

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

const (
	defaultConcurrency  = 256
	defaultPollEvents   = 256
	defaultSoftLimit    = 16 * 1024
	defaultWriteTimeout = 30 * time.Second
)

// ReactorConfig configures a Reactor. The zero value is usable.
type ReactorConfig struct {
	// Workers is the maximum number of worker goroutines. Default 256.
	Workers int
	// MaxIdleWorkerDuration stops workers idle for longer. Default 10s.
	MaxIdleWorkerDuration time.Duration
	// WriteBufferSoftLimit is the per-connection output size above which
	// producers should flush. Default 16KiB.
	WriteBufferSoftLimit int
	// WriteTimeout bounds a blocking-mode flush. Default 30s.
	WriteTimeout time.Duration
	Logger       *zerolog.Logger
}

// Scheduler runs deadlines and background tasks.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) *Timer
	Cancel(t *Timer) bool
	Submit(task func()) bool
}

// Reactor multiplexes sockets and timers on one goroutine and hands
// application work to its worker pool.
//
// The goroutine calling Run only detects readiness, fires timers and
// enqueues continuations; it never runs handlers.
type Reactor struct {
	cfg    ReactorConfig
	logger *zerolog.Logger

	poller poller
	timers timerQueue
	conns  *xsync.MapOf[int, *Conn]
	pool   *workerPool

	connID  atomic.Uint64
	running atomic.Bool
	stop    atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// NewReactor creates a reactor and starts its worker pool.
func NewReactor(cfg ReactorConfig) (*Reactor, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	r := &Reactor{
		cfg:    cfg,
		logger: loggerOrDefault(cfg.Logger),
		poller: p,
		conns:  xsync.NewMapOf[int, *Conn](xsync.WithPresize(1024)),
		done:   make(chan struct{}),
	}
	r.pool = &workerPool{
		MaxWorkersCount:       cfg.Workers,
		MaxIdleWorkerDuration: cfg.MaxIdleWorkerDuration,
		Logger:                r.logger,
	}
	r.pool.Start()
	return r, nil
}

func (r *Reactor) softLimit() int {
	if r.cfg.WriteBufferSoftLimit <= 0 {
		return defaultSoftLimit
	}
	return r.cfg.WriteBufferSoftLimit
}

func (r *Reactor) writeTimeout() time.Duration {
	if r.cfg.WriteTimeout <= 0 {
		return defaultWriteTimeout
	}
	return r.cfg.WriteTimeout
}

// Register takes ownership of the non-blocking socket fd and arms it for
// interest. Readiness without a pending continuation is delivered to cb.
func (r *Reactor) Register(fd int, cb ConnCallback, interest Interest) (*Conn, error) {
	if r.stop.Load() {
		return nil, ErrReactorClosed
	}
	c := newConn(r, fd, cb)
	r.conns.Store(fd, c)
	if err := r.poller.add(fd, interest); err != nil {
		r.conns.Delete(fd)
		c.release()
		return nil, err
	}
	return c, nil
}

// NumConns returns the number of registered connections.
func (r *Reactor) NumConns() int {
	return r.conns.Size()
}

// Submit hands task to the worker pool.
func (r *Reactor) Submit(task func()) bool {
	return r.pool.Serve(task)
}

// Schedule arranges for fn to run on the reactor goroutine after d.
// fn must not block.
func (r *Reactor) Schedule(d time.Duration, fn func()) *Timer {
	return r.schedule(d, fn, nil)
}

func (r *Reactor) schedule(d time.Duration, fn func(), c *Conn) *Timer {
	t, first := r.timers.push(absoluteNano()+int64(d), fn, c)
	if first && r.running.Load() {
		if err := r.poller.wake(); err != nil {
			r.logger.Warn().Err(err).Msg("cannot wake reactor")
		}
	}
	return t
}

// Cancel removes t. Cancelling a fired or cancelled timer reports false.
func (r *Reactor) Cancel(t *Timer) bool {
	return r.timers.remove(t)
}

// Run blocks the calling goroutine, dispatching readiness and timers until
// Shutdown is called.
func (r *Reactor) Run() error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.Wrap(ErrIllegalState, "reactor already running")
	}
	defer close(r.done)
	events := make([]pollEvent, defaultPollEvents)
	var expired []*Timer
	for !r.stop.Load() {
		wait := -1
		if when, ok := r.timers.next(); ok {
			wait = untilMillis(when, absoluteNano())
		}
		n, err := r.poller.wait(events, wait)
		if err != nil {
			r.logger.Error().Err(err).Msg("reactor poll failed")
			r.closeAll()
			return err
		}
		for i := 0; i < n; i++ {
			if c, ok := r.conns.Load(events[i].fd); ok {
				r.dispatch(c, events[i].ev)
			}
		}
		expired = r.timers.popExpired(expired[:0], absoluteNano())
		for i, t := range expired {
			r.fire(t)
			expired[i] = nil
		}
	}
	r.closeAll()
	return nil
}

func (r *Reactor) dispatch(c *Conn, ev Interest) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Uint64("conn", c.id).Msg("readiness callback panicked")
			c.Close(errors.Errorf("readiness callback panicked: %v", p))
		}
	}()
	if err := c.ready(ev); err != nil {
		r.logger.Warn().Err(err).Uint64("conn", c.id).Msg("closing connection")
		c.Close(err)
	}
}

func (r *Reactor) fire(t *Timer) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("timer callback panicked")
			if t.conn != nil {
				t.conn.Close(errors.Errorf("timer callback panicked: %v", p))
			}
		}
	}()
	t.fn()
}

// Shutdown stops Run, closes every connection and stops the worker pool.
// It is safe to call more than once.
func (r *Reactor) Shutdown() {
	r.once.Do(func() {
		r.stop.Store(true)
		if r.running.Load() {
			_ = r.poller.wake()
			<-r.done
		} else {
			r.closeAll()
		}
		r.pool.Stop()
		if err := r.poller.close(); err != nil {
			r.logger.Warn().Err(err).Msg("closing poller")
		}
	})
}

// Done is closed when Run returns.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

func (r *Reactor) closeAll() {
	r.conns.Range(func(_ int, c *Conn) bool {
		c.Close(ErrReactorClosed)
		return true
	})
}

// forget drops c from the registry and the poller. Called once per conn.
func (r *Reactor) forget(c *Conn) {
	r.conns.Delete(c.fd)
	if err := r.poller.remove(c.fd); err != nil && !r.stop.Load() {
		r.logger.Debug().Err(err).Uint64("conn", c.id).Msg("poller remove")
	}
}
