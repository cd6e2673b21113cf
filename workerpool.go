package opengse

import (
	"runtime"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
)

// workerPool runs reactor hand-offs and continuations on a bounded set of
// goroutines in FILO order, i.e. the most recently released worker takes the
// next task.
//
// Unlike a connection pool, a task can never be rejected because of load:
// a continuation that is dropped would leave its connection suspended
// forever. Tasks submitted while every worker is busy wait in a FIFO backlog
// which released workers drain before going idle.
type workerPool struct {
	MaxWorkersCount int
	// Idle workers are stopped after this duration. Default 10s.
	MaxIdleWorkerDuration time.Duration
	Logger                *zerolog.Logger

	// protects every field below
	lock         sync.Mutex
	workersCount int
	mustStop     bool
	ready        []*workerChan
	backlog      *queue.Queue

	stopCh         chan struct{}
	workerChanPool sync.Pool
}

type workerChan struct {
	lastUseTime time.Time
	ch          chan func()
}

func (wp *workerPool) Start() {
	if wp.stopCh != nil {
		return
	}
	wp.stopCh = make(chan struct{})
	stopCh := wp.stopCh
	wp.backlog = queue.New()
	wp.workerChanPool.New = func() any {
		return &workerChan{
			ch: make(chan func(), workerChanCap),
		}
	}
	go func() {
		var scratch []*workerChan
		for {
			wp.clean(&scratch)
			select {
			case <-stopCh:
				return
			default:
				time.Sleep(wp.getMaxIdleWorkerDuration())
			}
		}
	}()
}

// Stop releases idle workers. Busy workers finish their task and the
// backlog, then exit.
func (wp *workerPool) Stop() {
	if wp.stopCh == nil {
		return
	}
	close(wp.stopCh)
	wp.stopCh = nil

	wp.lock.Lock()
	ready := wp.ready
	for i := range ready {
		ready[i].ch <- nil
		ready[i] = nil
	}
	wp.ready = ready[:0]
	wp.mustStop = true
	wp.lock.Unlock()
}

func (wp *workerPool) getMaxIdleWorkerDuration() time.Duration {
	if wp.MaxIdleWorkerDuration <= 0 {
		return 10 * time.Second
	}
	return wp.MaxIdleWorkerDuration
}

func (wp *workerPool) getMaxWorkersCount() int {
	if wp.MaxWorkersCount <= 0 {
		return defaultConcurrency
	}
	return wp.MaxWorkersCount
}

func (wp *workerPool) clean(scratch *[]*workerChan) {
	maxIdleWorkerDuration := wp.getMaxIdleWorkerDuration()

	// Clean least recently used workers if they didn't serve tasks
	// for more than maxIdleWorkerDuration.
	criticalTime := time.Now().Add(-maxIdleWorkerDuration)

	wp.lock.Lock()
	ready := wp.ready
	n := len(ready)

	// binary search for the most recently used worker that can be cleaned up
	l, r := 0, n-1
	for l <= r {
		mid := (l + r) / 2
		if criticalTime.After(wp.ready[mid].lastUseTime) {
			l = mid + 1
		} else {
			r = mid - 1
		}
	}
	i := r
	if i == -1 {
		wp.lock.Unlock()
		return
	}

	*scratch = append((*scratch)[:0], ready[:i+1]...)
	m := copy(ready, ready[i+1:])
	for i = m; i < n; i++ {
		ready[i] = nil
	}
	wp.ready = ready[:m]
	wp.lock.Unlock()

	// Notify obsolete workers outside the lock, ch.ch may block.
	tmp := *scratch
	for i := range tmp {
		tmp[i].ch <- nil
		tmp[i] = nil
	}
}

// Serve hands task to a worker. It returns false only after Stop.
func (wp *workerPool) Serve(task func()) bool {
	var ch *workerChan
	createWorker := false

	wp.lock.Lock()
	if wp.mustStop || wp.backlog == nil {
		wp.lock.Unlock()
		return false
	}
	ready := wp.ready
	n := len(ready) - 1
	if n < 0 {
		if wp.workersCount < wp.getMaxWorkersCount() {
			createWorker = true
			wp.workersCount++
		} else {
			wp.backlog.Add(task)
			wp.lock.Unlock()
			return true
		}
	} else {
		ch = ready[n]
		ready[n] = nil
		wp.ready = ready[:n]
	}
	wp.lock.Unlock()

	if createWorker {
		vch := wp.workerChanPool.Get()
		ch = vch.(*workerChan)
		go func() {
			wp.workerFunc(ch)
			wp.workerChanPool.Put(vch)
		}()
	}
	ch.ch <- task
	return true
}

// Pending returns the number of backlogged tasks.
func (wp *workerPool) Pending() int {
	wp.lock.Lock()
	defer wp.lock.Unlock()
	if wp.backlog == nil {
		return 0
	}
	return wp.backlog.Length()
}

var workerChanCap = func() int {
	// Use blocking workerChan if GOMAXPROCS=1.
	if runtime.GOMAXPROCS(0) == 1 {
		return 0
	}
	// Otherwise the reactor must not wait for a busy worker to pick the task up.
	return 1
}()

// release returns the next backlogged task, or parks ch in the ready list.
// ok is false when the worker must exit.
func (wp *workerPool) release(ch *workerChan) (next func(), ok bool) {
	ch.lastUseTime = time.Now()
	wp.lock.Lock()
	defer wp.lock.Unlock()
	if wp.backlog.Length() > 0 {
		return wp.backlog.Remove().(func()), true
	}
	if wp.mustStop {
		return nil, false
	}
	wp.ready = append(wp.ready, ch)
	return nil, true
}

func (wp *workerPool) workerFunc(ch *workerChan) {
	var task func()
	ok := true
	for task = range ch.ch {
		if task == nil {
			break
		}
		for task != nil {
			wp.run(task)
			if task, ok = wp.release(ch); !ok {
				break
			}
		}
		if !ok {
			break
		}
	}

	wp.lock.Lock()
	wp.workersCount--
	wp.lock.Unlock()
}

func (wp *workerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			loggerOrDefault(wp.Logger).Error().Interface("panic", r).Msg("worker task panicked")
		}
	}()
	task()
}
