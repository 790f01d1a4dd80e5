package scheduler

import (
	"container/heap"
	"log"
	"sync"
	"time"
)

// Ticker is the piece of the reconciler the scheduler drives. Tick returns
// the next time the spec is due and true, or false when the spec must not be
// rescheduled.
type Ticker interface {
	Tick(id string, now time.Time) (time.Time, bool)
}

// item is one pending tick in the queue.
type item struct {
	id string
	at time.Time
}

// tickHeap is a min-heap of items ordered by due time.
type tickHeap []item

func (h tickHeap) Len() int            { return len(h) }
func (h tickHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h tickHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *tickHeap) Push(x interface{}) { *h = append(*h, x.(item)) }
func (h *tickHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Scheduler drives a Ticker from a work queue ordered by next-eligible time.
// A single loop pops due items and dispatches them to a bounded worker pool;
// the loop itself never blocks on a tick. A spec is rescheduled only from
// the time its tick returns, so ticks for one spec are strictly sequential.
type Scheduler struct {
	ticker  Ticker
	workers int

	mu    sync.Mutex
	queue tickHeap

	wake chan struct{}
	stop chan struct{}
	sem  chan struct{}
	wg   sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewScheduler creates a Scheduler dispatching to at most workers
// concurrent ticks.
func NewScheduler(ticker Ticker, workers int) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		ticker:  ticker,
		workers: workers,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		sem:     make(chan struct{}, workers),
	}
}

// Schedule queues a tick for id at the given time. Scheduling an
// unregistered id is harmless: its tick returns false and the entry is
// dropped.
func (s *Scheduler) Schedule(id string, at time.Time) {
	s.mu.Lock()
	heap.Push(&s.queue, item{id: id, at: at})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the scheduling loop. It returns immediately.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
		log.Printf("Scheduler started with %d worker(s)", s.workers)
	})
}

// Stop halts the loop and waits for in-flight ticks to finish. Ticks that
// complete during shutdown are not rescheduled.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	log.Println("Scheduler stopped.")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		var wait time.Duration
		now := time.Now()
		switch {
		case len(s.queue) == 0:
			wait = -1 // sleep until woken
		case !s.queue[0].at.After(now):
			it := heap.Pop(&s.queue).(item)
			s.mu.Unlock()
			if !s.dispatch(it.id) {
				return
			}
			continue
		default:
			wait = s.queue[0].at.Sub(now)
		}
		s.mu.Unlock()

		if wait < 0 {
			select {
			case <-s.wake:
			case <-s.stop:
				return
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

// dispatch hands one due item to a worker, blocking only on the worker
// bound. It returns false when the scheduler is stopping.
func (s *Scheduler) dispatch(id string) bool {
	select {
	case s.sem <- struct{}{}:
	case <-s.stop:
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()

		next, ok := s.ticker.Tick(id, time.Now())
		if !ok {
			return
		}
		select {
		case <-s.stop:
		default:
			s.Schedule(id, next)
		}
	}()
	return true
}
