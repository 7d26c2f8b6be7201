/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package scheduler implements the single-threaded, cooperative event
// loop the whole daemon runs on top of: a min-heap of timeouts tagged
// with a delay class for jittered spacing, plus nonblocking
// file-descriptor readiness handlers. There is no preemption -- every
// callback runs to completion, and the only suspension available to
// application code is scheduling a future timeout and returning.
package scheduler

import (
	"container/heap"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// EventID identifies a scheduled timeout so it can be cancelled later.
// Callbacks never capture a raw pointer into caller state; they close
// over whatever index/id the caller needs, same as the registry
// indirection used for SourceStatsHandle in the source package.
type EventID uint64

// Class groups timeouts that should be spaced apart from one another
// (e.g. NtpSampling, NtpBroadcast) so that bursty transmits to many
// sources don't all land on the wire at once.
type Class uint8

// Built-in delay classes.
const (
	ClassNone Class = iota
	ClassNtpSampling
	ClassNtpBroadcast
)

type timeoutEntry struct {
	id       EventID
	deadline time.Time
	seq      uint64 // insertion order, breaks deadline ties
	cb       func()
	class    Class
	canceled bool
	index    int // heap index, maintained by container/heap
}

type timeoutHeap []*timeoutEntry

func (h timeoutHeap) Len() int { return len(h) }
func (h timeoutHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timeoutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timeoutHeap) Push(x any) {
	e := x.(*timeoutEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Mask is a bitmask of file-descriptor readiness conditions.
type Mask uint8

// Readiness conditions a file handler can be registered for.
const (
	Input Mask = 1 << iota
	Exception
)

type fileHandler struct {
	fd   int
	mask Mask
	cb   func(fd int, mask Mask)
}

// Scheduler is the cooperative single-threaded event loop. All calls,
// including from within a callback, are expected from the goroutine
// running MainLoop; the mutex covers the few entry points reached from
// elsewhere (signal handlers, monitoring).
type Scheduler struct {
	mu sync.Mutex // guards the heap/handlers for callers scheduling from other goroutines (e.g. signal handlers)

	timeouts    timeoutHeap
	byID        map[EventID]*timeoutEntry
	nextID      EventID
	seq         uint64
	classCount  map[Class]int
	lastEventAt time.Time

	handlers map[int]*fileHandler
	poller   Poller

	quit   chan struct{}
	quitCh chan struct{}
	rng    *rand.Rand
}

// Poller abstracts the readiness-multiplexing syscall (select/epoll/
// kqueue) so the scheduler itself stays portable; production code
// supplies a real poller, tests supply a fake one.
type Poller interface {
	// Wait blocks until a registered fd becomes ready or timeout
	// elapses, returning the ready fds and their observed mask.
	Wait(timeout time.Duration, handlers map[int]*fileHandler) (ready []int, masks map[int]Mask, err error)
}

// New creates a Scheduler using poller for file-descriptor readiness.
func New(poller Poller) *Scheduler {
	return &Scheduler{
		byID:       map[EventID]*timeoutEntry{},
		classCount: map[Class]int{},
		handlers:   map[int]*fileHandler{},
		poller:     poller,
		quit:       make(chan struct{}),
		quitCh:     make(chan struct{}),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddFileHandler registers cb to run whenever fd becomes ready per mask.
func (s *Scheduler) AddFileHandler(fd int, mask Mask, cb func(fd int, mask Mask)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[fd] = &fileHandler{fd: fd, mask: mask, cb: cb}
}

// RemoveFileHandler unregisters fd. Idempotent.
func (s *Scheduler) RemoveFileHandler(fd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, fd)
}

// AddTimeoutByDelay schedules cb to run approximately d from now.
func (s *Scheduler) AddTimeoutByDelay(d time.Duration, cb func()) EventID {
	return s.schedule(d, ClassNone, cb)
}

// AddTimeoutInClass schedules cb no earlier than d, pushed back by
// separation for each event of class still pending; the effective delay
// is d + separation*pending + randomness*U(0,1) seconds, where pending counts the
// class's not-yet-fired events, so bursty timers to many sources get
// spread out instead of landing on the wire together.
func (s *Scheduler) AddTimeoutInClass(d, separation time.Duration, randomness float64, class Class, cb func()) EventID {
	s.mu.Lock()
	count := s.classCount[class]
	jitter := time.Duration(randomness * s.rng.Float64() * float64(time.Second))
	s.mu.Unlock()

	effective := d + time.Duration(count)*separation + jitter
	return s.schedule(effective, class, cb)
}

func (s *Scheduler) schedule(d time.Duration, class Class, cb func()) EventID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.seq++
	e := &timeoutEntry{
		id:       s.nextID,
		deadline: time.Now().Add(d),
		seq:      s.seq,
		cb:       cb,
		class:    class,
	}
	heap.Push(&s.timeouts, e)
	s.byID[e.id] = e
	if class != ClassNone {
		s.classCount[class]++
	}
	return e.id
}

// RemoveTimeout cancels a pending timeout. O(log N), always safe and
// idempotent -- calling it on an already-fired or unknown id is a no-op.
func (s *Scheduler) RemoveTimeout(id EventID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok || e.canceled {
		return
	}
	e.canceled = true
	if e.class != ClassNone {
		s.classCount[e.class]--
	}
	delete(s.byID, id)
}

// PendingTimeouts reports how many timeouts are queued, for the
// monitoring surface.
func (s *Scheduler) PendingTimeouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.timeouts {
		if !e.canceled {
			n++
		}
	}
	return n
}

// LastEventTime returns the instant at which the most recently started
// handler began running.
func (s *Scheduler) LastEventTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventAt
}

// QuitProgram signals MainLoop to return after the current callback, if
// any, finishes.
func (s *Scheduler) QuitProgram() {
	select {
	case <-s.quit:
		// already closed
	default:
		close(s.quit)
	}
}

func (s *Scheduler) nextDeadline() (*timeoutEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.timeouts.Len() > 0 {
		e := s.timeouts[0]
		if e.canceled {
			heap.Pop(&s.timeouts)
			continue
		}
		return e, true
	}
	return nil, false
}

func (s *Scheduler) popDue(now time.Time) []*timeoutEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*timeoutEntry
	for s.timeouts.Len() > 0 {
		e := s.timeouts[0]
		if e.canceled {
			heap.Pop(&s.timeouts)
			continue
		}
		if e.deadline.After(now) {
			break
		}
		heap.Pop(&s.timeouts)
		delete(s.byID, e.id)
		if e.class != ClassNone {
			s.classCount[e.class]--
		}
		due = append(due, e)
	}
	return due
}

// MainLoop runs until QuitProgram is called. Callbacks run to
// completion without preemption; timeouts whose deadlines pass while a
// handler runs are processed afterwards in deadline order (insertion
// order breaks ties).
func (s *Scheduler) MainLoop() {
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		next, ok := s.nextDeadline()
		var waitFor time.Duration
		if ok {
			waitFor = time.Until(next.deadline)
			if waitFor < 0 {
				waitFor = 0
			}
		} else {
			waitFor = 100 * time.Millisecond
		}

		s.mu.Lock()
		handlersCopy := make(map[int]*fileHandler, len(s.handlers))
		for k, v := range s.handlers {
			handlersCopy[k] = v
		}
		s.mu.Unlock()

		var ready []int
		var masks map[int]Mask
		var err error
		if s.poller != nil && len(handlersCopy) > 0 {
			ready, masks, err = s.poller.Wait(waitFor, handlersCopy)
			if err != nil {
				log.Debugf("scheduler: poller wait: %v", err)
			}
		} else {
			time.Sleep(waitFor)
		}

		for _, fd := range ready {
			h, ok := handlersCopy[fd]
			if !ok {
				continue
			}
			s.runCallback(func() { h.cb(fd, masks[fd]) })
		}

		for _, e := range s.popDue(time.Now()) {
			cb := e.cb
			s.runCallback(cb)
		}
	}
}

func (s *Scheduler) runCallback(cb func()) {
	s.mu.Lock()
	s.lastEventAt = time.Now()
	s.mu.Unlock()
	cb()
}
