/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/jtolds/gls"
)

// partition is one worker-thread's single-goroutine event queue. Every
// Volume is statically assigned to exactly one partition (a hash of its
// identity), and the processor's asynchronous operations on that Volume
// run as events dequeued here. The synchronous Volume methods run on the
// caller's goroutine; what serializes a Volume's state transitions is its
// mutex, not the partition.
type partition struct {
	id     int
	events chan func()
	stop   chan struct{}
}

// Scheduler owns a fixed pool of partitions plus timer-driven delayed
// events (VC lock-retry backoff).
type Scheduler struct {
	partitions []*partition
	wg         sync.WaitGroup

	mu     sync.Mutex
	timers []*time.Timer
}

// NewScheduler starts n worker partitions.
func NewScheduler(n int) *Scheduler {
	if n < 1 {
		n = 1
	}
	s := &Scheduler{partitions: make([]*partition, n)}
	for i := 0; i < n; i++ {
		p := &partition{id: i, events: make(chan func(), 1024), stop: make(chan struct{})}
		s.partitions[i] = p
		s.wg.Add(1)
		gls.Go(func(p *partition) func() {
			return func() {
				defer s.wg.Done()
				for {
					select {
					case ev := <-p.events:
						ev()
					case <-p.stop:
						// drain before exiting
						for {
							select {
							case ev := <-p.events:
								ev()
							default:
								return
							}
						}
					}
				}
			}
		}(p))
	}
	return s
}

// PartitionFor hashes identity (a Volume's UUID string form, typically)
// onto one of the scheduler's worker partitions.
func (s *Scheduler) PartitionFor(identity string) int {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return int(h.Sum32()) % len(s.partitions)
}

// Schedule enqueues fn to run on the given partition. Schedule itself
// always appends a fresh closure, so scheduling the same work twice runs
// it twice; the `reenable(vio)` "already scheduled -> no-op" dedup is
// carried by the VC's own `scheduled` flag rather than the scheduler.
func (s *Scheduler) Schedule(partitionIdx int, fn func()) {
	s.partitions[partitionIdx%len(s.partitions)].events <- fn
}

// ScheduleAfter enqueues fn to run on the given partition after d, used
// for Volume-lock retry backoff.
func (s *Scheduler) ScheduleAfter(partitionIdx int, d time.Duration, fn func()) {
	t := time.AfterFunc(d, func() {
		s.Schedule(partitionIdx, fn)
	})
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()
}

// Shutdown stops every partition after draining its queue.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.mu.Unlock()
	for _, p := range s.partitions {
		close(p.stop)
	}
	s.wg.Wait()
}
