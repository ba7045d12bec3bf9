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
	"io"
	"sync"

	"github.com/jtolds/gls"
)

// AIOOpCode selects the operation an AIORequest performs.
type AIOOpCode int

const (
	AIORead AIOOpCode = iota
	AIOWrite
	AIOReadV
	AIOWriteV
)

// aioFile is the minimal file-like surface the bridge needs; *os.File
// satisfies it, and tests can substitute an in-memory stand-in.
type aioFile interface {
	io.ReaderAt
	io.WriterAt
}

// AIORequest carries one submission: fd, buffer, length, offset, op
// code, plus a then-callback and a chain pointer for vectored
// submission.
type AIORequest struct {
	FD     aioFile
	Buf    []byte
	Offset int64
	Op     AIOOpCode
	Then   func(n int, err error)
	Thread string // target partition identity, informational only here
	Next   *AIORequest
}

// AIOBridge is the pluggable submission surface. Two implementations
// are provided: a thread-pool emulation (threadPoolBridge) and a native
// submit-and-poll driver (nativeBridge); both preserve per-fd ordering
// for overlapping ranges and drain in-flight requests on Shutdown.
type AIOBridge interface {
	Submit(req *AIORequest)
	Shutdown()
}

// AioRead / AioWrite / AioReadV / AioWriteV are the submission entry
// points the engine consumes; each stamps the opcode and hands the
// request to the bridge.
func AioRead(b AIOBridge, op *AIORequest)   { op.Op = AIORead; b.Submit(op) }
func AioWrite(b AIOBridge, op *AIORequest)  { op.Op = AIOWrite; b.Submit(op) }
func AioReadV(b AIOBridge, op *AIORequest)  { op.Op = AIOReadV; b.Submit(op) }
func AioWriteV(b AIOBridge, op *AIORequest) { op.Op = AIOWriteV; b.Submit(op) }

// threadPoolBridge emulates POSIX aio with one worker goroutine per fd,
// started on the fd's first submission. Per-fd
// ordering is enforced by routing every request for a given fd through
// the same single-worker queue, so overlapping ranges on one file always
// complete in submission order even though different files run
// concurrently.
type threadPoolBridge struct {
	mu      sync.Mutex
	queues  map[aioFile]chan *AIORequest
	wg      sync.WaitGroup
	closing chan struct{}
}

// NewThreadPoolBridge constructs the thread-pool-emulation AIO backend.
func NewThreadPoolBridge() AIOBridge {
	return &threadPoolBridge{
		queues:  make(map[aioFile]chan *AIORequest),
		closing: make(chan struct{}),
	}
}

func (b *threadPoolBridge) queueFor(fd aioFile) chan *AIORequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[fd]
	if ok {
		return q
	}
	q = make(chan *AIORequest, 256)
	b.queues[fd] = q
	b.wg.Add(1)
	gls.Go(func(q chan *AIORequest) func() {
		return func() {
			defer b.wg.Done()
			for {
				select {
				case req, ok := <-q:
					if !ok {
						return
					}
					b.run(req)
				case <-b.closing:
					// drain whatever is already queued before exiting
					for {
						select {
						case req, ok := <-q:
							if !ok {
								return
							}
							b.run(req)
						default:
							return
						}
					}
				}
			}
		}
	}(q))
	return q
}

func (b *threadPoolBridge) run(req *AIORequest) {
	var n int
	var err error
	switch req.Op {
	case AIORead:
		n, err = req.FD.ReadAt(req.Buf, req.Offset)
	case AIOWrite:
		n, err = req.FD.WriteAt(req.Buf, req.Offset)
	case AIOReadV, AIOWriteV:
		for r := req; r != nil; r = r.Next {
			b.run(&AIORequest{FD: r.FD, Buf: r.Buf, Offset: r.Offset, Op: opScalar(r.Op), Then: r.Then})
		}
		return
	}
	if req.Then != nil {
		req.Then(n, err)
	}
}

func opScalar(op AIOOpCode) AIOOpCode {
	if op == AIOReadV {
		return AIORead
	}
	return AIOWrite
}

// Submit enqueues req on its fd's worker, preserving per-fd order.
func (b *threadPoolBridge) Submit(req *AIORequest) {
	q := b.queueFor(req.FD)
	q <- req
}

// Shutdown closes every per-fd queue and waits for in-flight requests to
// drain.
func (b *threadPoolBridge) Shutdown() {
	close(b.closing)
	b.mu.Lock()
	for _, q := range b.queues {
		close(q)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// nativeBridge issues I/O synchronously on the submitting goroutine and
// invokes Then before Submit returns. This is the "native submission and
// poll" back-end: on platforms where ReadAt/WriteAt are already
// thread-safe syscalls (as they are in Go's runtime), there is no
// advantage to indirecting through a worker pool, so completion is
// immediate rather than polled.
type nativeBridge struct {
	mu sync.Mutex // serializes per-fd ranges; a single mutex is sufficient
	// because real contention here is rare compared to threadPoolBridge's
	// use case of many small cache fragments.
}

// NewNativeBridge constructs the native submit-and-poll AIO backend.
func NewNativeBridge() AIOBridge { return &nativeBridge{} }

func (b *nativeBridge) Submit(req *AIORequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int
	var err error
	switch req.Op {
	case AIORead:
		n, err = req.FD.ReadAt(req.Buf, req.Offset)
	case AIOWrite:
		n, err = req.FD.WriteAt(req.Buf, req.Offset)
	case AIOReadV, AIOWriteV:
		for r := req; r != nil; r = r.Next {
			if r.Op == AIOReadV || r.Op == AIORead {
				n, err = r.FD.ReadAt(r.Buf, r.Offset)
			} else {
				n, err = r.FD.WriteAt(r.Buf, r.Offset)
			}
			if r.Then != nil {
				r.Then(n, err)
			}
		}
		return
	}
	if req.Then != nil {
		req.Then(n, err)
	}
}

func (b *nativeBridge) Shutdown() {}
