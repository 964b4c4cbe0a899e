// persister.go: asynchronous file persister (consumer side)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package stream

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// persister owns the output file descriptor and the single consumer
// goroutine that drains the forward channel, PID-frames every chunk,
// and issues one write(2) per chunk (spec.md §4.3). It never touches
// BufferSlot contents concurrently with the Writer: ownership of a slot
// transfers atomically through the SPSC queue (spec.md §3).
type persister struct {
	cfg  WriterConfig
	pid  uint32
	file *os.File // nil when cfg.Output is used instead of a path
	sink WriteCloser

	queue *spscQueue
	owner *Writer

	wg      sync.WaitGroup
	stopMu  sync.Mutex
	stopCh  chan struct{}
	running atomic.Bool
	handled atomic.Uint64 // forward entries fully handled; waitDrain compares it to the ring's tail

	verbose atomic.Bool

	lastErr atomic.Pointer[error]
}

// newPersister opens (or adopts) the output sink with retry. A fresh
// (truncating) open takes an advisory exclusive lock, refusing a second
// unrelated process racing to start a new recording against the same
// path (the teacher's single-writer-per-file assumption). An append-mode
// open skips the lock: append mode is exactly the ChildIndependent fork
// case from spec.md §4.3/§9, where more than one process is meant to
// append PID-framed data to the same trace concurrently, each one's
// O_APPEND giving it an atomically-positioned write(2) without needing
// mutual exclusion.
func newPersister(cfg WriterConfig) (*persister, error) {
	p := &persister{
		cfg:    cfg,
		pid:    currentPID(),
		stopCh: make(chan struct{}),
	}
	p.verbose.Store(cfg.Verbose)

	if cfg.Output != nil {
		p.sink = cfg.Output
		return p, nil
	}

	if err := p.openPath(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *persister) openPath() error {
	dir := filepath.Dir(p.cfg.Path)
	if dir != "." {
		if err := RetryFileOperation(func() error {
			return os.MkdirAll(dir, 0750)
		}, p.cfg.RetryCount, p.cfg.RetryDelay); err != nil {
			return fmt.Errorf("%w: create directory %q: %v", ErrIO, dir, err)
		}
	}

	// O_APPEND in both modes, so that after a fork the parent's and the
	// child's frames each land at end-of-file instead of overwriting.
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if !p.cfg.Append {
		flags |= os.O_TRUNC
	}

	var file *os.File
	if err := RetryFileOperation(func() error {
		var err error
		file, err = os.OpenFile(p.cfg.Path, flags, p.cfg.FileMode)
		return err
	}, p.cfg.RetryCount, p.cfg.RetryDelay); err != nil {
		return fmt.Errorf("%w: open %q: %v", ErrIO, p.cfg.Path, err)
	}

	if !p.cfg.Append {
		if err := lockExclusive(file); err != nil {
			_ = file.Close()
			return err
		}
	}

	if !p.cfg.Append && len(p.cfg.Preamble) > 0 {
		if _, err := file.Write(p.cfg.Preamble); err != nil {
			_ = file.Close()
			return fmt.Errorf("%w: write preamble: %v", ErrIO, err)
		}
	}

	p.file = file
	p.sink = file
	return nil
}

func (p *persister) attach(q *spscQueue) { p.queue = q }

func (p *persister) setVerbose(v bool) { p.verbose.Store(v) }

// start launches the consumer goroutine.
func (p *persister) start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.stopMu.Lock()
	stop := p.stopCh
	p.stopMu.Unlock()
	p.wg.Add(1)
	go p.run(stop)
}

// run is the persister's single consumer loop (spec.md §4.3): it blocks
// on the forward channel being non-empty and on write(2). It stops only
// when stopCh (captured once per run, fixed for this goroutine's
// lifetime) is closed by drain(), after flushing everything queued so
// far.
func (p *persister) run(stop <-chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-stop:
			p.drainPending()
			return
		default:
		}

		entry, ok := p.queue.popForward()
		if !ok {
			select {
			case <-stop:
				p.drainPending()
				return
			case <-time.After(time.Microsecond * 50):
			}
			continue
		}
		p.handle(entry)
	}
}

// drainPending flushes every entry currently queued, without blocking
// for new ones — used by drain() before it stops the consumer goroutine.
func (p *persister) drainPending() {
	for {
		entry, ok := p.queue.popForward()
		if !ok {
			return
		}
		p.handle(entry)
	}
}

func (p *persister) handle(entry queueEntry) {
	defer p.handled.Add(1)
	switch entry.kind {
	case entryFilledSlot:
		p.writeChunked(entry.slot.bytes()[:entry.used])
		p.queue.returnSlot(entry.slot)
		if p.owner != nil {
			p.owner.inflightDecrement(int64(entry.used))
		}
	case entryOversized:
		p.writeChunked(entry.oversized)
		if p.owner != nil {
			p.owner.inflightDecrement(int64(len(entry.oversized)))
		}
	case entryHeartbeat:
		p.writeChunked(entry.heartbeat)
	case entryShutdown:
		// No payload; run() exits via stopCh instead.
	}
}

// framePool recycles the byte slices writeChunked composes each PID
// frame into. It is a package-level pool shared by every persister in
// the process; sync.Pool is safe for that concurrent use.
var framePool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 0, maxPidFrameChunk+pidFrameHeaderSize)
		return &buf
	},
}

// writeChunked splits data into PID frames no larger than
// maxPidFrameChunk and issues exactly one write(2) per chunk, each
// prefixed with <pid:u32 LE><length:u16 LE> (spec.md §4.3, §6).
func (p *persister) writeChunked(data []byte) {
	for _, chunk := range pidFrameChunks(data) {
		framePtr := framePool.Get().(*[]byte)
		frame := (*framePtr)[:0]

		var hdr [pidFrameHeaderSize]byte
		putPidFrameHeader(hdr[:], p.pid, uint16(len(chunk)))
		frame = append(frame, hdr[:]...)
		frame = append(frame, chunk...)

		if err := p.writeAll(frame); err != nil {
			p.reportError("write", err)
		}

		*framePtr = frame
		framePool.Put(framePtr)
	}
}

func (p *persister) writeAll(frame []byte) error {
	for len(frame) > 0 {
		n, err := p.sink.Write(frame)
		if err != nil {
			return err
		}
		frame = frame[n:]
	}
	return nil
}

func (p *persister) reportError(op string, err error) {
	wrapped := fmt.Errorf("%w: %s: %v", ErrIO, op, err)
	p.lastErr.Store(&wrapped)
	if p.cfg.ErrorCallback != nil {
		p.cfg.ErrorCallback(op, wrapped)
	}
}

// waitDrain blocks until the consumer goroutine has finished handling
// every entry pushed onto the forward channel so far, without stopping
// that goroutine. It returns at once if the consumer is not running.
func (p *persister) waitDrain() error {
	for p.running.Load() && p.handled.Load() < p.queue.forward.tail.Load() {
		time.Sleep(time.Microsecond * 50)
	}
	if last := p.lastErr.Load(); last != nil {
		return *last
	}
	return nil
}

// drain stops the consumer thread cleanly after finishing any in-flight
// write(2), per spec.md §4.3/§5's fork discipline: flush(); drain();
// fork(); resume().
func (p *persister) drain() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.stopMu.Lock()
	close(p.stopCh)
	p.stopMu.Unlock()
	p.wg.Wait()
}

// resume restarts the consumer thread with a fresh stop channel, the
// other half of the fork sandwich flush(); drain(); fork(); resume().
func (p *persister) resume() {
	p.stopMu.Lock()
	p.stopCh = make(chan struct{})
	p.stopMu.Unlock()
	p.start()
}

// stop performs final shutdown: drains remaining entries, fsyncs and
// closes the file. Idempotent via the caller's sync.Once (Writer.Close).
func (p *persister) stop() error {
	p.drain()
	if p.file != nil {
		if err := p.file.Sync(); err != nil {
			p.reportError("sync", err)
		}
		if err := unlockExclusive(p.file); err != nil {
			p.reportError("unlock", err)
		}
		return p.file.Close()
	}
	if p.sink != nil {
		return p.sink.Close()
	}
	return nil
}
