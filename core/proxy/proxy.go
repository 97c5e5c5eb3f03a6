package proxy

import (
	"fmt"
	"sync"

	"github.com/sandvfs/sandvfs/core/codes"
	"github.com/sandvfs/sandvfs/core/storage"
	"github.com/sandvfs/sandvfs/internal/logging"
)

// Backpressure selects what happens when a command arrives for a
// descriptor that already has one in flight.
type Backpressure int

const (
	// QueueCommands enqueues the command FIFO behind the in-flight one.
	// This is the default: it preserves per-descriptor ordering.
	QueueCommands Backpressure = iota
	// RejectBusy fails the submission immediately with Busy.
	RejectBusy
)

// Options configure a Proxy.
type Options struct {
	// Backpressure is the policy for commands on a busy descriptor.
	Backpressure Backpressure
	// QueueDepth is the intake channel capacity. Zero means the default.
	QueueDepth int
}

const defaultQueueDepth = 32

// submission pairs a command with the cell its result is posted to.
type submission struct {
	cmd  Command
	resp chan<- Result
}

// Proxy runs the I/O loop. The loop goroutine is the sole owner of the
// confined storage backend and of the descriptor-to-handle table; no
// other goroutine touches either.
type Proxy struct {
	backend *storage.Backend
	opts    Options

	mu       sync.Mutex
	running  bool
	intake   chan submission
	inflight map[int32]int // submitted but not yet completed, per fd
	done     chan struct{}

	// submitters counts accepted submissions not yet handed to the
	// loop. Shutdown waits for it before closing intake, so a send on
	// a closed channel cannot happen.
	submitters sync.WaitGroup

	// handles is owned exclusively by the loop goroutine.
	handles map[int32]*storage.Handle
}

// New creates a proxy over the backend and starts its I/O loop.
func New(backend *storage.Backend, opts Options) *Proxy {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	p := &Proxy{
		backend:  backend,
		opts:     opts,
		inflight: make(map[int32]int),
		handles:  make(map[int32]*storage.Handle),
	}
	p.start()
	return p
}

func (p *Proxy) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.intake = make(chan submission, p.opts.QueueDepth)
	p.done = make(chan struct{})
	p.running = true
	go p.loop(p.intake, p.done)
}

// loop is the I/O context: it confines the backend to itself, executes
// commands in submission order, and posts each result exactly once.
func (p *Proxy) loop(intake <-chan submission, done chan<- struct{}) {
	p.backend.Confine()
	defer func() {
		for fd, h := range p.handles {
			if err := h.Close(); err != nil {
				logging.Warn("proxy: closing leftover handle", "fd", fd, "error", err)
			}
			delete(p.handles, fd)
		}
		p.backend.Unconfine()
		close(done)
	}()

	for sub := range intake {
		res := p.execute(sub.cmd)

		p.mu.Lock()
		p.inflight[sub.cmd.FD]--
		if p.inflight[sub.cmd.FD] <= 0 {
			delete(p.inflight, sub.cmd.FD)
		}
		p.mu.Unlock()

		// A requester that timed out is no longer draining the cell;
		// never block the loop on delivery. The stale result is simply
		// discarded: at-most-once from the requester's perspective.
		select {
		case sub.resp <- res:
		default:
			logging.Debug("proxy: result dropped after abandoned wait",
				"op", sub.cmd.Op.String(), "fd", sub.cmd.FD)
		}
	}
}

// submit hands a command to the I/O loop. Called by Client only.
func (p *Proxy) submit(cmd Command, resp chan<- Result) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return codes.New(codes.Misuse, cmd.Op.String(), cmd.Path, fmt.Errorf("proxy not running"))
	}
	if p.opts.Backpressure == RejectBusy && p.inflight[cmd.FD] > 0 {
		p.mu.Unlock()
		return codes.New(codes.Busy, cmd.Op.String(), cmd.Path, fmt.Errorf("descriptor %d busy", cmd.FD))
	}
	p.inflight[cmd.FD]++
	p.submitters.Add(1)
	intake := p.intake
	p.mu.Unlock()

	intake <- submission{cmd: cmd, resp: resp}
	p.submitters.Done()
	return nil
}

// beforeExecute is a function variable to allow tests to delay the I/O
// loop and exercise timeout/backpressure paths.
var beforeExecute = func(Command) {}

// execute runs one command against the backend. Runs on the loop
// goroutine only.
func (p *Proxy) execute(cmd Command) Result {
	beforeExecute(cmd)
	res := Result{ID: cmd.ID}

	switch cmd.Op {
	case OpOpen:
		if _, ok := p.handles[cmd.FD]; ok {
			res.Err = codes.New(codes.Misuse, "open", cmd.Path, fmt.Errorf("descriptor %d already open", cmd.FD))
			return res
		}
		h, err := p.backend.Open(cmd.Path, cmd.Flags)
		if err != nil {
			res.Err = err
			return res
		}
		p.handles[cmd.FD] = h

	case OpRead:
		h, err := p.handle(cmd)
		if err != nil {
			res.Err = err
			return res
		}
		buf := make([]byte, cmd.Length)
		n, err := h.ReadAt(buf, cmd.Offset)
		res.N = int64(n)
		res.Payload = buf[:n]
		res.Err = err

	case OpWrite:
		h, err := p.handle(cmd)
		if err != nil {
			res.Err = err
			return res
		}
		n, err := h.WriteAt(cmd.Payload, cmd.Offset)
		res.N = int64(n)
		res.Err = err

	case OpTruncate:
		h, err := p.handle(cmd)
		if err != nil {
			res.Err = err
			return res
		}
		res.Err = h.Truncate(cmd.Length)

	case OpSync:
		h, err := p.handle(cmd)
		if err != nil {
			res.Err = err
			return res
		}
		res.Err = h.Flush()

	case OpSize:
		h, err := p.handle(cmd)
		if err != nil {
			res.Err = err
			return res
		}
		size, err := h.Size()
		res.N = size
		res.Err = err

	case OpClose:
		h, err := p.handle(cmd)
		if err != nil {
			res.Err = err
			return res
		}
		delete(p.handles, cmd.FD)
		res.Err = h.Close()

	case OpDelete:
		deleted, err := p.backend.Unlink(cmd.Path, cmd.Recursive)
		if deleted {
			res.N = 1
		}
		res.Err = err

	case OpExists:
		exists, err := p.backend.Exists(cmd.Path)
		if exists {
			res.N = 1
		}
		res.Err = err

	default:
		res.Err = codes.New(codes.Misuse, "execute", "", fmt.Errorf("unknown opcode %d", cmd.Op))
	}
	return res
}

func (p *Proxy) handle(cmd Command) (*storage.Handle, error) {
	h, ok := p.handles[cmd.FD]
	if !ok {
		return nil, codes.New(codes.Misuse, cmd.Op.String(), cmd.Path, fmt.Errorf("descriptor %d not open", cmd.FD))
	}
	return h, nil
}

// Shutdown stops accepting commands, drains everything already
// submitted, waits for the loop to halt, and closes leftover handles.
func (p *Proxy) Shutdown() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	intake := p.intake
	done := p.done
	p.mu.Unlock()

	// Submissions accepted before running went false may still be on
	// their way into the channel. Let them land, then close.
	p.submitters.Wait()
	close(intake)
	<-done
	logging.Debug("proxy: shut down")
}

// Restart reinitializes the command channel and resumes accepting
// commands. A no-op while the proxy is running.
func (p *Proxy) Restart() {
	p.start()
}

// Running reports whether the proxy is accepting commands.
func (p *Proxy) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
