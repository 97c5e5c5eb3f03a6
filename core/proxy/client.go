package proxy

import (
	"time"

	"github.com/google/uuid"

	"github.com/sandvfs/sandvfs/core/codes"
)

// DefaultTimeout bounds how long a requester blocks on the result cell.
const DefaultTimeout = 10 * time.Second

// resultWindow sizes the shared result cell. More than one slot so a
// result landing just after an abandoned wait can never wedge delivery
// of the next command's result.
const resultWindow = 8

// Client is the requester side of the command channel. It serializes
// its own submissions (strict request/response, never pipelined) and
// blocks on a shared, reusable result cell until the proxy posts the
// matching result or the deadline elapses.
//
// A timeout is an ambiguous outcome: the I/O context still completes
// the command and its side effect may land, but the result is discarded
// and never applied to caller state.
type Client struct {
	proxy   *Proxy
	timeout time.Duration

	mu   chan struct{} // binary semaphore serializing Do
	resp chan Result
}

// NewClient creates a client with the given wait deadline. A zero
// timeout means DefaultTimeout.
func (p *Proxy) NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		proxy:   p,
		timeout: timeout,
		mu:      make(chan struct{}, 1),
		resp:    make(chan Result, resultWindow),
	}
	c.mu <- struct{}{}
	return c
}

// Do submits one command and blocks until its result arrives or the
// deadline elapses. Results from previously abandoned waits are
// discarded by request-id match.
func (c *Client) Do(cmd Command) (Result, error) {
	<-c.mu
	defer func() { c.mu <- struct{}{} }()

	// Drop any stale results left by earlier timed-out commands.
	for {
		select {
		case <-c.resp:
			continue
		default:
		}
		break
	}

	cmd.ID = uuid.New()
	if err := c.proxy.submit(cmd, c.resp); err != nil {
		return Result{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	for {
		select {
		case res := <-c.resp:
			if res.ID != cmd.ID {
				// Stale result from an abandoned wait.
				continue
			}
			if res.Err != nil {
				return res, res.Err
			}
			return res, nil
		case <-timer.C:
			return Result{}, codes.New(codes.IOTimeout, cmd.Op.String(), cmd.Path, nil)
		}
	}
}
