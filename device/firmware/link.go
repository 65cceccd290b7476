package firmware

import (
	"io"
	"sync"
	"time"
)

// Endpoint is one side of an in-process serial link. It mimics a serial
// port: reads block up to the configured timeout and return (0, nil) when
// nothing arrived, matching the semantics host transports expect.
type Endpoint struct {
	in  <-chan byte
	out chan<- byte

	mu      sync.Mutex
	timeout time.Duration
	closed  chan struct{}
	once    *sync.Once
	peer    *Endpoint
}

// Pipe returns two connected endpoints, one per side of the link.
func Pipe() (*Endpoint, *Endpoint) {
	ab := make(chan byte, 4096)
	ba := make(chan byte, 4096)
	a := &Endpoint{in: ba, out: ab, closed: make(chan struct{}), once: &sync.Once{}}
	b := &Endpoint{in: ab, out: ba, closed: make(chan struct{}), once: &sync.Once{}}
	a.peer, b.peer = b, a
	return a, b
}

// SetReadTimeout bounds how long Read blocks for the first byte. Zero means
// block until data or close.
func (e *Endpoint) SetReadTimeout(timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeout = timeout
	return nil
}

// Read blocks for the first byte, then drains whatever else is pending. A
// timeout reads as (0, nil); a closed link reads as io.EOF.
func (e *Endpoint) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	e.mu.Lock()
	timeout := e.timeout
	e.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	// Pending data wins over a concurrent close.
	select {
	case b := <-e.in:
		p[0] = b
	default:
		select {
		case b := <-e.in:
			p[0] = b
		case <-e.closed:
			return 0, io.EOF
		case <-e.peer.closed:
			return 0, io.EOF
		case <-expired:
			return 0, nil
		}
	}

	n := 1
	for n < len(p) {
		select {
		case b, ok := <-e.in:
			if !ok {
				return n, nil
			}
			p[n] = b
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

// Write sends bytes to the peer. Writing to a closed link fails.
func (e *Endpoint) Write(p []byte) (int, error) {
	for i, b := range p {
		select {
		case <-e.closed:
			return i, io.ErrClosedPipe
		case <-e.peer.closed:
			return i, io.ErrClosedPipe
		case e.out <- b:
		}
	}
	return len(p), nil
}

// Close tears down this side; the peer's pending reads finish with io.EOF.
func (e *Endpoint) Close() error {
	e.once.Do(func() { close(e.closed) })
	return nil
}
