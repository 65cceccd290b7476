// Package transport owns the host's serial link to the arm: port lifecycle
// with cycling auto-detection, the passthrough/extended mode switch, and
// framed command/answer exchange with header resynchronisation.
package transport

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"

	"github.com/robolinkio/robolink/logging"
	"github.com/robolinkio/robolink/wire"
)

// Serial is the open port. go.bug.st serial ports satisfy it; tests use
// in-process links.
type Serial interface {
	io.ReadWriteCloser
	SetReadTimeout(timeout time.Duration) error
}

// Opener opens a named port configured for the arm (115200 8N1, no
// handshake).
type Opener func(name string) (Serial, error)

// Lister enumerates candidate port names.
type Lister func() ([]string, error)

// DefaultOpener opens a real serial port.
func DefaultOpener(name string) (Serial, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// DefaultLister enumerates the platform's serial ports.
func DefaultLister() ([]string, error) {
	return serial.GetPortsList()
}

const (
	// portCycle bounds the port auto-detection ring.
	portCycle = 15

	// readTimeout bounds one blocking read.
	readTimeout = 200 * time.Millisecond

	// maxReadTimeouts of consecutive empty reads count as a lost link.
	maxReadTimeouts = 10

	// answerBound limits how many bytes the resynchroniser scans before
	// giving up on an answer.
	answerBound = wire.HeaderSize + 255 + wire.TrailerSize
)

// ErrLinkLost is returned when the port writes zero bytes or reads time out
// repeatedly; the connection layer must disconnect and re-detect.
var ErrLinkLost = errors.New("serial link lost")

// ErrNoAnswer is returned when no matching answer arrived in time.
var ErrNoAnswer = errors.New("no answer from device")

// Transport is the sole owner of the serial handle.
type Transport struct {
	logger logging.Logger
	opener Opener
	lister Lister

	mu        sync.Mutex
	port      Serial
	portName  string
	portIndex int
	timeouts  int
	extended  bool
	rxbuf     []byte
}

// New returns a transport using the given port access functions; nil selects
// the platform defaults.
func New(opener Opener, lister Lister, logger logging.Logger) *Transport {
	if opener == nil {
		opener = DefaultOpener
	}
	if lister == nil {
		lister = DefaultLister
	}
	return &Transport{logger: logger, opener: opener, lister: lister}
}

// Connected reports whether a port is open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// Extended reports whether the framed protocol is active.
func (t *Transport) Extended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.extended
}

// PortName returns the open port's name.
func (t *Transport) PortName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.portName
}

// OpenNext tries the next candidate port in the detection ring. Callers
// retry on error; every failure advances the ring.
func (t *Transport) OpenNext() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return t.portName, nil
	}

	names, err := t.lister()
	if err != nil {
		return "", errors.Wrap(err, "listing serial ports")
	}
	if len(names) == 0 {
		return "", errors.New("no serial ports present")
	}

	index := t.portIndex % portCycle
	t.portIndex = (t.portIndex + 1) % portCycle
	name := names[index%len(names)]

	port, err := t.opener(name)
	if err != nil {
		return "", errors.Wrapf(err, "opening %s", name)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return "", errors.Wrapf(err, "configuring %s", name)
	}

	t.port = port
	t.portName = name
	t.timeouts = 0
	t.extended = false
	t.rxbuf = nil
	t.logger.Debugw("serial port open", "port", name)
	return name, nil
}

// Close drops the port and all derived state.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *Transport) closeLocked() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	t.portName = ""
	t.extended = false
	t.rxbuf = nil
	return err
}

// failLocked tears the link down and reports it lost.
func (t *Transport) failLocked(reason string) error {
	t.logger.Warnw("link lost", "reason", reason, "port", t.portName)
	if err := t.closeLocked(); err != nil {
		t.logger.Debugw("closing failed port", "error", err)
	}
	return errors.Wrap(ErrLinkLost, reason)
}

func (t *Transport) writeLocked(p []byte) error {
	if t.port == nil {
		return errors.Wrap(ErrLinkLost, "port closed")
	}
	n, err := t.port.Write(p)
	if err != nil {
		return t.failLocked(err.Error())
	}
	if n == 0 {
		return t.failLocked("write returned zero bytes")
	}
	return nil
}

// readLocked performs one bounded read, tracking consecutive timeouts.
func (t *Transport) readLocked(p []byte) (int, error) {
	if t.port == nil {
		return 0, errors.Wrap(ErrLinkLost, "port closed")
	}
	n, err := t.port.Read(p)
	if err != nil {
		return 0, t.failLocked(err.Error())
	}
	if n == 0 {
		t.timeouts++
		if t.timeouts >= maxReadTimeouts {
			return 0, t.failLocked("10 consecutive read timeouts")
		}
		return 0, nil
	}
	t.timeouts = 0
	return n, nil
}

// ASCIICommand writes a legacy "#..."-style command and collects the
// CR-terminated reply. Only valid outside extended mode.
func (t *Transport) ASCIICommand(cmd string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.extended {
		return "", errors.New("bus is in extended mode")
	}
	if err := t.writeLocked([]byte(cmd)); err != nil {
		return "", err
	}

	var reply []byte
	buf := make([]byte, 64)
	for {
		n, err := t.readLocked(buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", errors.Wrapf(ErrNoAnswer, "command %q", strings.TrimSuffix(cmd, "\r"))
		}
		for i := 0; i < n; i++ {
			if buf[i] == '\r' {
				return string(reply), nil
			}
			reply = append(reply, buf[i])
		}
	}
}

// Command sends one extended-protocol packet and returns the answer with the
// matching command code.
func (t *Transport) Command(cmd wire.Command, payload []byte) (wire.Packet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writeLocked(wire.Encode(cmd, payload)); err != nil {
		return wire.Packet{}, err
	}
	return t.readAnswerLocked(cmd)
}

// readAnswerLocked scans incoming bytes for an answer to cmd. Stray bytes
// are skipped by re-scanning for the header triple; the scan is bounded so a
// babbling device cannot wedge the host.
func (t *Transport) readAnswerLocked(cmd wire.Command) (wire.Packet, error) {
	scanned := 0
	buf := make([]byte, 256)
	for {
		// Consume whatever is already buffered first.
		for len(t.rxbuf) > 0 {
			start := headerIndex(t.rxbuf, cmd)
			if start < 0 {
				scanned += len(t.rxbuf)
				keep := wire.HeaderSize - 1
				if len(t.rxbuf) > keep {
					t.rxbuf = append(t.rxbuf[:0], t.rxbuf[len(t.rxbuf)-keep:]...)
				}
				break
			}
			scanned += start
			t.rxbuf = append(t.rxbuf[:0], t.rxbuf[start:]...)

			pkt, consumed, ok := wire.Decode(t.rxbuf)
			if ok {
				t.rxbuf = append(t.rxbuf[:0], t.rxbuf[consumed:]...)
				return pkt, nil
			}
			if len(t.rxbuf) >= answerBound {
				// A full answer's worth of bytes without a valid
				// frame: drop the candidate header and rescan.
				t.rxbuf = t.rxbuf[1:]
				scanned++
				continue
			}
			break
		}
		if scanned >= answerBound {
			return wire.Packet{}, errors.Wrapf(ErrNoAnswer, "no valid %s answer in %d bytes", cmd, scanned)
		}

		n, err := t.readLocked(buf)
		if err != nil {
			return wire.Packet{}, err
		}
		if n == 0 {
			return wire.Packet{}, errors.Wrapf(ErrNoAnswer, "timeout awaiting %s answer", cmd)
		}
		t.rxbuf = append(t.rxbuf, buf[:n]...)
	}
}

// headerIndex finds the start of a plausible answer to cmd.
func headerIndex(buf []byte, cmd wire.Command) int {
	for i := 0; i+2 < len(buf); i++ {
		if buf[i] == wire.Start && buf[i+1] == wire.Version && buf[i+2] == byte(cmd) {
			return i
		}
	}
	return -1
}

// EnterExtended switches the device from passthrough to the framed
// protocol.
func (t *Transport) EnterExtended() error {
	t.mu.Lock()
	already := t.extended
	t.mu.Unlock()
	if already {
		return nil
	}

	pkt, err := t.Command(wire.CmdInit, nil)
	if err != nil {
		return errors.Wrap(err, "entering extended mode")
	}
	if pkt.Command != wire.CmdInit {
		return errors.Errorf("unexpected %s answer to INIT", pkt.Command)
	}

	t.mu.Lock()
	t.extended = true
	t.mu.Unlock()
	return nil
}

// ExitExtended drops the device back to passthrough so legacy ASCII
// commands reach the joint controllers again.
func (t *Transport) ExitExtended() error {
	t.mu.Lock()
	active := t.extended
	t.mu.Unlock()
	if !active {
		return nil
	}

	pkt, err := t.Command(wire.CmdExit, nil)
	if err != nil {
		return errors.Wrap(err, "leaving extended mode")
	}
	if pkt.Command != wire.CmdExit {
		return errors.Errorf("unexpected %s answer to EXIT", pkt.Command)
	}

	t.mu.Lock()
	t.extended = false
	t.rxbuf = nil
	t.mu.Unlock()
	return nil
}
