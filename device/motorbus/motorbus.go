// Package motorbus drives the per-joint motor controllers over the shared
// half-duplex RS-485 bus. Commands are ASCII, "#<id><reg><value>\r"; the
// controller echoes the id and register followed by a signed value.
package motorbus

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/robolinkio/robolink/logging"
)

// Line is the half-duplex transceiver the driver owns. Implementations must
// hold the direction change for the bus settle time (at least 200us) before
// the first byte goes out.
type Line interface {
	// SetTransmit switches the bus direction.
	SetTransmit(enabled bool)
	// Write sends bytes while in transmit direction.
	Write(p []byte) error
	// ReadByte returns one received byte without blocking.
	ReadByte() (byte, bool)
}

// Register names of the legacy ASCII protocol.
const (
	regPing        = "ZP"
	regState       = "P"
	regEncoder     = "I"
	regCommandPos  = "s"
	regDestination = "n"
	regVelocity    = "o"
	regHoldCurrent = "r"
	regRunCurrent  = "i"
	regProgram     = "(JA"
)

// replyTimeout is the controller response budget: 255 polls of 30us.
const replyTimeout = 255 * 30 * time.Microsecond

// Reply errors.
var (
	ErrNoReply  = errors.New("motor controller did not reply")
	ErrBadReply = errors.New("malformed motor controller reply")
)

// Driver issues commands on the bus. It is not safe for concurrent use; the
// device main loop is its only caller.
type Driver struct {
	line   Line
	clock  clock.Clock
	logger logging.Logger
}

// NewDriver returns a driver over line.
func NewDriver(line Line, clk clock.Clock, logger logging.Logger) *Driver {
	return &Driver{line: line, clock: clk, logger: logger}
}

// exchange transmits "#<id><cmd>\r" and collects the reply up to its
// terminator. An empty reply within the timeout is ErrNoReply.
func (d *Driver) exchange(id int, cmd string) (string, error) {
	frame := fmt.Sprintf("#%d%s\r", id, cmd)

	d.line.SetTransmit(true)
	err := d.line.Write([]byte(frame))
	d.line.SetTransmit(false)
	if err != nil {
		return "", errors.Wrapf(err, "sending %q", frame)
	}

	var reply []byte
	deadline := d.clock.Now().Add(replyTimeout)
	for {
		b, ok := d.line.ReadByte()
		if ok {
			if b == '\r' {
				return string(reply), nil
			}
			reply = append(reply, b)
			continue
		}
		if d.clock.Now().After(deadline) {
			if len(reply) > 0 {
				return "", errors.Wrapf(ErrBadReply, "truncated reply %q to %q", reply, frame)
			}
			return "", errors.Wrapf(ErrNoReply, "command %q", frame)
		}
		d.clock.Sleep(30 * time.Microsecond)
	}
}

// parseValue extracts the signed value following the echoed id and register.
func parseValue(reply string, id int, reg string) (int16, error) {
	prefix := fmt.Sprintf("%d%s", id, reg)
	if !strings.HasPrefix(reply, prefix) {
		return 0, errors.Wrapf(ErrBadReply, "expected echo of %q, got %q", prefix, reply)
	}
	raw := reply[len(prefix):]
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(strings.TrimPrefix(raw, "+"), 10, 16)
	if err != nil {
		return 0, errors.Wrapf(ErrBadReply, "value in %q", reply)
	}
	return int16(v), nil
}

func (d *Driver) read(id int, reg string) (int16, error) {
	reply, err := d.exchange(id, reg)
	if err != nil {
		return 0, err
	}
	return parseValue(reply, id, reg)
}

func (d *Driver) write(id int, reg string, value int) error {
	reply, err := d.exchange(id, fmt.Sprintf("%s%d", reg, value))
	if err != nil {
		return err
	}
	_, err = parseValue(reply, id, reg)
	return err
}

// Ping reads the controller state via the ZP register. It doubles as
// presence detection.
func (d *Driver) Ping(id int) (int, error) {
	v, err := d.read(id, regPing)
	return int(v), err
}

// State reads the controller's pause register.
func (d *Driver) State(id int) (int, error) {
	v, err := d.read(id, regState)
	return int(v), err
}

// SetState writes the pause register, switching the per-joint program state.
func (d *Driver) SetState(id, state int) error {
	return d.write(id, regState, state)
}

// Encoder reads the current encoder position.
func (d *Driver) Encoder(id int) (int16, error) {
	return d.read(id, regEncoder)
}

// CommandPos reads the current commanded motor position.
func (d *Driver) CommandPos(id int) (int16, error) {
	return d.read(id, regCommandPos)
}

// SetDestination writes the biased target position.
func (d *Driver) SetDestination(id int, ticks uint16) error {
	return d.write(id, regDestination, int(ticks))
}

// SetVelocity writes the target velocity.
func (d *Driver) SetVelocity(id int, velocity uint16) error {
	return d.write(id, regVelocity, int(velocity))
}

// SetHoldCurrent writes the hold current.
func (d *Driver) SetHoldCurrent(id, current int) error {
	return d.write(id, regHoldCurrent, current)
}

// SetRunCurrent writes the run current cap.
func (d *Driver) SetRunCurrent(id, current int) error {
	return d.write(id, regRunCurrent, current)
}

// StartProgram starts the on-controller joint program.
func (d *Driver) StartProgram(id int) error {
	reply, err := d.exchange(id, regProgram)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(reply, fmt.Sprintf("%d", id)) {
		return errors.Wrapf(ErrBadReply, "program start reply %q", reply)
	}
	return nil
}
