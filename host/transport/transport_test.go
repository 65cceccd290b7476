package transport

import (
	"errors"
	"io"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/robolinkio/robolink/logging"
	"github.com/robolinkio/robolink/wire"
)

// scriptedPort replays canned reads and records writes.
type scriptedPort struct {
	writes   [][]byte
	reads    [][]byte
	writeErr error
	zeroWr   bool
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	if p.zeroWr {
		return 0, nil
	}
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	if len(p.reads) == 0 {
		return 0, nil // timeout
	}
	chunk := p.reads[0]
	p.reads = p.reads[1:]
	n := copy(b, chunk)
	return n, nil
}

func (p *scriptedPort) Close() error                      { return nil }
func (p *scriptedPort) SetReadTimeout(time.Duration) error { return nil }

func newTestTransport(t *testing.T, port *scriptedPort) *Transport {
	tr := New(
		func(string) (Serial, error) { return port, nil },
		func() ([]string, error) { return []string{"COM1"}, nil },
		logging.NewTestLogger(t),
	)
	_, err := tr.OpenNext()
	test.That(t, err, test.ShouldBeNil)
	return tr
}

func TestOpenNextCyclesPorts(t *testing.T) {
	opened := []string{}
	tr := New(
		func(name string) (Serial, error) {
			opened = append(opened, name)
			if name == "COM1" {
				return nil, errors.New("busy")
			}
			return &scriptedPort{}, nil
		},
		func() ([]string, error) { return []string{"COM1", "COM2", "COM3"}, nil },
		logging.NewTestLogger(t),
	)

	_, err := tr.OpenNext()
	test.That(t, err, test.ShouldNotBeNil)

	name, err := tr.OpenNext()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, name, test.ShouldEqual, "COM2")
	test.That(t, opened, test.ShouldResemble, []string{"COM1", "COM2"})
	test.That(t, tr.Connected(), test.ShouldBeTrue)
}

func TestASCIICommandByteStream(t *testing.T) {
	port := &scriptedPort{reads: [][]byte{[]byte("1ZP+0\r")}}
	tr := newTestTransport(t, port)

	reply, err := tr.ASCIICommand("#1ZP\r")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, reply, test.ShouldEqual, "1ZP+0")

	// The exact bytes of the robot probe.
	test.That(t, port.writes[0], test.ShouldResemble, []byte{0x23, 0x31, 0x5A, 0x50, 0x0D})
}

func TestCommandRoundTrip(t *testing.T) {
	port := &scriptedPort{reads: [][]byte{wire.Encode(wire.CmdInit, nil)}}
	tr := newTestTransport(t, port)

	pkt, err := tr.Command(wire.CmdInit, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pkt.Command, test.ShouldEqual, wire.CmdInit)
	test.That(t, port.writes[0], test.ShouldResemble, []byte{0xFF, 0x0A, 0x00, 0x00, 0xF1, 0x0D})
}

func TestCommandResynchronisesPastStrayBytes(t *testing.T) {
	answer := wire.Encode(wire.CmdStop, nil)
	noisy := append([]byte{0x31, 0x5A, 0xFF, 0x02}, answer...)
	port := &scriptedPort{reads: [][]byte{noisy}}
	tr := newTestTransport(t, port)

	pkt, err := tr.Command(wire.CmdStop, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pkt.Command, test.ShouldEqual, wire.CmdStop)
}

func TestCommandAnswerSplitAcrossReads(t *testing.T) {
	answer := wire.Encode(wire.CmdFeedback, make([]byte, wire.FeedbackSize))
	port := &scriptedPort{reads: [][]byte{answer[:5], answer[5:]}}
	tr := newTestTransport(t, port)

	pkt, err := tr.Command(wire.CmdFeedback, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pkt.Command, test.ShouldEqual, wire.CmdFeedback)
}

func TestZeroByteWriteLosesLink(t *testing.T) {
	port := &scriptedPort{zeroWr: true}
	tr := newTestTransport(t, port)

	_, err := tr.Command(wire.CmdInit, nil)
	test.That(t, errors.Is(err, ErrLinkLost), test.ShouldBeTrue)
	test.That(t, tr.Connected(), test.ShouldBeFalse)
}

func TestWriteErrorLosesLink(t *testing.T) {
	port := &scriptedPort{writeErr: io.ErrClosedPipe}
	tr := newTestTransport(t, port)

	err := func() error {
		_, err := tr.ASCIICommand("#1ZP\r")
		return err
	}()
	test.That(t, errors.Is(err, ErrLinkLost), test.ShouldBeTrue)
	test.That(t, tr.Connected(), test.ShouldBeFalse)
}

func TestConsecutiveTimeoutsLoseLink(t *testing.T) {
	port := &scriptedPort{}
	tr := newTestTransport(t, port)

	var err error
	for i := 0; i < maxReadTimeouts+1; i++ {
		_, err = tr.Command(wire.CmdFeedback, nil)
		if errors.Is(err, ErrLinkLost) {
			break
		}
		test.That(t, errors.Is(err, ErrNoAnswer), test.ShouldBeTrue)
	}
	test.That(t, errors.Is(err, ErrLinkLost), test.ShouldBeTrue)
	test.That(t, tr.Connected(), test.ShouldBeFalse)
}

func TestEnterExitExtended(t *testing.T) {
	port := &scriptedPort{reads: [][]byte{
		wire.Encode(wire.CmdInit, nil),
		wire.Encode(wire.CmdExit, nil),
	}}
	tr := newTestTransport(t, port)

	test.That(t, tr.Extended(), test.ShouldBeFalse)
	test.That(t, tr.EnterExtended(), test.ShouldBeNil)
	test.That(t, tr.Extended(), test.ShouldBeTrue)

	// ASCII is refused while the packet protocol owns the bus.
	_, err := tr.ASCIICommand("#1ZP\r")
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, tr.ExitExtended(), test.ShouldBeNil)
	test.That(t, tr.Extended(), test.ShouldBeFalse)
}
