package motorbus

import (
	"strconv"
	"strings"
	"sync"

	"github.com/robolinkio/robolink/wire"
)

// SimAxis is one simulated motor controller on a SimBus.
type SimAxis struct {
	State       int
	Encoder     int16
	Command     int16
	Destination uint16
	Velocity    uint16
	HoldCurrent int
	RunCurrent  int
	Started     bool

	// Silent makes the axis drop every command, emulating a missing or
	// failed controller.
	Silent bool

	// Track makes the encoder follow the commanded destination
	// instantly, for tests that need closed-loop behaviour without a
	// motion model.
	Track bool
}

// SimBus emulates the RS-485 bus with its attached controllers. It
// implements Line and answers commands the way the legacy firmware does, so
// the driver, sequencer and device firmware can run against it in-process.
type SimBus struct {
	mu    sync.Mutex
	axes  map[int]*SimAxis
	inbuf []byte
	reply []byte
}

// NewSimBus returns a bus with controllers at addresses 1..numAxes.
func NewSimBus(numAxes int) *SimBus {
	axes := make(map[int]*SimAxis, numAxes)
	for id := 1; id <= numAxes; id++ {
		axes[id] = &SimAxis{}
	}
	return &SimBus{axes: axes}
}

// Axis exposes the controller at the given address for setup before the bus
// is in use. While other goroutines drive the bus, use Snapshot instead.
func (s *SimBus) Axis(id int) *SimAxis {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.axes[id]
}

// Snapshot returns a copy of the controller state at the given address.
func (s *SimBus) Snapshot(id int) SimAxis {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.axes[id]
}

// SetEncoder updates an axis encoder while the bus may be in use.
func (s *SimBus) SetEncoder(id int, encoder int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.axes[id].Encoder = encoder
}

// SetAxisState updates an axis controller state while the bus may be in use.
func (s *SimBus) SetAxisState(id, state int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.axes[id].State = state
}

// SetTransmit implements Line.
func (s *SimBus) SetTransmit(bool) {}

// Write implements Line: bytes accumulate until a frame terminator, then
// the addressed controller answers. Bytes ahead of the frame marker are
// discarded the way real controllers ignore line noise.
func (s *SimBus) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inbuf = append(s.inbuf, p...)
	for {
		end := strings.IndexByte(string(s.inbuf), '\r')
		if end < 0 {
			return nil
		}
		frame := string(s.inbuf[:end])
		s.inbuf = s.inbuf[end+1:]
		if start := strings.IndexByte(frame, '#'); start >= 0 {
			s.dispatch(frame[start+1:])
		}
	}
}

func (s *SimBus) dispatch(frame string) {
	idLen := 0
	for idLen < len(frame) && frame[idLen] >= '0' && frame[idLen] <= '9' {
		idLen++
	}
	id, err := strconv.Atoi(frame[:idLen])
	if err != nil {
		return
	}
	axis, ok := s.axes[id]
	if !ok || axis.Silent {
		return
	}
	s.reply = append(s.reply, []byte(axis.handle(frame[:idLen], frame[idLen:]))...)
}

// ReadByte implements Line.
func (s *SimBus) ReadByte() (byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reply) == 0 {
		return 0, false
	}
	b := s.reply[0]
	s.reply = s.reply[1:]
	return b, true
}

func (a *SimAxis) handle(id, cmd string) string {
	echo := func(reg string, v int) string {
		sign := "+"
		if v < 0 {
			sign = ""
		}
		return id + reg + sign + strconv.Itoa(v) + "\r"
	}

	switch {
	case cmd == "ZP":
		return echo("ZP", a.State)
	case cmd == "I":
		return echo("I", int(a.Encoder))
	case cmd == "s":
		return echo("s", int(a.Command))
	case cmd == "(JA":
		a.Started = true
		return id + "(JA\r"
	case cmd == "P":
		return echo("P", a.State)
	case strings.HasPrefix(cmd, "P"):
		v, err := strconv.Atoi(cmd[1:])
		if err != nil {
			return ""
		}
		a.State = v
		return echo("P", v)
	case strings.HasPrefix(cmd, "n"):
		v, err := strconv.Atoi(cmd[1:])
		if err != nil {
			return ""
		}
		a.Destination = uint16(v)
		a.Command = int16(v - wire.PositionBias)
		if a.Track {
			a.Encoder = a.Command
		}
		return echo("n", v)
	case strings.HasPrefix(cmd, "o"):
		v, err := strconv.Atoi(cmd[1:])
		if err != nil {
			return ""
		}
		a.Velocity = uint16(v)
		return echo("o", v)
	case strings.HasPrefix(cmd, "r"):
		v, err := strconv.Atoi(cmd[1:])
		if err != nil {
			return ""
		}
		a.HoldCurrent = v
		return echo("r", v)
	case strings.HasPrefix(cmd, "i"):
		v, err := strconv.Atoi(cmd[1:])
		if err != nil {
			return ""
		}
		a.RunCurrent = v
		return echo("i", v)
	}
	return ""
}
