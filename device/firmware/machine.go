// Package firmware is the arm microcontroller program: the passthrough byte
// shoveller with its extended-mode switch, the packet dispatcher, and the
// glue binding sequencer, motor bus and host link into the device main loop.
package firmware

import (
	"context"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.viam.com/utils"

	"github.com/robolinkio/robolink/device/motorbus"
	"github.com/robolinkio/robolink/device/nvstore"
	"github.com/robolinkio/robolink/device/sequencer"
	"github.com/robolinkio/robolink/logging"
	"github.com/robolinkio/robolink/ringbuf"
	"github.com/robolinkio/robolink/wire"
)

// Button is the start input that triggers autonomous playback.
type Button interface {
	Pressed() bool
}

// extendedIdleTimeout drops the device back to passthrough when the host
// goes quiet.
const extendedIdleTimeout = 255 * time.Millisecond

// Machine is the whole microcontroller program.
type Machine struct {
	logger logging.Logger
	clock  clock.Clock

	host   io.ReadWriter
	hostRx *ringbuf.Buffer

	bus    motorbus.Line
	driver *motorbus.Driver
	seq    *sequencer.Sequencer

	button  Button
	restart func()

	// pollDecoder carries packet state across playback service polls.
	pollDecoder wire.Decoder

	extended atomic.Bool
}

// Config bundles the machine's collaborators. Output, Sync, Button and
// Restart are optional.
type Config struct {
	Host    io.ReadWriter
	Bus     motorbus.Line
	Store   nvstore.Store
	Clock   clock.Clock
	Output  sequencer.OutputPin
	Sync    sequencer.SyncLine
	Button  Button
	Restart func()
}

// New assembles a machine and restores the committed sequence.
func New(cfg Config, logger logging.Logger) (*Machine, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	driver := motorbus.NewDriver(cfg.Bus, clk, logger.Sublogger("motorbus"))
	seq := sequencer.New(driver, cfg.Store, clk, cfg.Output, cfg.Sync, logger.Sublogger("sequencer"))

	m := &Machine{
		logger:  logger,
		clock:   clk,
		host:    cfg.Host,
		hostRx:  ringbuf.New(),
		bus:     cfg.Bus,
		driver:  driver,
		seq:     seq,
		button:  cfg.Button,
		restart: cfg.Restart,
	}
	seq.SetService(m.pollOnce)
	if err := seq.LoadSequence(); err != nil {
		return nil, err
	}
	return m, nil
}

// Sequencer exposes the playback engine, mainly for tests.
func (m *Machine) Sequencer() *sequencer.Sequencer {
	return m.seq
}

// InExtendedMode reports whether the packet protocol is active.
func (m *Machine) InExtendedMode() bool {
	return m.extended.Load()
}

// Run executes the device main loop until ctx is cancelled. The host RX
// pump runs alongside, standing in for the UART receive interrupt.
func (m *Machine) Run(ctx context.Context) {
	pumpDone := make(chan struct{})
	utils.PanicCapturingGo(func() {
		defer close(pumpDone)
		buf := make([]byte, 64)
		for ctx.Err() == nil {
			n, err := m.host.Read(buf)
			if err != nil {
				return
			}
			for _, b := range buf[:n] {
				for !m.hostRx.Put(b) {
					if ctx.Err() != nil {
						return
					}
					m.clock.Sleep(100 * time.Microsecond)
				}
			}
		}
	})

	for ctx.Err() == nil {
		if !m.passthrough(ctx) {
			break
		}
		m.extendedLoop(ctx)
	}
	<-pumpDone
}

// passthrough shovels bytes verbatim between host and bus while watching for
// the extended-mode switch. It returns true when the INIT image matched.
func (m *Machine) passthrough(ctx context.Context) bool {
	initImage := wire.Encode(wire.CmdInit, nil)
	matched := 0

	for ctx.Err() == nil {
		m.shovelBusToHost()

		if m.button != nil && m.button.Pressed() && !m.seq.IsPlaying() {
			if err := m.seq.RunSequence(false); err != nil {
				m.logger.Warnw("start button playback failed", "error", err)
			}
		}

		b, ok := m.hostRx.Get()
		if !ok {
			m.clock.Sleep(100 * time.Microsecond)
			continue
		}

		if b == initImage[matched] {
			matched++
			if matched == len(initImage) {
				return true
			}
			continue
		}

		// A failed partial match must replay the bytes it swallowed.
		if matched > 0 {
			m.writeBus(initImage[:matched])
			matched = 0
		}
		if b == initImage[0] {
			matched = 1
			continue
		}
		m.writeBus([]byte{b})
	}
	return false
}

func (m *Machine) shovelBusToHost() {
	var pending []byte
	for {
		b, ok := m.bus.ReadByte()
		if !ok {
			break
		}
		pending = append(pending, b)
	}
	if len(pending) > 0 {
		m.writeHost(pending)
	}
}

func (m *Machine) writeBus(p []byte) {
	m.bus.SetTransmit(true)
	if err := m.bus.Write(p); err != nil {
		m.logger.Debugw("bus write failed", "error", err)
	}
	m.bus.SetTransmit(false)
}

func (m *Machine) writeHost(p []byte) {
	if _, err := m.host.Write(p); err != nil {
		m.logger.Debugw("host write failed", "error", err)
	}
}

func (m *Machine) reply(cmd wire.Command, payload []byte) {
	m.writeHost(wire.Encode(cmd, payload))
}

// extendedLoop runs the packet dispatcher until EXIT, idle timeout or
// cancellation.
func (m *Machine) extendedLoop(ctx context.Context) {
	m.extended.Store(true)
	defer m.extended.Store(false)

	// Entering extended mode acknowledges the INIT that switched us.
	m.reply(wire.CmdInit, nil)

	var decoder wire.Decoder
	idleDeadline := m.clock.Now().Add(extendedIdleTimeout)

	for ctx.Err() == nil {
		b, ok := m.hostRx.Get()
		if !ok {
			if m.clock.Now().After(idleDeadline) {
				m.logger.Debug("extended mode idle, dropping to passthrough")
				return
			}
			m.clock.Sleep(100 * time.Microsecond)
			continue
		}
		pkt, done := decoder.Feed(b)
		if !done {
			continue
		}
		if quit := m.handle(pkt); quit {
			return
		}
		// Long-running handlers (PLAY) must not count as host idle time.
		idleDeadline = m.clock.Now().Add(extendedIdleTimeout)
	}
}

// pollOnce drains pending host bytes and handles any complete packets. The
// sequencer calls this between axis passes so STOP and FEEDBACK stay live
// during playback.
func (m *Machine) pollOnce() {
	for {
		b, ok := m.hostRx.Get()
		if !ok {
			return
		}
		if pkt, done := m.pollDecoder.Feed(b); done {
			m.handle(pkt)
		}
	}
}

// handle dispatches one packet. The returned flag quits extended mode.
// Destructive commands while playing are silently ignored, per the bus
// ownership rules.
func (m *Machine) handle(pkt wire.Packet) bool {
	switch pkt.Command {
	case wire.CmdInit:
		m.reply(wire.CmdInit, nil)

	case wire.CmdExit:
		m.reply(wire.CmdExit, nil)
		return true

	case wire.CmdConfig:
		if len(pkt.Payload) == 0 {
			cfg := m.seq.Config()
			raw, err := cfg.MarshalBinary()
			if err == nil {
				m.reply(wire.CmdConfig, raw)
			}
			return false
		}
		if m.seq.IsPlaying() {
			return false
		}
		var cfg wire.Config
		if err := cfg.UnmarshalBinary(pkt.Payload); err != nil {
			m.logger.Debugw("bad config payload", "error", err)
			return false
		}
		if err := m.seq.SetConfig(cfg); err != nil {
			m.logger.Warnw("config rejected", "error", err)
			return false
		}
		m.reply(wire.CmdConfig, pkt.Payload)

	case wire.CmdSaveKeyframe:
		if m.seq.IsPlaying() {
			return false
		}
		var save wire.SaveKeyframe
		if err := save.UnmarshalBinary(pkt.Payload); err != nil {
			m.logger.Debugw("bad save-keyframe payload", "error", err)
			return false
		}
		if err := m.seq.SetKeyframe(int(save.Index), save.Keyframe); err != nil {
			m.logger.Warnw("keyframe rejected", "index", save.Index, "error", err)
			return false
		}
		m.reply(wire.CmdSaveKeyframe, []byte{save.Index})

	case wire.CmdReadKeyframe:
		if len(pkt.Payload) != wire.ReadKeyframeSize {
			return false
		}
		index := pkt.Payload[0]
		kf, err := m.seq.Keyframe(int(index))
		if err != nil {
			m.logger.Debugw("read-keyframe failed", "index", index, "error", err)
			return false
		}
		raw, err := (&wire.SaveKeyframe{Index: index, Keyframe: kf}).MarshalBinary()
		if err == nil {
			m.reply(wire.CmdReadKeyframe, raw)
		}

	case wire.CmdCommit:
		if m.seq.IsPlaying() {
			return false
		}
		if err := m.seq.Commit(); err != nil {
			m.logger.Warnw("commit failed", "error", err)
			return false
		}
		m.reply(wire.CmdCommit, nil)

	case wire.CmdPlay:
		var play wire.Play
		if err := play.UnmarshalBinary(pkt.Payload); err != nil {
			return false
		}
		if m.seq.IsPlaying() {
			return false
		}
		m.reply(wire.CmdPlay, pkt.Payload)
		if err := m.seq.RunSequence(play.Flags&wire.FlagLoop != 0); err != nil {
			m.logger.Warnw("playback failed", "error", err)
		}

	case wire.CmdStop:
		m.seq.Stop()
		m.reply(wire.CmdStop, nil)

	case wire.CmdFeedback:
		fb := m.seq.ReadFeedback()
		raw, err := fb.MarshalBinary()
		if err == nil {
			m.reply(wire.CmdFeedback, raw)
		}

	case wire.CmdMotion:
		var motion wire.Motion
		if err := motion.UnmarshalBinary(pkt.Payload); err != nil {
			return false
		}
		m.applyMotion(&motion)
		fb := m.seq.ReadFeedback()
		if raw, err := fb.MarshalBinary(); err == nil {
			m.reply(wire.CmdFeedback, raw)
		}

	case wire.CmdReset:
		if len(pkt.Payload) == len(wire.ResetKey) {
			match := true
			for i, b := range wire.ResetKey {
				if pkt.Payload[i] != b {
					match = false
					break
				}
			}
			if match && m.restart != nil {
				m.restart()
			}
		}
	}
	return false
}

func (m *Machine) applyMotion(motion *wire.Motion) {
	if m.seq.IsPlaying() {
		return
	}
	axes := int(motion.NumAxes)
	if axes > wire.NumAxes {
		axes = wire.NumAxes
	}
	for j := 0; j < axes; j++ {
		if err := m.driver.SetDestination(j+1, motion.Ticks[j]); err != nil {
			m.logger.Debugw("motion destination failed", "axis", j+1, "error", err)
			continue
		}
		if err := m.driver.SetVelocity(j+1, motion.Velocity[j]); err != nil {
			m.logger.Debugw("motion velocity failed", "axis", j+1, "error", err)
		}
	}
	switch motion.Output {
	case wire.OutputSet, wire.OutputReset:
		// Drive the sequencer's output pin directly.
		m.seq.ApplyOutput(motion.Output)
	}
}
