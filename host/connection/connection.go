// Package connection drives the host's session with the arm: port
// detection, robot confirmation, per-joint initialisation, the switch into
// the framed protocol, remote playback supervision and the compliance
// transitions. Serial traffic flows through one Step loop, and other
// goroutines talk to it through queued requests; the one exception is
// SendMotion, which a running player calls directly.
package connection

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/robolinkio/robolink/host/player"
	"github.com/robolinkio/robolink/host/transport"
	"github.com/robolinkio/robolink/host/uploader"
	"github.com/robolinkio/robolink/jointcfg"
	"github.com/robolinkio/robolink/logging"
	"github.com/robolinkio/robolink/sequence"
	"github.com/robolinkio/robolink/wire"
)

// State is the connection lifecycle state.
type State int

// Connection states, in rough lifecycle order.
const (
	PortClosed State = iota
	PortOpen
	RobotConfirmed
	Resetting
	Initialising
	InitialisedStiff
	InitialisedCompliant
	ExtendedMode
	Playing
)

func (s State) String() string {
	switch s {
	case PortClosed:
		return "PortClosed"
	case PortOpen:
		return "PortOpen"
	case RobotConfirmed:
		return "RobotConfirmed"
	case Resetting:
		return "Resetting"
	case Initialising:
		return "Initialising"
	case InitialisedStiff:
		return "InitialisedStiff"
	case InitialisedCompliant:
		return "InitialisedCompliant"
	case ExtendedMode:
		return "ExtendedMode"
	case Playing:
		return "Playing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	// maxPingAttempts before giving up on a port and cycling to the next.
	maxPingAttempts = 15

	// initTimeout bounds per-joint initialisation.
	initTimeout = 20 * time.Second

	// complianceTimeout is the global budget for a stiffness transition.
	complianceTimeout = 2 * time.Second

	// idleStep paces the loop when nothing wants the bus.
	idleStep = 20 * time.Millisecond
)

var pingReplyRe = regexp.MustCompile(`^1ZP\+?(-?\d)$`)

// Machine is the host connection state machine. It exclusively mutates the
// connection state; the transport is driven from Step, and from SendMotion
// while a player runs.
type Machine struct {
	transport *transport.Transport
	arm       *jointcfg.Arm
	clock     clock.Clock
	logger    logging.Logger

	state        State
	pingAttempts int
	initPending  bool
	initStarted  bool
	initDeadline time.Time

	requests chan func()

	fbMu         sync.Mutex
	lastFeedback wire.Feedback
	lastAngles   map[string]float64

	onState func(State)
}

// New returns a machine in PortClosed.
func New(t *transport.Transport, arm *jointcfg.Arm, clk clock.Clock, logger logging.Logger) *Machine {
	return &Machine{
		transport:  t,
		arm:        arm,
		clock:      clk,
		logger:     logger,
		state:      PortClosed,
		requests:   make(chan func(), 16),
		lastAngles: map[string]float64{},
	}
}

// OnState installs a state observer, called from the Step loop.
func (m *Machine) OnState(fn func(State)) {
	m.onState = fn
}

// State returns the current lifecycle state. Step is single-threaded; reads
// from other goroutines are advisory.
func (m *Machine) State() State {
	return m.state
}

// Feedback returns the most recent device feedback.
func (m *Machine) Feedback() wire.Feedback {
	m.fbMu.Lock()
	defer m.fbMu.Unlock()
	return m.lastFeedback
}

// JointAngles returns the last known angle per joint. Axes reporting no
// fresh encoder value retain their previous angle.
func (m *Machine) JointAngles() map[string]float64 {
	m.fbMu.Lock()
	defer m.fbMu.Unlock()
	out := make(map[string]float64, len(m.lastAngles))
	for name, angle := range m.lastAngles {
		out[name] = angle
	}
	return out
}

// RequestInit asks for per-joint initialisation the next time the machine
// sits in RobotConfirmed.
func (m *Machine) RequestInit() {
	m.enqueue(func() { m.initPending = true })
}

// RequestExtended queues a switch into the framed protocol so feedback
// polling can begin.
func (m *Machine) RequestExtended(result chan<- error) {
	m.enqueue(func() { m.deliver(result, m.ensureExtended()) })
}

// UploadSequence queues a sequence transfer ending per mode. The transfer
// runs on the step loop, holding the transport for its whole duration.
func (m *Machine) UploadSequence(tl *sequence.Timeline, mode uploader.Mode, result chan<- error) {
	m.enqueue(func() { m.deliver(result, m.upload(tl, mode)) })
}

// StartPlayback queues remote playback of the committed sequence.
func (m *Machine) StartPlayback(loop bool, result chan<- error) {
	m.enqueue(func() { m.deliver(result, m.startPlayback(loop)) })
}

// StopPlayback queues a playback abort.
func (m *Machine) StopPlayback(result chan<- error) {
	m.enqueue(func() { m.deliver(result, m.stopPlayback()) })
}

// SetCompliant queues a stiffness transition.
func (m *Machine) SetCompliant(enable bool, result chan<- error) {
	m.enqueue(func() { m.deliver(result, m.setCompliant(enable)) })
}

func (m *Machine) enqueue(fn func()) {
	select {
	case m.requests <- fn:
	default:
		m.logger.Warn("request queue full, dropping command")
	}
}

func (m *Machine) deliver(result chan<- error, err error) {
	if result == nil {
		if err != nil {
			m.logger.Errorw("queued command failed", "error", err)
		}
		return
	}
	select {
	case result <- err:
	default:
	}
}

// Run steps the machine until ctx is cancelled.
func (m *Machine) Run(ctx context.Context) {
	for ctx.Err() == nil {
		m.Step()
	}
}

func (m *Machine) setState(next State) {
	if next == m.state {
		return
	}
	m.logger.Debugw("connection state", "from", m.state.String(), "to", next.String())
	m.state = next
	if m.onState != nil {
		m.onState(next)
	}
}

// disconnect tears down the link and every state derived from it.
func (m *Machine) disconnect(reason error) {
	m.logger.Warnw("disconnected", "reason", reason)
	if err := m.transport.Close(); err != nil {
		m.logger.Debugw("closing transport", "error", err)
	}
	m.initPending = false
	m.initStarted = false
	m.setState(PortClosed)
}

// Step runs one iteration of the connection event loop.
func (m *Machine) Step() {
	switch m.state {
	case PortClosed:
		m.stepPortClosed()
	case PortOpen:
		m.stepPortOpen()
	case RobotConfirmed:
		m.stepRobotConfirmed()
	case Resetting:
		m.stepResetting()
	case Initialising:
		m.stepInitialising()
	case InitialisedStiff, InitialisedCompliant:
		if !m.drainRequest() {
			m.clock.Sleep(idleStep)
		}
	case ExtendedMode:
		if !m.drainRequest() {
			// Poll feedback: it tracks joints and keeps the device
			// from idling back to passthrough.
			m.pollFeedback()
			m.clock.Sleep(idleStep)
		}
	case Playing:
		m.pollFeedback()
		if !m.drainRequest() {
			m.clock.Sleep(idleStep)
		}
	}
}

func (m *Machine) drainRequest() bool {
	select {
	case fn := <-m.requests:
		fn()
		return true
	default:
		return false
	}
}

func (m *Machine) stepPortClosed() {
	if _, err := m.transport.OpenNext(); err != nil {
		m.logger.Debugw("port open failed", "error", err)
		m.clock.Sleep(100 * time.Millisecond)
		return
	}
	m.pingAttempts = 0
	m.setState(PortOpen)
}

func (m *Machine) stepPortOpen() {
	reply, err := m.transport.ASCIICommand("#1ZP\r")
	if err != nil {
		if errors.Is(err, transport.ErrLinkLost) {
			m.disconnect(err)
			return
		}
		m.pingAttempts++
		if m.pingAttempts >= maxPingAttempts {
			m.logger.Debugw("no robot on port, cycling", "port", m.transport.PortName())
			if err := m.transport.Close(); err != nil {
				m.logger.Debugw("closing silent port", "error", err)
			}
			m.setState(PortClosed)
		}
		return
	}
	if !pingReplyRe.MatchString(reply) {
		m.pingAttempts++
		return
	}
	m.logger.Info("ROBOT connected")
	m.setState(RobotConfirmed)
}

// axisStates pings every configured joint and returns their states.
func (m *Machine) axisStates() ([]int, error) {
	states := make([]int, len(m.arm.Joints))
	for i, joint := range m.arm.Joints {
		reply, err := m.transport.ASCIICommand(fmt.Sprintf("#%dZP\r", joint.Address))
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(reply, fmt.Sprintf("%dZP+%%d", joint.Address), &v); err != nil {
			return nil, errors.Errorf("axis %d ping answered %q", joint.Address, reply)
		}
		states[i] = v
	}
	return states, nil
}

func (m *Machine) stepRobotConfirmed() {
	m.drainRequest()

	if m.initPending {
		m.initPending = false
		m.setState(Resetting)
		return
	}

	states, err := m.axisStates()
	if err != nil {
		if errors.Is(err, transport.ErrLinkLost) {
			m.disconnect(err)
		}
		m.clock.Sleep(idleStep)
		return
	}
	for _, s := range states {
		if s != 2 {
			m.clock.Sleep(idleStep)
			return
		}
	}
	// Every joint already holds position: initialisation can be skipped.
	m.setState(InitialisedStiff)
}

func (m *Machine) stepResetting() {
	for _, joint := range m.arm.Joints {
		reply, err := m.transport.ASCIICommand(fmt.Sprintf("#%dP0\r", joint.Address))
		if err != nil {
			if errors.Is(err, transport.ErrLinkLost) {
				m.disconnect(err)
				return
			}
			m.logger.Warnw("axis reset not acknowledged", "axis", joint.Address, "error", err)
			m.setState(RobotConfirmed)
			return
		}
		if reply != fmt.Sprintf("%dP0", joint.Address) && reply != fmt.Sprintf("%dP+0", joint.Address) {
			m.logger.Warnw("axis reset rejected", "axis", joint.Address, "reply", reply)
			m.setState(RobotConfirmed)
			return
		}
	}
	m.initStarted = false
	m.initDeadline = m.clock.Now().Add(initTimeout)
	m.setState(Initialising)
}

func (m *Machine) stepInitialising() {
	if !m.initStarted {
		// Kick every joint program into its zero search.
		for _, joint := range m.arm.Joints {
			if _, err := m.transport.ASCIICommand(fmt.Sprintf("#%d(JA\r", joint.Address)); err != nil {
				m.logger.Debugw("program start", "axis", joint.Address, "error", err)
			}
			if _, err := m.transport.ASCIICommand(fmt.Sprintf("#%dP1\r", joint.Address)); err != nil {
				if errors.Is(err, transport.ErrLinkLost) {
					m.disconnect(err)
					return
				}
				m.logger.Warnw("axis search start failed", "axis", joint.Address, "error", err)
				m.setState(RobotConfirmed)
				return
			}
		}
		m.initStarted = true
		return
	}

	states, err := m.axisStates()
	if err != nil {
		if errors.Is(err, transport.ErrLinkLost) {
			m.disconnect(err)
			return
		}
	} else {
		ready := true
		for _, s := range states {
			if s != 2 {
				ready = false
				break
			}
		}
		if ready {
			m.logger.Info("all axes initialised")
			m.setState(InitialisedStiff)
			return
		}
	}

	if m.clock.Now().After(m.initDeadline) {
		m.logger.Error("initialisation failed: axes never reached position control")
		m.haltAxes()
		m.setState(RobotConfirmed)
		return
	}
	m.clock.Sleep(idleStep)
}

func (m *Machine) haltAxes() {
	for _, joint := range m.arm.Joints {
		if _, err := m.transport.ASCIICommand(fmt.Sprintf("#%do0\r", joint.Address)); err != nil {
			m.logger.Debugw("halting axis", "axis", joint.Address, "error", err)
		}
	}
}

// ensureExtended brings the session into the framed protocol.
func (m *Machine) ensureExtended() error {
	switch m.state {
	case InitialisedStiff, InitialisedCompliant:
		if err := m.transport.EnterExtended(); err != nil {
			if errors.Is(err, transport.ErrLinkLost) {
				m.disconnect(err)
			}
			return err
		}
		m.setState(ExtendedMode)
		return nil
	case ExtendedMode, Playing:
		return nil
	}
	return errors.Errorf("cannot enter extended mode from %s", m.state)
}

func (m *Machine) upload(tl *sequence.Timeline, mode uploader.Mode) error {
	if err := m.ensureExtended(); err != nil {
		return err
	}
	if m.state == Playing {
		return errors.New("cannot upload while playing")
	}
	if err := uploader.Upload(m.transport, m.arm, tl, mode, m.logger.Sublogger("uploader")); err != nil {
		if errors.Is(err, transport.ErrLinkLost) {
			m.disconnect(err)
		}
		return err
	}
	if mode == uploader.ModePlay || mode == uploader.ModeLoop {
		m.setState(Playing)
	}
	return nil
}

func (m *Machine) startPlayback(loop bool) error {
	if err := m.ensureExtended(); err != nil {
		return err
	}
	if m.state == Playing {
		return errors.New("already playing")
	}
	var flags uint8
	if loop {
		flags |= wire.FlagLoop
	}
	pkt, err := m.transport.Command(wire.CmdPlay, []byte{flags})
	if err != nil {
		if errors.Is(err, transport.ErrLinkLost) {
			m.disconnect(err)
		}
		return err
	}
	if pkt.Command != wire.CmdPlay {
		return errors.Errorf("device answered %s to PLAY", pkt.Command)
	}
	m.setState(Playing)
	return nil
}

func (m *Machine) stopPlayback() error {
	if m.state != Playing {
		return nil
	}
	pkt, err := m.transport.Command(wire.CmdStop, nil)
	if err != nil {
		if errors.Is(err, transport.ErrLinkLost) {
			m.disconnect(err)
		}
		return err
	}
	if pkt.Command != wire.CmdStop {
		return errors.Errorf("device answered %s to STOP", pkt.Command)
	}
	return nil
}

// pollFeedback refreshes the device feedback and the per-joint angle cache.
// In Playing it also notices sequence completion.
func (m *Machine) pollFeedback() {
	pkt, err := m.transport.Command(wire.CmdFeedback, nil)
	if err != nil {
		if errors.Is(err, transport.ErrLinkLost) {
			m.disconnect(err)
		}
		return
	}
	if pkt.Command != wire.CmdFeedback {
		return
	}
	var fb wire.Feedback
	if err := fb.UnmarshalBinary(pkt.Payload); err != nil {
		m.logger.Debugw("bad feedback payload", "error", err)
		return
	}
	m.cacheFeedback(fb)

	if m.state == Playing && !fb.Playing() {
		m.setState(ExtendedMode)
	}
}

// setCompliant switches the joint currents between stiff and back-drivable.
// Any pending motion is aborted first so the commanded position matches the
// observed one; the bus temporarily leaves extended mode for the legacy
// current registers.
func (m *Machine) setCompliant(enable bool) error {
	switch m.state {
	case InitialisedStiff, InitialisedCompliant, ExtendedMode:
	default:
		return errors.Errorf("cannot change compliance from %s", m.state)
	}

	wasExtended := m.state == ExtendedMode
	if wasExtended {
		if err := m.abortPendingMotion(); err != nil {
			return err
		}
		if err := m.transport.ExitExtended(); err != nil {
			if errors.Is(err, transport.ErrLinkLost) {
				m.disconnect(err)
			}
			return err
		}
	}

	deadline := m.clock.Now().Add(complianceTimeout)
	for _, joint := range m.arm.Joints {
		hold, run := 0, 0
		if !enable {
			hold, run = joint.HoldCurrent, joint.MaxCurrent
		}
		for _, cmd := range []string{
			fmt.Sprintf("#%dr%d\r", joint.Address, hold),
			fmt.Sprintf("#%di%d\r", joint.Address, run),
		} {
			if m.clock.Now().After(deadline) {
				return errors.New("compliance transition timed out")
			}
			if _, err := m.transport.ASCIICommand(cmd); err != nil {
				if errors.Is(err, transport.ErrLinkLost) {
					m.disconnect(err)
				}
				return errors.Wrapf(err, "axis %d current change", joint.Address)
			}
		}
	}

	if enable {
		m.setState(InitialisedCompliant)
	} else {
		m.setState(InitialisedStiff)
	}
	if wasExtended {
		if err := m.ensureExtended(); err != nil {
			return err
		}
	}
	return nil
}

// abortPendingMotion re-commands every axis to its observed position so a
// compliance change cannot lurch the arm.
func (m *Machine) abortPendingMotion() error {
	pkt, err := m.transport.Command(wire.CmdFeedback, nil)
	if err != nil {
		return err
	}
	var fb wire.Feedback
	if err := fb.UnmarshalBinary(pkt.Payload); err != nil {
		return err
	}

	motion := wire.Motion{NumAxes: uint8(len(m.arm.Joints))}
	for _, joint := range m.arm.Joints {
		j := joint.Address - 1
		if fb.Positions[j] == wire.NoReading {
			continue
		}
		motion.Ticks[j] = uint16(int(fb.Positions[j]) + wire.PositionBias)
		motion.Velocity[j] = 100
	}
	raw, err := motion.MarshalBinary()
	if err != nil {
		return err
	}
	reply, err := m.transport.Command(wire.CmdMotion, raw)
	if err != nil {
		return err
	}
	if reply.Command != wire.CmdFeedback {
		return errors.Errorf("device answered %s to MOTION", reply.Command)
	}
	return nil
}

// SendMotion commands immediate per-axis targets, the real-time playback
// path. It requires extended mode.
func (m *Machine) SendMotion(angles, velocities map[string]float64, output sequence.OutputAction) error {
	if m.state != ExtendedMode {
		return errors.Errorf("cannot send motion from %s", m.state)
	}

	motion := wire.Motion{NumAxes: uint8(m.arm.ActiveAxes())}
	switch output {
	case sequence.OutputSet:
		motion.Output = wire.OutputSet
	case sequence.OutputReset:
		motion.Output = wire.OutputReset
	}

	for _, joint := range m.arm.Joints {
		angle, ok := angles[joint.Name]
		if !ok {
			continue
		}
		j := joint.Address - 1
		motion.Ticks[j] = joint.Tick(joint.Clamp(angle))

		velocity := math.Abs(velocities[joint.Name]) / joint.MotToRad
		if velocity > 65535 {
			velocity = 65535
		}
		motion.Velocity[j] = uint16(math.Round(velocity))
	}

	raw, err := motion.MarshalBinary()
	if err != nil {
		return err
	}
	pkt, err := m.transport.Command(wire.CmdMotion, raw)
	if err != nil {
		if errors.Is(err, transport.ErrLinkLost) {
			m.disconnect(err)
		}
		return err
	}
	if pkt.Command != wire.CmdFeedback {
		return errors.Errorf("device answered %s to MOTION", pkt.Command)
	}

	var fb wire.Feedback
	if err := fb.UnmarshalBinary(pkt.Payload); err == nil {
		m.cacheFeedback(fb)
	}
	return nil
}

// cacheFeedback records the latest device feedback; axes with no fresh
// encoder reading keep their previous angle.
func (m *Machine) cacheFeedback(fb wire.Feedback) {
	m.fbMu.Lock()
	defer m.fbMu.Unlock()
	m.lastFeedback = fb
	for _, joint := range m.arm.Joints {
		pos := fb.Positions[joint.Address-1]
		if pos == wire.NoReading {
			continue
		}
		m.lastAngles[joint.Name] = joint.Angle(uint16(int(pos) + wire.PositionBias))
	}
}

// Observed implements the player's feedback side.
func (m *Machine) Observed(joint string) (float64, bool) {
	m.fbMu.Lock()
	defer m.fbMu.Unlock()
	angle, ok := m.lastAngles[joint]
	return angle, ok
}

// PlayerSink adapts the machine for the real-time keyframe player. While a
// player runs, the step loop must sit idle in ExtendedMode so the player is
// the only traffic source; exactly one of the host player and the device
// sequencer may ever be active.
func (m *Machine) PlayerSink() player.Sink {
	return playerSink{m}
}

type playerSink struct {
	m *Machine
}

func (s playerSink) Send(sample player.Sample) error {
	return s.m.SendMotion(sample.Angles, sample.Velocities, sample.Output)
}

func (s playerSink) Observed(joint string) (float64, bool) {
	return s.m.Observed(joint)
}
