// Package sequencer is the on-device playback engine. Given the committed
// keyframe sequence it interpolates per-axis targets across the timeline and
// runs a look-ahead velocity correction loop against encoder feedback, while
// letting the command dispatcher service the host between axis passes.
package sequencer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/robolinkio/robolink/device/motorbus"
	"github.com/robolinkio/robolink/device/nvstore"
	"github.com/robolinkio/robolink/logging"
	"github.com/robolinkio/robolink/wire"
)

// OutputPin is the digital output switched by keyframe output commands.
type OutputPin interface {
	Set(high bool)
}

// SyncLine is the shared open-collector line used to synchronise looped
// playback across arms. Released it floats high; asserted it is pulled low.
type SyncLine interface {
	Release()
	Assert()
	// Sample reads the line level.
	Sample() bool
}

// Playback tuning constants.
const (
	// startTolerance is the per-axis tick error under which the arm
	// counts as standing on the start keyframe.
	startTolerance = 50
	// startTimeout bounds the drive to the start keyframe.
	startTimeout = 8000 * time.Millisecond
	// startSettleIterations of consecutive in-position reads finish the
	// start move.
	startSettleIterations = 10
	// startVelocityScale over 256 of enc-to-mot gives the conservative
	// start-move velocity.
	startVelocityScale = 94

	// minVelocity and maxVelocityScale bound the corrected velocity.
	minVelocity      = 100
	maxVelocityScale = 7000

	// endHoldMS is the synthetic segment duration used to hold the final
	// keyframe when the look-ahead window runs off a non-looped sequence.
	endHoldMS = 100

	// syncStableSamples of consecutive released-line reads, then
	// syncSettle, resume a synchronised loop.
	syncStableSamples = 20
	syncSettle        = 20 * time.Millisecond
)

// Sequencer owns the in-RAM keyframe buffer and plays it. The dispatcher
// may mutate the buffer only while playback is idle.
type Sequencer struct {
	driver *motorbus.Driver
	store  nvstore.Store
	clock  clock.Clock
	logger logging.Logger

	output OutputPin
	sync   SyncLine

	// service runs between axis passes so the host stays in control
	// during playback.
	service func()

	mu     sync.Mutex
	cfg    wire.Config
	frames []wire.Keyframe

	playing atomic.Bool
	abort   atomic.Bool
}

// New returns a sequencer. output and syncLine may be nil when the hardware
// lacks them; service may be nil.
func New(
	driver *motorbus.Driver,
	store nvstore.Store,
	clk clock.Clock,
	output OutputPin,
	syncLine SyncLine,
	logger logging.Logger,
) *Sequencer {
	return &Sequencer{
		driver: driver,
		store:  store,
		clock:  clk,
		output: output,
		sync:   syncLine,
		logger: logger,
		cfg:    defaultConfig(),
	}
}

func defaultConfig() wire.Config {
	cfg := wire.Config{ActiveAxes: 4, Lookahead: 200}
	for j := range cfg.EncToMot {
		cfg.EncToMot[j] = 256
	}
	return cfg
}

// SetService installs the dispatcher polling hook run between axis passes.
func (s *Sequencer) SetService(service func()) {
	s.service = service
}

// LoadSequence restores the committed sequence from the store. An erased or
// corrupt record boots as an empty four-axis configuration.
func (s *Sequencer) LoadSequence() error {
	cfg, frames, err := s.store.Load()
	if err != nil {
		return errors.Wrap(err, "loading committed sequence")
	}
	if cfg.ActiveAxes == 0xFFFF || cfg.NumKeyframes >= wire.MaxKeyframes {
		cfg = defaultConfig()
		frames = nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.frames = frames
	return nil
}

// Commit flushes the RAM buffer and configuration to the store.
func (s *Sequencer) Commit() error {
	if s.IsPlaying() {
		return errors.New("cannot commit while playing")
	}
	s.mu.Lock()
	cfg, frames := s.cfg, append([]wire.Keyframe(nil), s.frames...)
	s.mu.Unlock()
	return s.store.Commit(cfg, frames)
}

// Config returns the active configuration.
func (s *Sequencer) Config() wire.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetConfig replaces the active configuration. Rejected while playing.
func (s *Sequencer) SetConfig(cfg wire.Config) error {
	if s.IsPlaying() {
		return errors.New("cannot reconfigure while playing")
	}
	if cfg.NumKeyframes > wire.MaxKeyframes {
		return errors.Errorf("keyframe count %d exceeds maximum %d", cfg.NumKeyframes, wire.MaxKeyframes)
	}
	if cfg.ActiveAxes > wire.NumAxes {
		return errors.Errorf("axis count %d exceeds maximum %d", cfg.ActiveAxes, wire.NumAxes)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if int(cfg.NumKeyframes) < len(s.frames) {
		s.frames = s.frames[:cfg.NumKeyframes]
	}
	return nil
}

// Keyframe returns the RAM buffer entry at index.
func (s *Sequencer) Keyframe(index int) (wire.Keyframe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.frames) {
		return wire.Keyframe{}, errors.Errorf("keyframe index %d out of range 0..%d", index, len(s.frames)-1)
	}
	return s.frames[index], nil
}

// SetKeyframe writes the RAM buffer entry at index, growing the buffer by at
// most one. Rejected while playing.
func (s *Sequencer) SetKeyframe(index int, kf wire.Keyframe) error {
	if s.IsPlaying() {
		return errors.New("cannot store keyframes while playing")
	}
	if index < 0 || index >= wire.MaxKeyframes {
		return errors.Errorf("keyframe index %d out of range 0..%d", index, wire.MaxKeyframes-1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if index > len(s.frames) {
		return errors.Errorf("keyframe index %d leaves a gap after %d", index, len(s.frames))
	}
	if index == len(s.frames) {
		s.frames = append(s.frames, kf)
	} else {
		s.frames[index] = kf
	}
	return nil
}

// IsPlaying reports whether a sequence is running.
func (s *Sequencer) IsPlaying() bool {
	return s.playing.Load()
}

// Stop requests an abort. The playback loop observes the flag within one
// iteration and returns with motors at their last commanded velocity.
func (s *Sequencer) Stop() {
	s.abort.Store(true)
}

// ReadFeedback samples every active axis. Positions are raw encoder values;
// axes that fail to answer report wire.NoReading.
func (s *Sequencer) ReadFeedback() wire.Feedback {
	cfg := s.Config()
	fb := wire.Feedback{NumAxes: uint8(cfg.ActiveAxes)}
	if s.IsPlaying() {
		fb.Flags |= wire.FlagPlaying
	}
	for j := 0; j < int(cfg.ActiveAxes); j++ {
		enc, err := s.driver.Encoder(j + 1)
		if err != nil {
			fb.Positions[j] = wire.NoReading
			continue
		}
		fb.Positions[j] = enc
	}
	return fb
}

// RunSequence plays the committed buffer. It blocks until the sequence
// completes, the abort flag is raised, or the start keyframe cannot be
// reached.
func (s *Sequencer) RunSequence(loop bool) error {
	if !s.playing.CompareAndSwap(false, true) {
		return errors.New("already playing")
	}
	defer s.playing.Store(false)
	s.abort.Store(false)

	s.mu.Lock()
	cfg := s.cfg
	frames := append([]wire.Keyframe(nil), s.frames...)
	s.mu.Unlock()

	n := int(cfg.NumKeyframes)
	if n == 0 || len(frames) < n {
		return errors.New("no committed sequence to play")
	}

	if err := s.driveToStart(cfg, frames[0]); err != nil {
		return err
	}
	s.ApplyOutput(frames[0].Output)

	for {
		for i := 0; i+1 < n; i++ {
			if s.abort.Load() {
				return nil
			}
			s.playSegment(cfg, frames, i, loop)
			if s.abort.Load() {
				return nil
			}
			s.ApplyOutput(frames[i+1].Output)
		}
		if !loop {
			return nil
		}
		s.syncWait()
		if s.abort.Load() {
			return nil
		}
	}
}

// ApplyOutput drives the digital output for a keyframe or motion command.
func (s *Sequencer) ApplyOutput(cmd wire.OutputCommand) {
	if s.output == nil {
		return
	}
	switch cmd {
	case wire.OutputSet:
		s.output.Set(true)
	case wire.OutputReset:
		s.output.Set(false)
	}
}

func (s *Sequencer) serviceHost() {
	if s.service != nil {
		s.service()
	}
}

// atStart reports whether every axis already stands on the start keyframe.
func (s *Sequencer) atStart(cfg wire.Config, first wire.Keyframe) bool {
	for j := 0; j < int(cfg.ActiveAxes); j++ {
		enc, err := s.driver.Encoder(j + 1)
		if err != nil {
			return false
		}
		diff := int(first.Ticks[j]) - (int(enc) + wire.PositionBias)
		if diff >= startTolerance || diff <= -startTolerance {
			return false
		}
	}
	return true
}

// driveToStart moves the arm onto keyframe zero with a conservative
// velocity. On timeout all axis velocities are zeroed and the failure is
// returned.
func (s *Sequencer) driveToStart(cfg wire.Config, first wire.Keyframe) error {
	if s.atStart(cfg, first) {
		return nil
	}

	for j := 0; j < int(cfg.ActiveAxes); j++ {
		velocity := int(cfg.EncToMot[j]) * startVelocityScale / 256
		if err := multierr.Combine(
			s.driver.SetDestination(j+1, first.Ticks[j]),
			s.driver.SetVelocity(j+1, uint16(velocity)),
		); err != nil {
			s.haltMotors(cfg)
			return errors.Wrapf(err, "starting axis %d", j+1)
		}
	}

	deadline := s.clock.Now().Add(startTimeout)
	settled := 0
	for settled < startSettleIterations {
		if s.abort.Load() {
			return nil
		}
		if s.clock.Now().After(deadline) {
			s.haltMotors(cfg)
			return errors.New("start keyframe not reached within 8000 ms")
		}
		if s.atStart(cfg, first) {
			settled++
		} else {
			settled = 0
		}
		s.serviceHost()
		s.clock.Sleep(time.Millisecond)
	}
	return nil
}

func (s *Sequencer) haltMotors(cfg wire.Config) {
	var err error
	for j := 0; j < int(cfg.ActiveAxes); j++ {
		err = multierr.Append(err, s.driver.SetVelocity(j+1, 0))
	}
	if err != nil {
		s.logger.Warnw("halting motors", "error", err)
	}
}

// playSegment drives segment i -> i+1 for its whole duration.
func (s *Sequencer) playSegment(cfg wire.Config, frames []wire.Keyframe, i int, loop bool) {
	duration := int(frames[i+1].Duration)
	if duration < 1 {
		duration = 1
	}

	start := s.clock.Now()
	for {
		elapsed := int(s.clock.Now().Sub(start) / time.Millisecond)
		if elapsed >= duration {
			return
		}
		if s.abort.Load() {
			return
		}
		for j := 0; j < int(cfg.ActiveAxes); j++ {
			s.driveAxis(cfg, frames, i, j, elapsed, loop)
			s.serviceHost()
			if s.abort.Load() {
				return
			}
		}
		s.clock.Sleep(time.Millisecond)
	}
}

// driveAxis issues one destination/velocity update for axis j of segment i.
func (s *Sequencer) driveAxis(cfg wire.Config, frames []wire.Keyframe, i, j, elapsed int, loop bool) {
	toTick := frames[i+1].Ticks[j]

	if cfg.Lookahead > 0 {
		if enc, err := s.driver.Encoder(j + 1); err == nil {
			dest, velocity := lookaheadCommand(cfg, frames, i, j, elapsed, int(enc), loop)
			s.sendAxis(j, uint16(dest+wire.PositionBias), uint16(velocity))
			return
		}
	}

	// Encoder unreadable or look-ahead disabled: command the segment
	// endpoint at the nominal segment velocity.
	duration := int(frames[i+1].Duration)
	if duration < 1 {
		duration = 1
	}
	deltaTicks := int(toTick) - int(frames[i].Ticks[j])
	if deltaTicks < 0 {
		deltaTicks = -deltaTicks
	}
	velocity := int(cfg.EncToMot[j]) * deltaTicks / duration / 256
	s.sendAxis(j, toTick, uint16(velocity))
}

func (s *Sequencer) sendAxis(j int, dest, velocity uint16) {
	if err := multierr.Combine(
		s.driver.SetDestination(j+1, dest),
		s.driver.SetVelocity(j+1, velocity),
	); err != nil {
		s.logger.Debugw("axis command failed", "axis", j+1, "error", err)
	}
}

// lookaheadCommand computes the corrected destination (unbiased ticks) and
// motor velocity for axis j, looking lookahead milliseconds past the current
// position in the timeline and crossing keyframe boundaries as needed.
func lookaheadCommand(cfg wire.Config, frames []wire.Keyframe, i, j, elapsed, encoder int, loop bool) (int, int) {
	n := int(cfg.NumKeyframes)
	lookahead := int(cfg.Lookahead)
	encToMot := int(cfg.EncToMot[j])

	from := int(frames[i].Ticks[j]) - wire.PositionBias
	to := int(frames[i+1].Ticks[j]) - wire.PositionBias
	duration := int(frames[i+1].Duration)
	if duration < 1 {
		duration = 1
	}

	deltaMS := elapsed + lookahead
	next := i + 1
	for deltaMS > duration {
		deltaMS -= duration
		from = to
		next++
		if next >= n {
			if loop {
				// The zeroth frame is the starting pose; a loop
				// wraps onto frame one.
				next = 1
				to = int(frames[1].Ticks[j]) - wire.PositionBias
				duration = int(frames[1].Duration)
			} else {
				to = from
				duration = endHoldMS
			}
		} else {
			to = int(frames[next].Ticks[j]) - wire.PositionBias
			duration = int(frames[next].Duration)
		}
		if duration < 1 {
			duration = 1
		}
	}

	dest := from + deltaMS*(1000*(to-from)/duration)/1000

	velocity := 1000 * (dest - encoder) / lookahead
	if velocity < 0 {
		velocity = -velocity
	}
	velocity = velocity * encToMot / 256
	if velocity < minVelocity {
		velocity = minVelocity
	}
	if max := encToMot * maxVelocityScale / 256; velocity > max {
		velocity = max
	}
	return dest, velocity
}

// syncWait coordinates looped playback across arms over the shared line:
// release, wait for the line to read stably released, settle, re-assert.
func (s *Sequencer) syncWait() {
	if s.sync == nil {
		return
	}
	s.sync.Release()
	stable := 0
	for stable < syncStableSamples {
		if s.abort.Load() {
			return
		}
		if s.sync.Sample() {
			stable++
		} else {
			stable = 0
		}
		s.serviceHost()
		s.clock.Sleep(time.Millisecond)
	}
	s.clock.Sleep(syncSettle)
	s.sync.Assert()
}
