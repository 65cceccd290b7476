// Package player is the host-side real-time keyframe player: a 50 Hz
// interpolator over a built timeline with per-joint adaptive velocity
// correction, used when the PC drives the arm directly instead of the
// on-device sequencer.
package player

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/robolinkio/robolink/jointcfg"
	"github.com/robolinkio/robolink/logging"
	"github.com/robolinkio/robolink/sequence"
)

// StepPeriod is the playback sample period.
const StepPeriod = 20 * time.Millisecond

// Default tuning: the velocity headroom added to every segment and the
// bounds of the per-joint correction factor.
const (
	DefaultTimeCorrection   = 0.08
	DefaultVelocityAdaption = 0.15
)

// Sample is one command frame for the arm.
type Sample struct {
	// Angles are the commanded joint angles, clamped to limits.
	Angles map[string]float64
	// Velocities are the commanded joint speeds in rad/s.
	Velocities map[string]float64
	// Output is the digital output action due at this step.
	Output sequence.OutputAction
	// Final marks the last sample of a non-looped run.
	Final bool
}

// Sink receives command frames and reports the measured joint angles used
// for velocity adaptation.
type Sink interface {
	Send(sample Sample) error
	// Observed returns the last angle the arm reported for a joint.
	Observed(joint string) (float64, bool)
}

// Options tune a player; the zero value selects the defaults.
type Options struct {
	// Snap disables interpolation: every step commands the next item's
	// angle directly.
	Snap bool

	TimeCorrection   float64
	VelocityAdaption float64

	// OnComplete fires when a non-looped run finishes.
	OnComplete func()
}

// Player steps a timeline in real time.
type Player struct {
	arm    *jointcfg.Arm
	tl     *sequence.Timeline
	sink   Sink
	clock  clock.Clock
	logger logging.Logger
	opts   Options

	slider  float64
	current *sequence.Item

	lastAngles     map[string]float64
	lastVelocities map[string]float64
}

// New returns a player positioned at the head of the timeline.
func New(arm *jointcfg.Arm, tl *sequence.Timeline, sink Sink, clk clock.Clock, logger logging.Logger, opts Options) *Player {
	if opts.TimeCorrection == 0 {
		opts.TimeCorrection = DefaultTimeCorrection
	}
	if opts.VelocityAdaption == 0 {
		opts.VelocityAdaption = DefaultVelocityAdaption
	}
	return &Player{
		arm:            arm,
		tl:             tl,
		sink:           sink,
		clock:          clk,
		logger:         logger,
		opts:           opts,
		current:        tl.Head(),
		lastAngles:     map[string]float64{},
		lastVelocities: map[string]float64{},
	}
}

// Run steps the timeline at the playback rate until completion (non-looped),
// cancellation, or a sink failure.
func (p *Player) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(StepPeriod)
	defer ticker.Stop()

	last := p.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			last = now
			done, err := p.Step(dt)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// Step advances playback by dt seconds and sends one sample. It reports
// true when a non-looped run has emitted its final sample.
func (p *Player) Step(dt float64) (bool, error) {
	p.slider += dt
	output := sequence.OutputIgnore

	if p.tl.Looped() {
		for p.slider > p.tl.Duration() {
			p.slider -= p.tl.Duration()
			p.current = p.tl.Head()
		}
	}

	for p.current.Next() != nil && p.current.Next() != p.tl.Head() && p.current.Next().AbsoluteTime < p.slider {
		p.current = p.current.Next()
		if p.current.Output != sequence.OutputIgnore {
			output = p.current.Output
		}
	}

	next := p.current.Next()
	if next == nil {
		// Overran the last item of a non-looped run: one final sample.
		sample := p.sampleAt(p.current, p.current, 1, output)
		sample.Final = true
		if err := p.sink.Send(sample); err != nil {
			return false, errors.Wrap(err, "sending final sample")
		}
		if p.opts.OnComplete != nil {
			p.opts.OnComplete()
		}
		return true, nil
	}

	weight := 1.0
	if next.RelativeTime > 0 {
		weight = (p.slider - p.current.AbsoluteTime) / next.RelativeTime
	}
	if weight < 0 {
		weight = 0
	} else if weight > 1 {
		weight = 1
	}

	sample := p.sampleAt(p.current, next, weight, output)
	if err := p.sink.Send(sample); err != nil {
		return false, errors.Wrap(err, "sending sample")
	}
	return false, nil
}

// sampleAt builds the command frame between two items at the given weight.
func (p *Player) sampleAt(from, to *sequence.Item, weight float64, output sequence.OutputAction) Sample {
	sample := Sample{
		Angles:     make(map[string]float64, len(to.Joints)),
		Velocities: make(map[string]float64, len(to.Joints)),
		Output:     output,
	}

	for name, target := range to.Joints {
		angle := target.Angle
		if !p.opts.Snap {
			fromAngle := from.Joints[name].Angle
			angle = fromAngle + (target.Angle-fromAngle)*weight
		}

		joint, ok := p.arm.JointByName(name)
		if ok {
			angle = joint.Clamp(angle)
		}

		span := math.Abs(target.Angle - from.Joints[name].Angle)
		velocity := span / (to.RelativeTime + p.opts.TimeCorrection)
		velocity *= p.correctionFactor(name)

		sample.Angles[name] = angle
		sample.Velocities[name] = velocity
		p.lastAngles[name] = angle
		p.lastVelocities[name] = velocity
	}
	return sample
}

// correctionFactor compares how far the joint actually moved against what
// was commanded and scales the next velocity accordingly, bounded by the
// adaptation strength.
func (p *Player) correctionFactor(name string) float64 {
	sent, haveSent := p.lastAngles[name]
	observed, haveObserved := p.sink.Observed(name)
	velocity := p.lastVelocities[name]
	if !haveSent || !haveObserved || velocity <= 0 {
		return 1
	}

	dt := StepPeriod.Seconds()
	ratio := math.Abs(sent-observed) / (dt * velocity)
	low := 1 - p.opts.VelocityAdaption
	high := 1 + p.opts.VelocityAdaption
	if ratio < low {
		return low
	}
	if ratio > high {
		return high
	}
	return ratio
}
