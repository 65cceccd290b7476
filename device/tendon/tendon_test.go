package tendon

import (
	"testing"

	"go.viam.com/test"

	"github.com/robolinkio/robolink/wire"
)

// simJoint models the controller registers plus a tendon-driven joint: the
// motor demand walks toward the drive target one step per tick and the
// encoder runs at twice motor resolution plus slack.
type simJoint struct {
	pause       int
	demand      int
	target      int
	targetTicks int
	targetSpeed int
	current     int
	drift       int

	hallCenter int
	hallHalf   int

	resets int
}

func (s *simJoint) Pause() int       { return s.pause }
func (s *simJoint) Encoder() int     { return 2*s.demand + s.drift }
func (s *simJoint) Demand() int      { return s.demand }
func (s *simJoint) SetTarget(t int)  { s.target = t }
func (s *simJoint) TargetTicks() int { return s.targetTicks }
func (s *simJoint) TargetSpeed() int { return s.targetSpeed }
func (s *simJoint) Current() int     { return s.current }
func (s *simJoint) SetCurrent(c int) { s.current = c }

func (s *simJoint) Analog() int {
	enc := s.Encoder()
	if enc >= s.hallCenter-s.hallHalf && enc <= s.hallCenter+s.hallHalf {
		return 600
	}
	return 100
}

func (s *simJoint) ResetPositions() {
	s.demand = 0
	s.target = 0
	s.drift = 0
	s.resets++
}

// tick advances the motor one step toward the drive target.
func (s *simJoint) tick() {
	if s.demand < s.target {
		s.demand++
	} else if s.demand > s.target {
		s.demand--
	}
}

func TestZeroFinding(t *testing.T) {
	sim := &simJoint{
		pause:      1,
		current:    80,
		hallCenter: -300,
		hallHalf:   40,
	}
	ctrl := New(sim)

	for i := 0; i < 5000 && ctrl.Mode() != ModeIdle; i++ {
		ctrl.Step()
		sim.tick()
	}

	test.That(t, ctrl.Mode(), test.ShouldEqual, ModeIdle)
	test.That(t, sim.resets, test.ShouldEqual, 1)
	// Nominal current restored after the reduced-current sweep.
	test.That(t, sim.current, test.ShouldEqual, 80)
	// Positions rebased to the mechanical zero.
	test.That(t, sim.Encoder(), test.ShouldEqual, 0)
	test.That(t, sim.demand, test.ShouldEqual, 0)
}

func TestZeroFindingReducesCurrentDuringSweep(t *testing.T) {
	sim := &simJoint{pause: 1, current: 80, hallCenter: -300, hallHalf: 40}
	ctrl := New(sim)

	ctrl.Step()
	test.That(t, sim.current, test.ShouldEqual, searchCurrent)
}

func TestPositionControlFarAndNear(t *testing.T) {
	sim := &simJoint{pause: 2, targetSpeed: 3200}
	ctrl := New(sim)

	// Far target, generous speed: single-scale correction.
	sim.targetTicks = wire.PositionBias + 100
	ctrl.Step()
	test.That(t, sim.target, test.ShouldEqual, 50)

	// Same target at low speed: overshoot once the speed bound is passed.
	sim.targetSpeed = 64
	ctrl.Step()
	test.That(t, sim.target, test.ShouldEqual, 100)
}

func TestPositionControlHoldLatch(t *testing.T) {
	sim := &simJoint{pause: 2, targetSpeed: 3200}
	ctrl := New(sim)

	// Inside the dead band the controller latches a nudged hold target.
	sim.targetTicks = wire.PositionBias + 2
	ctrl.Step()
	test.That(t, sim.target, test.ShouldEqual, 4)

	// Still inside: the latched target stays put.
	sim.targetTicks = wire.PositionBias
	ctrl.Step()
	test.That(t, sim.target, test.ShouldEqual, 4)

	// Hold releases once the error grows to three motor steps.
	sim.targetTicks = wire.PositionBias + 6
	ctrl.Step()
	test.That(t, sim.target, test.ShouldEqual, 5)
}

func TestPositionControlBoundsAwayFromZeroStart(t *testing.T) {
	sim := &simJoint{pause: 2, targetSpeed: 3200}
	ctrl := New(sim)

	sim.targetTicks = wire.PositionBias + 6 // three motor steps
	ctrl.Step()
	test.That(t, sim.target, test.ShouldEqual, 5)

	sim.targetTicks = wire.PositionBias - 6
	ctrl.Step()
	test.That(t, sim.target, test.ShouldEqual, -5)
}

func TestComplianceIntegratesCableTension(t *testing.T) {
	sim := &simJoint{pause: 3}
	ctrl := New(sim)

	ctrl.Step()
	test.That(t, sim.target, test.ShouldEqual, 0)

	// Operator back-drives the joint: encoder moves, motor does not.
	sim.drift = 10
	ctrl.Step()
	test.That(t, sim.target, test.ShouldEqual, 20)
}

func TestModeDispatch(t *testing.T) {
	sim := &simJoint{}
	ctrl := New(sim)

	ctrl.Step()
	test.That(t, ctrl.Mode(), test.ShouldEqual, ModeUninitialised)

	sim.pause = 4
	ctrl.Step()
	test.That(t, ctrl.Mode(), test.ShouldEqual, ModePassive)

	sim.pause = 9
	ctrl.Step()
	test.That(t, ctrl.Mode(), test.ShouldEqual, ModeHalted)
}
