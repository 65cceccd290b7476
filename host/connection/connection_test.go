package connection

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils"

	"github.com/robolinkio/robolink/device/firmware"
	"github.com/robolinkio/robolink/device/motorbus"
	"github.com/robolinkio/robolink/device/nvstore"
	"github.com/robolinkio/robolink/host/transport"
	"github.com/robolinkio/robolink/host/uploader"
	"github.com/robolinkio/robolink/jointcfg"
	"github.com/robolinkio/robolink/logging"
	"github.com/robolinkio/robolink/sequence"
)

type rig struct {
	machine *Machine
	bus     *motorbus.SimBus
	store   *nvstore.Mem
	hostEnd *firmware.Endpoint
	cancel  func()
	done    chan struct{}
}

func testArm() *jointcfg.Arm {
	return &jointcfg.Arm{
		LookaheadMS: 200,
		Joints: []jointcfg.Joint{
			{
				Name: "base", Address: 1,
				Lower: -2, Upper: 2,
				EncToRad: 2 * math.Pi / 4640, MotToRad: 2 * math.Pi / 4640,
				MaxCurrent: 80, HoldCurrent: 20,
			},
		},
	}
}

func startRig(t *testing.T) *rig {
	t.Helper()

	hostEnd, deviceEnd := firmware.Pipe()
	bus := motorbus.NewSimBus(1)
	bus.Axis(1).Track = true
	store := nvstore.NewMem()

	device, err := firmware.New(firmware.Config{
		Host:  deviceEnd,
		Bus:   bus,
		Store: store,
	}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	utils.PanicCapturingGo(func() {
		defer close(done)
		device.Run(ctx)
	})

	tr := transport.New(
		func(string) (transport.Serial, error) { return hostEnd, nil },
		func() ([]string, error) { return []string{"sim0"}, nil },
		logging.NewTestLogger(t),
	)
	machine := New(tr, testArm(), clock.New(), logging.NewTestLogger(t))

	r := &rig{
		machine: machine,
		bus:     bus,
		store:   store,
		hostEnd: hostEnd,
		cancel:  cancel,
		done:    done,
	}
	t.Cleanup(func() {
		cancel()
		hostEnd.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("device did not stop")
		}
	})
	return r
}

func stepUntil(t *testing.T, m *Machine, want State) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for m.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state machine stuck in %s waiting for %s", m.State(), want)
		}
		m.Step()
	}
}

func TestBootAndConnect(t *testing.T) {
	r := startRig(t)

	test.That(t, r.machine.State(), test.ShouldEqual, PortClosed)
	r.machine.Step()
	test.That(t, r.machine.State(), test.ShouldEqual, PortOpen)

	stepUntil(t, r.machine, RobotConfirmed)
}

func TestSkipInitWhenAxesHoldPosition(t *testing.T) {
	r := startRig(t)
	r.bus.SetAxisState(1, 2)

	stepUntil(t, r.machine, InitialisedStiff)
}

func TestInitialisationSequence(t *testing.T) {
	r := startRig(t)

	stepUntil(t, r.machine, RobotConfirmed)
	r.machine.RequestInit()
	stepUntil(t, r.machine, Initialising)

	// The joint program was started and put into its zero search.
	deadline := time.Now().Add(5 * time.Second)
	for {
		axis := r.bus.Snapshot(1)
		if axis.Started && axis.State == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("joint program never started searching")
		}
		r.machine.Step()
	}

	// Zero-find completes on the controller.
	r.bus.SetAxisState(1, 2)
	stepUntil(t, r.machine, InitialisedStiff)
}

func TestUploadCommitAndRemotePlayback(t *testing.T) {
	r := startRig(t)
	r.bus.SetAxisState(1, 2)
	stepUntil(t, r.machine, InitialisedStiff)

	arm := testArm()
	frames := []sequence.Keyframe{
		{Angles: map[string]float64{"base": 0}, Speed: 100},
		{Angles: map[string]float64{"base": math.Pi / 4}, Speed: 100},
	}
	tl, err := sequence.Build(frames, arm, false, 100.0)
	test.That(t, err, test.ShouldBeNil)

	result := make(chan error, 1)
	r.machine.UploadSequence(tl, uploader.ModeCommit, result)
	stepUntil(t, r.machine, ExtendedMode)
	for len(result) == 0 {
		r.machine.Step()
	}
	test.That(t, <-result, test.ShouldBeNil)

	// The device's store now holds the two converted keyframes.
	cfg, stored, err := r.store.Load()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.NumKeyframes, test.ShouldEqual, uint16(2))
	test.That(t, stored[0].Ticks[0], test.ShouldEqual, uint16(16384))
	test.That(t, stored[1].Ticks[0], test.ShouldEqual, uint16(16964))

	// Remote playback of the committed sequence.
	r.machine.StartPlayback(false, result)
	stepUntil(t, r.machine, Playing)
	test.That(t, <-result, test.ShouldBeNil)

	// Feedback clears the playing flag once the short sequence finishes.
	stepUntil(t, r.machine, ExtendedMode)
}

func TestStopDuringPlayback(t *testing.T) {
	r := startRig(t)
	r.bus.SetAxisState(1, 2)
	stepUntil(t, r.machine, InitialisedStiff)

	arm := testArm()
	frames := []sequence.Keyframe{
		{Angles: map[string]float64{"base": 0}, Speed: 100},
		{Angles: map[string]float64{"base": 1.5}, Speed: 100},
	}
	tl, err := sequence.Build(frames, arm, false, 0.05)
	test.That(t, err, test.ShouldBeNil)

	result := make(chan error, 1)
	r.machine.UploadSequence(tl, uploader.ModePlay, result)
	stepUntil(t, r.machine, Playing)
	test.That(t, <-result, test.ShouldBeNil)

	r.machine.StopPlayback(result)
	deadline := time.Now().Add(5 * time.Second)
	for len(result) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stop was never delivered")
		}
		r.machine.Step()
	}
	test.That(t, <-result, test.ShouldBeNil)

	// The device acknowledges within a segment and feedback returns the
	// machine to ExtendedMode.
	stepUntil(t, r.machine, ExtendedMode)
}

func TestLossOfLinkDisconnects(t *testing.T) {
	r := startRig(t)
	stepUntil(t, r.machine, RobotConfirmed)

	// Kill the link: the next bus access must fall all the way back to
	// PortClosed with derived state cleared.
	r.cancel()
	r.hostEnd.Close()
	stepUntil(t, r.machine, PortClosed)
}

func TestComplianceTransition(t *testing.T) {
	r := startRig(t)
	r.bus.SetAxisState(1, 2)
	stepUntil(t, r.machine, InitialisedStiff)

	result := make(chan error, 1)
	r.machine.SetCompliant(true, result)
	stepUntil(t, r.machine, InitialisedCompliant)
	test.That(t, <-result, test.ShouldBeNil)

	axis := r.bus.Snapshot(1)
	test.That(t, axis.HoldCurrent, test.ShouldEqual, 0)
	test.That(t, axis.RunCurrent, test.ShouldEqual, 0)

	r.machine.SetCompliant(false, result)
	stepUntil(t, r.machine, InitialisedStiff)
	test.That(t, <-result, test.ShouldBeNil)

	axis = r.bus.Snapshot(1)
	test.That(t, axis.HoldCurrent, test.ShouldEqual, 20)
	test.That(t, axis.RunCurrent, test.ShouldEqual, 80)
}
