// The robolink command is the headless front end to the motion stack: it
// detects the arm, initialises joints, uploads sequences and supervises
// playback from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/robolinkio/robolink/host/connection"
	"github.com/robolinkio/robolink/host/player"
	"github.com/robolinkio/robolink/host/transport"
	"github.com/robolinkio/robolink/host/uploader"
	"github.com/robolinkio/robolink/jointcfg"
	"github.com/robolinkio/robolink/logging"
	"github.com/robolinkio/robolink/sequence"
)

func main() {
	app := &cli.App{
		Name:  "robolink",
		Usage: "drive a robolink tendon arm over its serial link",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "joint configuration file",
				Value:   "arm.cfg",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "verbose logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "ports",
				Usage:  "list candidate serial ports",
				Action: runPorts,
			},
			{
				Name:   "check",
				Usage:  "validate a configuration and optional sequence file",
				Action: runCheck,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "sequence", Aliases: []string{"s"}},
				},
			},
			{
				Name:   "upload",
				Usage:  "translate a sequence and commit it to the arm",
				Action: runUpload,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "sequence", Aliases: []string{"s"}, Required: true},
					&cli.Float64Flag{Name: "speed-limit", Value: 1.0, Usage: "max joint speed, rad/s"},
				},
			},
			{
				Name:   "play",
				Usage:  "play a sequence on the arm",
				Action: runPlay,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "sequence", Aliases: []string{"s"}, Required: true},
					&cli.Float64Flag{Name: "speed-limit", Value: 1.0, Usage: "max joint speed, rad/s"},
					&cli.BoolFlag{Name: "loop", Usage: "loop until interrupted"},
					&cli.BoolFlag{Name: "local", Usage: "drive playback from the host instead of the device"},
				},
			},
			{
				Name:   "monitor",
				Usage:  "connect and print joint feedback",
				Action: runMonitor,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) logging.Logger {
	if c.Bool("debug") {
		return logging.NewDebugLogger("robolink")
	}
	return logging.NewLogger("robolink")
}

func loadArm(c *cli.Context) (*jointcfg.Arm, error) {
	return jointcfg.Load(c.String("config"))
}

func runPorts(c *cli.Context) error {
	names, err := transport.DefaultLister()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("no serial ports present")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func runCheck(c *cli.Context) error {
	arm, err := loadArm(c)
	if err != nil {
		return err
	}
	color.Green("configuration ok: %d joints, lookahead %d ms", len(arm.Joints), arm.LookaheadMS)
	for _, joint := range arm.Joints {
		fmt.Printf("  %-16s addr %d  [%+.3f, %+.3f] rad  enc/mot %d\n",
			joint.Name, joint.Address, joint.Lower, joint.Upper, joint.EncToMot())
	}

	if path := c.String("sequence"); path != "" {
		frames, err := sequence.LoadFile(path)
		if err != nil {
			return err
		}
		if _, err := sequence.Build(frames, arm, false, 1.0); err != nil {
			return err
		}
		color.Green("sequence ok: %d keyframes", len(frames))
	}
	return nil
}

// connect brings the machine to at least InitialisedStiff, running the step
// loop in the background.
func connect(ctx context.Context, c *cli.Context, logger logging.Logger) (*connection.Machine, *errgroup.Group, error) {
	arm, err := loadArm(c)
	if err != nil {
		return nil, nil, err
	}

	tr := transport.New(nil, nil, logger.Sublogger("transport"))
	machine := connection.New(tr, arm, clock.New(), logger.Sublogger("connection"))
	machine.OnState(func(s connection.State) {
		logger.Infof("connection: %s", s)
	})

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		machine.Run(ctx)
		return nil
	})

	deadline := time.Now().Add(60 * time.Second)
	for machine.State() != connection.InitialisedStiff {
		if machine.State() == connection.RobotConfirmed {
			machine.RequestInit()
		}
		if time.Now().After(deadline) {
			return nil, nil, fmt.Errorf("arm not ready, stuck in %s", machine.State())
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return machine, group, nil
}

func buildTimeline(c *cli.Context, looped bool) (*jointcfg.Arm, *sequence.Timeline, error) {
	arm, err := loadArm(c)
	if err != nil {
		return nil, nil, err
	}
	frames, err := sequence.LoadFile(c.String("sequence"))
	if err != nil {
		return nil, nil, err
	}
	tl, err := sequence.Build(frames, arm, looped, c.Float64("speed-limit"))
	if err != nil {
		return nil, nil, err
	}
	return arm, tl, nil
}

func signalContext() (context.Context, func()) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runUpload(c *cli.Context) error {
	ctx, stop := signalContext()
	defer stop()

	logger := newLogger(c)
	_, tl, err := buildTimeline(c, false)
	if err != nil {
		return err
	}

	machine, group, err := connect(ctx, c, logger)
	if err != nil {
		return err
	}
	defer func() {
		stop()
		group.Wait()
	}()

	result := make(chan error, 1)
	machine.UploadSequence(tl, uploader.ModeCommit, result)
	select {
	case err := <-result:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	color.Green("sequence committed")
	return nil
}

func runPlay(c *cli.Context) error {
	ctx, stop := signalContext()
	defer stop()

	logger := newLogger(c)
	arm, tl, err := buildTimeline(c, c.Bool("loop"))
	if err != nil {
		return err
	}

	machine, group, err := connect(ctx, c, logger)
	if err != nil {
		return err
	}
	defer func() {
		stop()
		group.Wait()
	}()

	if c.Bool("local") {
		return runLocalPlayback(ctx, machine, arm, tl, logger)
	}

	mode := uploader.ModePlay
	if c.Bool("loop") {
		mode = uploader.ModeLoop
	}
	result := make(chan error, 1)
	machine.UploadSequence(tl, mode, result)
	select {
	case err := <-result:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	// Wait for playback to finish or the user to interrupt.
	for machine.State() == connection.Playing {
		select {
		case <-ctx.Done():
			stopResult := make(chan error, 1)
			machine.StopPlayback(stopResult)
			<-stopResult
			return nil
		case <-time.After(100 * time.Millisecond):
		}
	}
	color.Green("playback finished")
	return nil
}

func runLocalPlayback(
	ctx context.Context,
	machine *connection.Machine,
	arm *jointcfg.Arm,
	tl *sequence.Timeline,
	logger logging.Logger,
) error {
	// The device only relays MOTION packets; the host is the sequencer.
	result := make(chan error, 1)
	machine.UploadSequence(tl, uploader.ModeCommit, result)
	if err := <-result; err != nil {
		return err
	}

	p := player.New(arm, tl, machine.PlayerSink(), clock.New(), logger.Sublogger("player"), player.Options{})
	if err := p.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	color.Green("local playback finished")
	return nil
}

func runMonitor(c *cli.Context) error {
	ctx, stop := signalContext()
	defer stop()

	logger := newLogger(c)
	machine, group, err := connect(ctx, c, logger)
	if err != nil {
		return err
	}
	defer func() {
		stop()
		group.Wait()
	}()

	extResult := make(chan error, 1)
	machine.RequestExtended(extResult)
	if err := <-extResult; err != nil {
		return err
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			angles := machine.JointAngles()
			if len(angles) == 0 {
				continue
			}
			line := ""
			for name, angle := range angles {
				line += fmt.Sprintf("%s=%+.3f ", name, angle)
			}
			fmt.Println(line)
		}
	}
}
