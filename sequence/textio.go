package sequence

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultSpeed is used when a keyframe line carries no speed token.
const DefaultSpeed = 50

var (
	speedRe = regexp.MustCompile(`^speed:(\d{1,3})$`)
	pauseRe = regexp.MustCompile(`^pause:(\d+(?:\.\d+)?)$`)
	outRe   = regexp.MustCompile(`^output:([0-2])$`)
	jointRe = regexp.MustCompile(`^([A-Za-z0-9_()]+):(-?\d+(?:\.\d+)?(?:[eE][+-]?\d+)?)$`)
)

// ParseLine parses one keyframe line. Metadata tokens (speed, pause, output)
// may appear in any order and any subset; the remaining tokens are joint
// angles. The speed token's three-digit form is accepted by the grammar but
// values outside 1..100 are rejected.
func ParseLine(line string) (Keyframe, error) {
	frame := Keyframe{
		Angles: map[string]float64{},
		Speed:  DefaultSpeed,
	}

	for _, token := range strings.Fields(line) {
		switch {
		case speedRe.MatchString(token):
			v, err := strconv.Atoi(speedRe.FindStringSubmatch(token)[1])
			if err != nil {
				return frame, err
			}
			frame.Speed = v
		case pauseRe.MatchString(token):
			v, err := strconv.ParseFloat(pauseRe.FindStringSubmatch(token)[1], 64)
			if err != nil {
				return frame, err
			}
			frame.Pause = v
		case outRe.MatchString(token):
			v, err := strconv.Atoi(outRe.FindStringSubmatch(token)[1])
			if err != nil {
				return frame, err
			}
			frame.Output = OutputAction(v)
		case jointRe.MatchString(token):
			m := jointRe.FindStringSubmatch(token)
			switch m[1] {
			case "speed", "pause", "output":
				return frame, errors.Errorf("malformed %s token %q", m[1], token)
			}
			angle, err := strconv.ParseFloat(m[2], 64)
			if err != nil {
				return frame, err
			}
			frame.Angles[m[1]] = angle
		default:
			return frame, errors.Errorf("malformed token %q", token)
		}
	}

	if len(frame.Angles) == 0 {
		return frame, errors.New("keyframe line has no joint angles")
	}
	if err := frame.Validate(); err != nil {
		return frame, err
	}
	return frame, nil
}

// FormatLine serialises one keyframe. Joint tokens follow the metadata in
// sorted name order so output is stable.
func FormatLine(frame Keyframe) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "speed:%d pause:%s output:%d",
		frame.Speed, strconv.FormatFloat(frame.Pause, 'f', -1, 64), int(frame.Output))

	names := make([]string, 0, len(frame.Angles))
	for name := range frame.Angles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&sb, " %s:%s", name, strconv.FormatFloat(frame.Angles[name], 'g', -1, 64))
	}
	return sb.String()
}

// Read parses a whole sequence, one keyframe per line. Blank lines are
// skipped.
func Read(r io.Reader) ([]Keyframe, error) {
	var frames []Keyframe
	scanner := bufio.NewScanner(r)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		frame, err := ParseLine(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNo)
		}
		frames = append(frames, frame)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}

// Write serialises a whole sequence, one keyframe per line.
func Write(w io.Writer, frames []Keyframe) error {
	for _, frame := range frames {
		if _, err := fmt.Fprintln(w, FormatLine(frame)); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile reads a sequence file.
func LoadFile(path string) ([]Keyframe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	frames, err := Read(f)
	if err != nil {
		return nil, errors.Wrapf(err, "sequence file %q", path)
	}
	return frames, nil
}

// SaveFile writes a sequence file.
func SaveFile(path string, frames []Keyframe) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, frames); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
