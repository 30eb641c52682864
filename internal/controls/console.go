package controls

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

var (
	levelSample    = Sample{Z: 1}
	forwardSample  = Sample{X: 0.87, Z: 0.5}
	backwardSample = Sample{X: -0.87, Z: 0.5}
)

// ParseCommand turns one console line into the inputs a physical press or
// gesture would produce. Presses come with their release and tilts return
// to level.
//
//	big | +            big ear press
//	small | -          small ear press
//	tilt forward|back  one tilt seek
//	knock left|right   chapter jump
func ParseCommand(line string) ([]Input, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return nil, nil
	}

	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "big", "+":
		return []Input{{Kind: InputEars, Big: true}, {Kind: InputEars}}, nil
	case "small", "-":
		return []Input{{Kind: InputEars, Small: true}, {Kind: InputEars}}, nil
	case "tilt":
		switch arg {
		case "forward", "fwd":
			return []Input{{Kind: InputAccel, Sample: forwardSample}, {Kind: InputAccel, Sample: levelSample}}, nil
		case "back", "backward":
			return []Input{{Kind: InputAccel, Sample: backwardSample}, {Kind: InputAccel, Sample: levelSample}}, nil
		}
	case "knock":
		switch arg {
		case "left":
			return []Input{{Kind: InputKnock, Knock: KnockLeft}}, nil
		case "right":
			return []Input{{Kind: InputKnock, Knock: KnockRight}}, nil
		}
	}
	return nil, fmt.Errorf("unknown command %q", strings.TrimSpace(line))
}

// ReadConsole feeds commands read from r into inputs until r is exhausted or
// ctx is cancelled. Unknown commands are logged and skipped.
func (c *Controller) ReadConsole(ctx context.Context, r io.Reader, inputs chan<- Input) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		batch, err := ParseCommand(scanner.Text())
		if err != nil {
			c.logger.WithError(err).Warn("Console input ignored")
			continue
		}
		for _, in := range batch {
			select {
			case inputs <- in:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return scanner.Err()
}
