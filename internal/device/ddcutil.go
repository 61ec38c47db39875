package device

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// vcpBrightness is the MCCS feature code for luminance.
	vcpBrightness = "10"

	ddcutilTimeout = 5 * time.Second
)

// CommandRunner runs an external command and returns its standard output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// DDCUtilOutput drives a monitor's brightness over DDC/CI by invoking the
// ddcutil command line tool.
type DDCUtilOutput struct {
	display int
	binary  string
	run     CommandRunner
	current int
	logger  zerolog.Logger
}

// NewDDCUtilOutput creates an output for the given 1-based display number.
func NewDDCUtilOutput(display int, logger zerolog.Logger) *DDCUtilOutput {
	return &DDCUtilOutput{
		display: display,
		binary:  "ddcutil",
		run:     execRunner,
		current: -1,
		logger:  logger,
	}
}

// WithRunner replaces the command runner.
func (o *DDCUtilOutput) WithRunner(run CommandRunner) *DDCUtilOutput {
	o.run = run
	return o
}

func (o *DDCUtilOutput) args(extra ...string) []string {
	args := []string{"--display", strconv.Itoa(o.display)}
	return append(args, extra...)
}

// Init reads the monitor's current brightness. A display that cannot be
// queried fails initialization.
func (o *DDCUtilOutput) Init() error {
	v, err := o.query()
	if err != nil {
		return fmt.Errorf("ddcutil output: %w", err)
	}
	o.current = v
	o.logger.Info().Int("display", o.display).Int("brightness", v).Msg("DDC/CI display opened")
	return nil
}

func (o *DDCUtilOutput) query() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ddcutilTimeout)
	defer cancel()

	out, err := o.run(ctx, o.binary, o.args("--brief", "getvcp", vcpBrightness)...)
	if err != nil {
		return -1, fmt.Errorf("getvcp failed: %w", err)
	}
	return parseBriefVCP(string(out))
}

// parseBriefVCP parses "VCP 10 C <current> <max>" and returns the current
// value as a percentage of max.
func parseBriefVCP(out string) (int, error) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 5 || fields[0] != "VCP" {
		return -1, fmt.Errorf("unexpected getvcp output %q", out)
	}
	cur, err := strconv.Atoi(fields[3])
	if err != nil {
		return -1, fmt.Errorf("invalid current value %q", fields[3])
	}
	max, err := strconv.Atoi(fields[4])
	if err != nil || max <= 0 {
		return -1, fmt.Errorf("invalid max value %q", fields[4])
	}
	return clampPercent(cur * 100 / max), nil
}

// SetBrightness implements Output.
func (o *DDCUtilOutput) SetBrightness(brightness int) error {
	brightness = clampPercent(brightness)
	if brightness == o.current {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ddcutilTimeout)
	defer cancel()

	if _, err := o.run(ctx, o.binary, o.args("setvcp", vcpBrightness, strconv.Itoa(brightness))...); err != nil {
		return fmt.Errorf("setvcp failed: %w", err)
	}
	o.current = brightness
	return nil
}

func (o *DDCUtilOutput) CurrentBrightness() int { return o.current }
func (o *DDCUtilOutput) Type() string           { return "ddcutil" }
