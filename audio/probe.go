package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/himanshub16/upnext-broadcast/radio"
)

var ErrNoBitrate = errors.New("bitrate not reported")

// ffprobeError wraps ffprobe failures with the command and its stderr.
type ffprobeError struct {
	cmd     string
	output  string
	wrapped error
}

func (e *ffprobeError) Error() string {
	return fmt.Sprintf("ffprobe error: %s\nCommand: %s\nOutput: %s", e.wrapped, e.cmd, e.output)
}

func (e *ffprobeError) Unwrap() error {
	return e.wrapped
}

func newFFprobeError(cmd *exec.Cmd, output []byte, err error) error {
	cmdStr := cmd.String()
	if len(cmdStr) > 200 {
		cmdStr = cmdStr[:200] + "..."
	}
	return &ffprobeError{
		cmd:     cmdStr,
		output:  string(output),
		wrapped: err,
	}
}

// FFProbe reads a song's container bitrate with ffprobe. References that
// ffprobe cannot fetch itself (gs://) are opened through Opener and piped
// to its stdin.
type FFProbe struct {
	Path   string
	Opener radio.Opener
}

func NewFFProbe(path string, opener radio.Opener) *FFProbe {
	if path == "" {
		path = "ffprobe"
	}
	return &FFProbe{Path: path, Opener: opener}
}

// Probe returns the bitrate of ref in bits per second.
func (p *FFProbe) Probe(ctx context.Context, ref string) (int, error) {
	input := ref
	var stdin io.ReadCloser
	if strings.HasPrefix(ref, "gs://") {
		if p.Opener == nil {
			return 0, fmt.Errorf("%w: %s", ErrUnsupportedScheme, ref)
		}
		rc, err := p.Opener.Open(ctx, ref)
		if err != nil {
			return 0, err
		}
		defer rc.Close()
		stdin = rc
		input = "pipe:0"
	}

	cmd := exec.CommandContext(ctx, p.Path,
		"-v", "error",
		"-show_entries", "format=bit_rate",
		"-of", "default=noprint_wrappers=1:nokey=1",
		input,
	)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, newFFprobeError(cmd, stderr.Bytes(), err)
	}
	return parseBitrate(out)
}

func parseBitrate(out []byte) (int, error) {
	s := strings.TrimSpace(string(out))
	if s == "" || s == "N/A" {
		return 0, ErrNoBitrate
	}
	// Only the first line matters when several streams are reported.
	s, _, _ = strings.Cut(s, "\n")
	bitrate, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid bitrate %q: %w", s, err)
	}
	if bitrate <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrNoBitrate, bitrate)
	}
	return bitrate, nil
}
