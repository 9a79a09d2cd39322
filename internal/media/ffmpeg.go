// Package media wraps the ffmpeg/ffprobe toolchain for video probing, scene
// cut detection, and frame extraction. All invocations run under a caller
// context; expiry kills the subprocess.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// FFmpeg invokes the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpeg creates a new FFmpeg wrapper. Empty paths default to "ffmpeg"
// and "ffprobe" (found via PATH).
func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

// runFFmpeg executes ffmpeg with the given arguments and returns an error
// containing stderr output if the command fails. stderr is also returned on
// success since several filters report through it.
func (f *FFmpeg) runFFmpeg(ctx context.Context, args []string) (stderr string, err error) {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)

	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	if runErr != nil {
		if ctx.Err() != nil {
			return stderrBuf.String(), fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return stderrBuf.String(), &FFmpegError{
			Args:   args,
			Stderr: stderrBuf.String(),
			Err:    runErr,
		}
	}
	return stderrBuf.String(), nil
}

// runFFmpegOutput executes ffmpeg and returns stdout, for filters that print
// metadata to a pipe.
func (f *FFmpeg) runFFmpegOutput(ctx context.Context, args []string) (stdout string, err error) {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	if runErr != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return "", &FFmpegError{
			Args:   args,
			Stderr: stderrBuf.String(),
			Err:    runErr,
		}
	}
	return stdoutBuf.String(), nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}
