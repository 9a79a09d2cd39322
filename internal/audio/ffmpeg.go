// Package audio provides audio extraction, background-music suppression,
// PCM decoding, voice activity detection, and voice-aware chunk packing.
package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"
)

// Static errors for audio operations.
var (
	// ErrExtractionFailed is returned when audio extraction fails.
	ErrExtractionFailed = errors.New("audio: extraction failed")
	// ErrPCMDecodeFailed is returned when PCM conversion fails.
	ErrPCMDecodeFailed = errors.New("audio: pcm decode failed")
)

// Subprocess timeouts. Expiry kills the subprocess.
const (
	ExtractTimeout    = 300 * time.Second
	PreprocessTimeout = 300 * time.Second
	PCMTimeout        = 120 * time.Second
	RangeTimeout      = 30 * time.Second
)

// SampleRate is the fixed processing sample rate in Hz.
const SampleRate = 16000

// FFmpegAudio runs audio operations through the ffmpeg CLI.
type FFmpegAudio struct {
	ffmpegPath string
}

// NewFFmpegAudio creates a new FFmpegAudio.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
func NewFFmpegAudio(ffmpegPath string) *FFmpegAudio {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegAudio{ffmpegPath: ffmpegPath}
}

// Extract pulls the first audio track as mono 16 kHz 64 kbps MP3 with
// volume normalization. Returns the output path on success.
func (a *FFmpegAudio) Extract(ctx context.Context, videoPath, outDir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, ExtractTimeout)
	defer cancel()

	outPath := filepath.Join(outDir, "audio.mp3")
	args := []string{
		"-y",
		"-i", videoPath,
		"-map", "0:a:0",
		"-vn",
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", SampleRate),
		"-b:a", "64k",
		"-af", "loudnorm",
		outPath,
	}

	if err := a.run(ctx, args); err != nil {
		return "", fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	return outPath, nil
}

// Preprocess applies background-music suppression. Best effort: callers
// fall back to the unprocessed input when this fails.
func (a *FFmpegAudio) Preprocess(ctx context.Context, inPath, outDir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, PreprocessTimeout)
	defer cancel()

	outPath := filepath.Join(outDir, "audio_clean.mp3")
	args := []string{
		"-y",
		"-i", inPath,
		// Band-limit to the speech range, then spectral denoise.
		"-af", "highpass=f=80,lowpass=f=8000,afftdn=nf=-25",
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", SampleRate),
		"-b:a", "64k",
		outPath,
	}

	if err := a.run(ctx, args); err != nil {
		return "", err
	}
	return outPath, nil
}

// ExtractRange copies the [start, start+duration) range of an MP3 to a new
// file for submission to the speech API.
func (a *FFmpegAudio) ExtractRange(ctx context.Context, inPath, outPath string, start, duration float64) error {
	ctx, cancel := context.WithTimeout(ctx, RangeTimeout)
	defer cancel()

	args := []string{
		"-y",
		"-ss", fmt.Sprintf("%.3f", start),
		"-t", fmt.Sprintf("%.3f", duration),
		"-i", inPath,
		"-c", "copy",
		outPath,
	}

	if err := a.run(ctx, args); err != nil {
		return fmt.Errorf("extract range %.3f+%.3f: %w", start, duration, err)
	}
	return nil
}

// DecodePCM converts an audio file to raw signed 16-bit little-endian PCM
// at SampleRate mono and returns the samples.
func (a *FFmpegAudio) DecodePCM(ctx context.Context, inPath string) ([]int16, error) {
	ctx, cancel := context.WithTimeout(ctx, PCMTimeout)
	defer cancel()

	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, a.ffmpegPath,
		"-i", inPath,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", SampleRate),
		"-hide_banner",
		"-",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("pcm decode cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w, stderr: %s", ErrPCMDecodeFailed, err, stderr.String())
	}

	raw := stdout.Bytes()
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:])) // #nosec G115 - s16le reinterpret
	}
	return samples, nil
}

// run executes ffmpeg with the given arguments and returns an error
// containing stderr output if the command fails.
func (a *FFmpegAudio) run(ctx context.Context, args []string) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, a.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("ffmpeg error: %w, stderr: %s", err, stderr.String())
	}
	return nil
}
