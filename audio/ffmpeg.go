package audio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"pkt.systems/pslog"
)

// FFmpegSource captures the microphone through an ffmpeg subprocess writing
// raw f32le samples to stdout.
type FFmpegSource struct {
	Path string
	// Format is the ffmpeg input format (pulse, alsa, avfoundation, dshow).
	// Empty picks a platform default.
	Format string
	// Device is the input name for Format. On PulseAudio, pointing it at an
	// echo-cancel source gives the echo cancellation the session asks for.
	Device string
	Log    pslog.Logger
}

// Open starts ffmpeg and returns its stdout. Closing the stream kills the
// process and waits for it.
func (s FFmpegSource) Open(ctx context.Context) (io.ReadCloser, error) {
	path := s.Path
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}
	format, device := s.input()

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", format,
		"-i", device,
		"-ac", "1",
		"-ar", strconv.Itoa(SampleRate),
		"-f", "f32le",
		"-",
	}
	cmd := exec.CommandContext(ctx, path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	go s.forwardStderr(stderr)

	return &processStream{ReadCloser: stdout, cmd: cmd}, nil
}

func (s FFmpegSource) input() (format, device string) {
	format, device = s.Format, s.Device
	if format == "" {
		switch runtime.GOOS {
		case "darwin":
			format = "avfoundation"
		case "windows":
			format = "dshow"
		default:
			format = "pulse"
		}
	}
	if device == "" {
		switch format {
		case "avfoundation":
			// none:<index> avoids opening a camera.
			device = "none:0"
		case "dshow":
			device = "audio=default"
		default:
			device = "default"
		}
	}
	return format, device
}

func (s FFmpegSource) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && s.Log != nil {
			s.Log.Debug("ffmpeg", "line", line)
		}
	}
}

type processStream struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (p *processStream) Close() error {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	err := p.ReadCloser.Close()
	_ = p.cmd.Wait()
	return err
}
