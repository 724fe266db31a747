package transcode

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
)

// process wraps an exec.Cmd for ffmpeg: media in on stdin, media out on
// stdout, diagnostics accumulated from stderr.
type process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.ReadCloser
	done   chan struct{}
	err    error

	stderrBuf bytes.Buffer
}

func newProcess(ctx context.Context, ffmpegPath string, args []string, stdin io.Reader) *process {
	ctx2, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx2, ffmpegPath, args...)
	cmd.Stdin = stdin
	return &process{
		cmd:    cmd,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (p *process) start() error {
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return err
	}
	p.stdout = stdout
	p.cmd.Stderr = &p.stderrBuf

	if err := p.cmd.Start(); err != nil {
		stdout.Close()
		return err
	}

	go func() {
		p.err = p.cmd.Wait()
		close(p.done)
	}()
	return nil
}

// stop cancels the process context, killing ffmpeg if still running.
func (p *process) stop() {
	p.cancel()
}

func (p *process) doneCh() <-chan struct{} {
	return p.done
}

func (p *process) isDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// exitErr returns the exit error. Only valid after doneCh is closed.
func (p *process) exitErr() error {
	return p.err
}

func (p *process) stderr() string {
	return strings.TrimSpace(p.stderrBuf.String())
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
