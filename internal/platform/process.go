package platform

import (
	"bufio"
	"context"
	"os/exec"
)

// execProcess implements Process over an *exec.Cmd, shared by every
// platform's SpawnWithStderr. Grounded on the teacher's
// internal/stream/manager.go startFFmpeg: the command is only
// considered "spawned" after cmd.Start() succeeds, and stderr is read
// line-by-line on a dedicated goroutine so callers never block on I/O.
type execProcess struct {
	cmd     *exec.Cmd
	lines   chan string
	killFn  func(terminate bool) error
}

func spawnCommand(ctx context.Context, name string, args []string, configure func(*exec.Cmd), killFn func(*exec.Cmd, bool) error) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if configure != nil {
		configure(cmd)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	lines := make(chan string, 256)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stderr)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	p := &execProcess{cmd: cmd, lines: lines}
	p.killFn = func(terminate bool) error { return killFn(cmd, terminate) }
	return p, nil
}

func (p *execProcess) PID() int                       { return p.cmd.Process.Pid }
func (p *execProcess) StderrLines() <-chan string      { return p.lines }
func (p *execProcess) Wait() error                     { return p.cmd.Wait() }
func (p *execProcess) Signal(terminate bool) error     { return p.killFn(terminate) }
