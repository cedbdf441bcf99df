package mcp

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// childProcess is a provider process started by a session. It runs in its
// own process group so that teardown reaches every descendant.
type childProcess struct {
	cmd    *exec.Cmd
	stderr *ringBuffer

	// stdin/stdout are the parent's ends of the stdio pipes; nil when the
	// provider is reached over the network.
	stdin  *os.File
	stdout *os.File

	done    chan struct{}
	waitErr error
}

// spawnProcess starts argv with env merged over the parent environment.
// When pipes is true the child's stdin and stdout are connected to the
// returned process for the stdio transport.
func spawnProcess(argv []string, env map[string]string, pipes bool, stderrBytes int, grace time.Duration, logger *slog.Logger) (*childProcess, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty process command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = grace

	p := &childProcess{
		cmd:    cmd,
		stderr: newRingBuffer(stderrBytes),
		done:   make(chan struct{}),
	}
	cmd.Stderr = io.MultiWriter(p.stderr, &lineLogger{logger: logger})

	var childStdin, childStdout *os.File
	if pipes {
		var err error
		childStdin, p.stdin, err = os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		p.stdout, childStdout, err = os.Pipe()
		if err != nil {
			childStdin.Close()
			p.stdin.Close()
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		cmd.Stdin = childStdin
		cmd.Stdout = childStdout
	} else {
		cmd.Stdout = cmd.Stderr
	}

	err := cmd.Start()
	// The child owns its ends now; closing ours lets EOF propagate.
	if childStdin != nil {
		childStdin.Close()
		childStdout.Close()
	}
	if err != nil {
		if p.stdin != nil {
			p.stdin.Close()
			p.stdout.Close()
		}
		return nil, err
	}

	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// exited reports whether the process has terminated.
func (p *childProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// exitError returns the wait result once the process has exited.
func (p *childProcess) exitError() error {
	if !p.exited() {
		return nil
	}
	if p.waitErr == nil {
		return fmt.Errorf("process exited")
	}
	return fmt.Errorf("process exited: %w", p.waitErr)
}

// terminate sends SIGTERM to the process group and SIGKILL once grace has
// elapsed. It returns after the process has been reaped.
func (p *childProcess) terminate(grace time.Duration) {
	if p.stdin != nil {
		p.stdin.Close()
	}
	if p.exited() {
		p.closeStdout()
		return
	}
	_ = signalGroup(p.cmd.Process, false)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		_ = signalGroup(p.cmd.Process, true)
		<-p.done
	}
	p.closeStdout()
}

func (p *childProcess) closeStdout() {
	if p.stdout != nil {
		p.stdout.Close()
	}
}

// lineLogger logs each complete line written to it at debug level.
type lineLogger struct {
	mu     sync.Mutex
	logger *slog.Logger
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(l.buf[:i]); len(line) > 0 {
			l.logger.Debug("provider output", "line", string(line))
		}
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > 4096 {
		l.buf = l.buf[:0]
	}
	return len(p), nil
}
