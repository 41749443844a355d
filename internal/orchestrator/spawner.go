package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// SpawnRequest is what a new worker needs to find its slot and regions.
type SpawnRequest struct {
	Ordinal         int
	RunID           string
	OrchestratorPID int
	// Locator tells the worker where the region namespace lives.
	Locator string
	Threads int
}

// Args renders the request as `simplane worker` flags.
func (r SpawnRequest) Args() []string {
	args := []string{
		"-ordinal=" + strconv.Itoa(r.Ordinal),
		"-run-id=" + r.RunID,
		"-parent-pid=" + strconv.Itoa(r.OrchestratorPID),
	}
	if r.Locator != "" {
		args = append(args, "-shm-dir="+r.Locator)
	}
	if r.Threads > 0 {
		args = append(args, "-threads="+strconv.Itoa(r.Threads))
	}
	return args
}

// Process is a launched worker.
type Process interface {
	Ordinal() int
	Pid() int
	// Kill stops the worker without letting it report.
	Kill() error
	// Exited reports whether the worker has returned.
	Exited() bool
	// Wait blocks until the worker returns.
	Wait() error
}

// Spawner launches workers.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

// ExecSpawner starts each worker as an operating system process running
// Path with Args followed by the request flags.
type ExecSpawner struct {
	Path   string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

func (s ExecSpawner) Spawn(_ context.Context, req SpawnRequest) (Process, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		path = exe
	}

	args := append(append([]string(nil), s.Args...), req.Args()...)
	cmd := exec.Command(path, args...)
	cmd.Env = s.Env
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{ordinal: req.Ordinal, cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	ordinal int
	cmd     *exec.Cmd
	done    chan struct{}
	err     error
}

func (p *execProcess) Ordinal() int { return p.ordinal }
func (p *execProcess) Pid() int     { return p.cmd.Process.Pid }

func (p *execProcess) Kill() error {
	if p.Exited() {
		return nil
	}
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}

// InProcessSpawner runs each worker on a goroutine of this process. Kill
// cancels the worker's context, which behaves like a crash: the worker
// stops without reporting.
type InProcessSpawner struct {
	Run func(ctx context.Context, req SpawnRequest) error
}

func (s InProcessSpawner) Spawn(_ context.Context, req SpawnRequest) (Process, error) {
	if s.Run == nil {
		return nil, errors.New("in-process spawner has no run function")
	}
	// Workers outlive the spawning call; only Kill ends them early.
	ctx, cancel := context.WithCancel(context.Background())
	p := &goroutineProcess{ordinal: req.Ordinal, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		err := s.Run(ctx, req)
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
	}()
	return p, nil
}

type goroutineProcess struct {
	ordinal int
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func (p *goroutineProcess) Ordinal() int { return p.ordinal }
func (p *goroutineProcess) Pid() int     { return os.Getpid() }

func (p *goroutineProcess) Kill() error {
	p.cancel()
	return nil
}

func (p *goroutineProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *goroutineProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
