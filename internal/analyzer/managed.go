package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

// ManagedClient launches the analyzer server as a child process and then
// speaks the same REST surface against it. Stop terminates the child.
type ManagedClient struct {
	rest *RestClient
	cmd  *exec.Cmd
}

type ManagedOptions struct {
	// Command is the analyzer server argv; Command[0] is the binary.
	Command []string

	Rest RestOptions

	// StartupTimeout bounds how long to wait for the child to answer pings.
	StartupTimeout time.Duration
}

func NewManagedClient(ctx context.Context, opts ManagedOptions) (*ManagedClient, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("managed analyzer requires a launch command")
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting analyzer process: %w", err)
	}
	slog.Info("launched analyzer process", "pid", cmd.Process.Pid, "command", opts.Command[0])

	client := &ManagedClient{
		rest: NewRestClient(opts.Rest),
		cmd:  cmd,
	}

	startupTimeout := opts.StartupTimeout
	if startupTimeout <= 0 {
		startupTimeout = 30 * time.Second
	}
	if err := client.waitReady(ctx, startupTimeout); err != nil {
		client.terminate()
		return nil, err
	}
	return client, nil
}

func (c *ManagedClient) waitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.rest.Ping(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("analyzer process did not become ready within %s", timeout)
}

func (c *ManagedClient) Ping(ctx context.Context) bool {
	return c.rest.Ping(ctx)
}

func (c *ManagedClient) Stop(ctx context.Context) {
	c.rest.Stop(ctx)
	c.terminate()
}

func (c *ManagedClient) Analyze(ctx context.Context, req Request) (Response, error) {
	return c.rest.Analyze(ctx, req)
}

func (c *ManagedClient) terminate() {
	if c.cmd == nil || c.cmd.Process == nil {
		return
	}
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		c.cmd.Process.Kill()
	}
	go c.cmd.Wait()
}
