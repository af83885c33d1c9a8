// Package sampler implements CPU and I/O probes backed by docker, bpftrace,
// iostat and procfs, plus the fio disk baseline.
package sampler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

var lookPath = exec.LookPath

func available(tool string) bool {
	_, err := lookPath(tool)
	return err == nil
}

// runUntilDone starts a command and lets it run until it exits or ctx is
// cancelled. On cancellation the process receives SIGINT so tools like
// bpftrace can print their final report. The collected stdout is returned
// in both cases.
func runUntilDone(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %v: %w", name, err)
	}

	err := cmd.Wait()
	if ctx.Err() != nil {
		// interrupted on purpose
		return stdout.Bytes(), nil
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return stdout.Bytes(), fmt.Errorf("%v: %w: %v", name, err, msg)
		}
		return stdout.Bytes(), fmt.Errorf("%v: %w", name, err)
	}
	return stdout.Bytes(), nil
}

func runOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%v: %w: %v", name, err, msg)
		}
		return out, fmt.Errorf("%v: %w", name, err)
	}
	return out, nil
}
