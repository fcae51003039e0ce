// Package runner executes shell commands against the workspace root.
//
// Commands are arbitrary programs supplied over the network. Unless an
// allow-list is configured the runner must only be deployed inside a
// trusted sandbox.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/workbench/internal/errs"
	"github.com/fruitsalade/workbench/internal/events"
	"github.com/fruitsalade/workbench/internal/logging"
	"github.com/fruitsalade/workbench/internal/metrics"
	"github.com/fruitsalade/workbench/pkg/protocol"
)

// Outcomes reported to metrics.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultWaitDelay = 2 * time.Second
	defaultMaxOutput = 8 << 20
)

// Recorder persists command results. Record errors are logged only.
type Recorder interface {
	Record(ctx context.Context, result protocol.CommandResult) error
}

// Config holds runner settings.
type Config struct {
	Dir             string
	Timeout         time.Duration
	AllowedCommands []string
	MaxOutputBytes  int // per stream
	WaitDelay       time.Duration
}

// Runner executes commands with Dir as the working directory.
type Runner struct {
	dir       string
	timeout   time.Duration
	waitDelay time.Duration
	maxOutput int
	policy    *Policy
	pub       events.Publisher
	recorder  Recorder
}

// New creates a Runner. recorder may be nil.
func New(cfg Config, pub events.Publisher, recorder Recorder) *Runner {
	r := &Runner{
		dir:       cfg.Dir,
		timeout:   cfg.Timeout,
		waitDelay: cfg.WaitDelay,
		maxOutput: cfg.MaxOutputBytes,
		policy:    NewPolicy(cfg.AllowedCommands),
		pub:       pub,
		recorder:  recorder,
	}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	if r.waitDelay <= 0 {
		r.waitDelay = defaultWaitDelay
	}
	if r.maxOutput <= 0 {
		r.maxOutput = defaultMaxOutput
	}
	if r.pub == nil {
		r.pub = discard{}
	}
	return r
}

// Restricted reports whether an allow-list is in force.
func (r *Runner) Restricted() bool {
	return r.policy.Restricted()
}

// Timeout returns the per-command timeout.
func (r *Runner) Timeout() time.Duration {
	return r.timeout
}

// Execute runs command through the shell and always publishes a
// command_output event with the result, whatever the outcome. The
// returned error is nil on success and otherwise classifies the failure;
// the same text is carried in result.Error.
//
// Cancelling ctx does not stop the command: only the timeout does, and it
// kills the whole process group.
func (r *Runner) Execute(ctx context.Context, command string) (protocol.CommandResult, error) {
	if strings.TrimSpace(command) == "" {
		return protocol.CommandResult{Command: command}, errs.E(errs.BadRequest, "No command provided", nil)
	}

	start := time.Now()
	res := protocol.CommandResult{ID: uuid.NewString(), Command: command}

	var (
		err     error
		outcome string
	)
	if pErr := r.policy.Check(command); pErr != nil {
		err = errs.E(errs.CommandFailure, pErr.Error(), nil)
		outcome = OutcomeRejected
	} else {
		outcome, err = r.run(context.WithoutCancel(ctx), &res)
	}
	if err != nil {
		msg := errs.Message(err)
		res.Error = &msg
	}

	elapsed := time.Since(start)
	res.DurationMs = elapsed.Milliseconds()
	res.Timestamp = start.UTC().Format(time.RFC3339Nano)

	metrics.RecordCommand(outcome, elapsed)
	log := logging.WithContext(ctx).With(
		logging.Command(command),
		zap.String("outcome", outcome),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", elapsed),
	)
	if err != nil {
		log.Warn("command finished with error", zap.Error(err))
	} else {
		log.Info("command executed")
	}

	if r.recorder != nil {
		if recErr := r.recorder.Record(ctx, res); recErr != nil {
			logging.Warn("command audit failed", zap.Error(recErr))
		}
	}
	r.pub.Publish(events.CommandExecuted(res))
	return res, err
}

func (r *Runner) run(ctx context.Context, res *protocol.CommandResult) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := shellCommand(runCtx, res.Command)
	cmd.Dir = r.dir
	cmd.WaitDelay = r.waitDelay
	stdout := &cappedBuffer{max: r.maxOutput}
	stderr := &cappedBuffer{max: r.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	killProcessGroupOnCancel(cmd)

	runErr := cmd.Run()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		// Partial output is discarded on timeout.
		res.ExitCode = -1
		return OutcomeTimeout, errs.E(errs.CommandTimeout, TimeoutMessage(r.timeout), runCtx.Err())
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	var exitErr *exec.ExitError
	switch {
	case runErr == nil, errors.Is(runErr, exec.ErrWaitDelay):
		// ErrWaitDelay: the shell exited cleanly but a background child
		// kept the output pipes open.
		res.ExitCode = 0
		return OutcomeSuccess, nil
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			return OutcomeFailure, errs.E(errs.CommandFailure, fmt.Sprintf("Command terminated: %s", exitErr.String()), runErr)
		}
		return OutcomeFailure, errs.E(errs.CommandFailure, fmt.Sprintf("Command failed with code %d", res.ExitCode), runErr)
	default:
		res.ExitCode = -1
		return OutcomeFailure, errs.E(errs.CommandFailure, runErr.Error(), runErr)
	}
}

// TimeoutMessage renders the timeout error, e.g. "Command timeout (60s)".
func TimeoutMessage(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("Command timeout (%ds)", int64(d/time.Second))
	}
	return fmt.Sprintf("Command timeout (%s)", d)
}

// cappedBuffer keeps the first max bytes written and discards the rest
// while still reporting full writes, so the child never blocks on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]\n"
	}
	return b.buf.String()
}

type discard struct{}

func (discard) Publish(events.Event) {}
