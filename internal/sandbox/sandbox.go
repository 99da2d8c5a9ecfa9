// Package sandbox runs one unit of work under the deny-list, resource limits
// and timeout, and reports a tagged Outcome.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strings"
	"time"

	"github.com/aristath/debai/internal/log"
	"github.com/aristath/debai/internal/model"
	"github.com/aristath/debai/internal/workspace"
)

const (
	defaultTimeout   = 5 * time.Minute
	defaultWaitDelay = 2 * time.Second
	defaultMaxOutput = 64 * 1024
	defaultShell     = "/bin/sh"
)

// Spec describes one unit of work.
type Spec struct {
	// Command is a shell command line, mutually exclusive with Script.
	Command string
	// Script is a script body written to a scratch file and run by Interpreter.
	Script      string
	Interpreter string
	Env         map[string]string
	WorkDir     string
	Limits      model.ResourceLimits
	// Timeout of 0 uses the sandbox default.
	Timeout           time.Duration
	Destructive       bool
	ConfirmationToken string
	// DenyList is checked in addition to the sandbox wide list.
	DenyList []string
}

func (s Spec) validate() error {
	switch {
	case s.Command == "" && s.Script == "":
		return fmt.Errorf("a command or a script is required: %w", model.ErrNotValid)
	case s.Command != "" && s.Script != "":
		return fmt.Errorf("command and script are mutually exclusive: %w", model.ErrNotValid)
	case s.Timeout < 0:
		return fmt.Errorf("timeout can't be negative: %w", model.ErrNotValid)
	}
	return nil
}

// Describe is the text a confirmation token is bound to.
func (s Spec) Describe() string {
	if s.Command != "" {
		return normalize(s.Command)
	}
	return s.Script
}

// Outcome is the tagged result of Run.
type Outcome struct {
	Kind      model.OutcomeKind
	ExitCode  int
	Output    string
	Truncated bool
	// Err describes non success outcomes.
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
	// Pattern is the deny-list entry for policy violations.
	Pattern string
}

// Verifier redeems confirmation tokens for a specific command.
type Verifier interface {
	Redeem(token, command string) bool
}

// Runner is the contract consumers of the sandbox depend on.
type Runner interface {
	Run(ctx context.Context, spec Spec) Outcome
}

// Config is the sandbox configuration.
type Config struct {
	// DenyList applies to every run, defaults to model.DefaultDenyList.
	DenyList       []string
	DefaultTimeout time.Duration
	MaxOutput      int
	Shell          string
	// Workspace holds script scratch directories.
	Workspace *workspace.Manager
	// Verifier, when set, must redeem the confirmation token of destructive work.
	Verifier  Verifier
	Processes *ProcessManager
	Logger    log.Logger
}

func (c *Config) defaults() error {
	if c.DenyList == nil {
		c.DenyList = model.DefaultDenyList
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = defaultTimeout
	}
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("default timeout can't be negative")
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = defaultMaxOutput
	}
	if c.Shell == "" {
		c.Shell = defaultShell
	}
	if c.Workspace == nil {
		c.Workspace = workspace.NewManager(workspace.ManagerConfig{})
	}
	if c.Processes == nil {
		c.Processes = NewProcessManager()
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "sandbox.Sandbox"})
	return nil
}

// Sandbox executes commands and scripts. It keeps no state between runs.
type Sandbox struct {
	policy    *Policy
	cfg       Config
	logger    log.Logger
	processes *ProcessManager
}

// New returns a new sandbox.
func New(cfg Config) (*Sandbox, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	policy, err := NewPolicy(cfg.DenyList)
	if err != nil {
		return nil, fmt.Errorf("invalid deny list: %w", err)
	}
	return &Sandbox{
		policy:    policy,
		cfg:       cfg,
		logger:    cfg.Logger,
		processes: cfg.Processes,
	}, nil
}

// Processes returns the tracker of running sandboxed processes.
func (s *Sandbox) Processes() *ProcessManager { return s.processes }

// Check runs the deny-list and confirmation gates without executing anything.
// It returns nil when spec would be allowed to start.
func (s *Sandbox) Check(spec Spec) *Outcome {
	policy := s.policy
	if len(spec.DenyList) > 0 {
		extra, err := NewPolicy(spec.DenyList)
		if err != nil {
			return &Outcome{Kind: model.OutcomeFailure, ExitCode: -1, Err: err}
		}
		policy = policy.Merge(extra)
	}

	var pattern string
	if spec.Script != "" {
		pattern = policy.CheckScript(spec.Script)
	} else {
		pattern = policy.Check(spec.Command)
	}
	if pattern != "" {
		return &Outcome{
			Kind:     model.OutcomePolicyViolation,
			ExitCode: -1,
			Pattern:  pattern,
			Err:      fmt.Errorf("%w: command matches deny pattern %q", model.ErrPolicyViolation, pattern),
		}
	}

	if spec.Destructive {
		if spec.ConfirmationToken == "" {
			return &Outcome{
				Kind:     model.OutcomeConfirmationRequired,
				ExitCode: -1,
				Err:      fmt.Errorf("%w: destructive work needs a confirmation token", model.ErrConfirmationRequired),
			}
		}
		if s.cfg.Verifier != nil && !s.cfg.Verifier.Redeem(spec.ConfirmationToken, spec.Describe()) {
			return &Outcome{
				Kind:     model.OutcomeConfirmationRequired,
				ExitCode: -1,
				Err:      fmt.Errorf("%w: confirmation token is not valid for this command", model.ErrConfirmationRequired),
			}
		}
	}
	return nil
}

// Run executes spec and always returns an Outcome, never an error.
func (s *Sandbox) Run(ctx context.Context, spec Spec) Outcome {
	started := time.Now().UTC()
	finish := func(o Outcome) Outcome {
		o.StartedAt = started
		o.EndedAt = time.Now().UTC()
		return o
	}

	if err := spec.validate(); err != nil {
		return finish(Outcome{Kind: model.OutcomeFailure, ExitCode: -1, Err: err})
	}
	if blocked := s.Check(spec); blocked != nil {
		s.logger.Warningf("refused to run: %s", blocked.Err)
		return finish(*blocked)
	}
	if err := ctx.Err(); err != nil {
		return finish(Outcome{Kind: model.OutcomeCancelled, ExitCode: -1, Err: err})
	}

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = s.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeoutCause(ctx, timeout, model.ErrTimedOut)
	defer cancel()

	name, args := s.cfg.Shell, []string{"-c", spec.Command}
	if spec.Script != "" {
		ws, err := s.cfg.Workspace.Create("script")
		if err != nil {
			return finish(Outcome{Kind: model.OutcomeFailure, ExitCode: -1, Err: err})
		}
		defer func() {
			if err := s.cfg.Workspace.Cleanup(ws); err != nil {
				s.logger.Warningf("could not remove script workspace: %s", err)
			}
		}()
		path, err := s.cfg.Workspace.WriteFile(ws, "script", []byte(spec.Script), 0o700)
		if err != nil {
			return finish(Outcome{Kind: model.OutcomeFailure, ExitCode: -1, Err: err})
		}
		fields := strings.Fields(spec.Interpreter)
		if len(fields) == 0 {
			fields = []string{s.cfg.Shell}
		}
		name, args = fields[0], append(fields[1:], path)
		if spec.WorkDir == "" {
			spec.WorkDir = ws.Path
		}
	}

	name, args = withLimits(s.cfg.Shell, spec.Limits, name, args)

	out := &boundedBuffer{max: s.cfg.MaxOutput}
	cmd := newCommand(runCtx, defaultWaitDelay, name, args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = commandEnv(spec.Env)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return finish(Outcome{Kind: model.OutcomeFailure, ExitCode: -1, Err: fmt.Errorf("failed to start command: %w", err)})
	}
	s.processes.Track(cmd)
	defer s.processes.Untrack(cmd)

	waitErr := cmd.Wait()
	o := Outcome{Output: out.String(), Truncated: out.Truncated(), ExitCode: exitCode(cmd, waitErr)}

	switch {
	case ctx.Err() != nil:
		o.Kind = model.OutcomeCancelled
		o.Err = fmt.Errorf("execution cancelled: %w", context.Cause(ctx))
	case runCtx.Err() != nil:
		o.Kind = model.OutcomeTimedOut
		o.Err = fmt.Errorf("%w: exceeded %s", model.ErrTimedOut, timeout)
	case waitErr != nil:
		o.Kind = model.OutcomeFailure
		o.Err = fmt.Errorf("command failed: %w", waitErr)
	default:
		o.Kind = model.OutcomeSuccess
	}

	s.logger.Debugf("%s finished in %s with exit code %d", o.Kind, time.Since(started), o.ExitCode)
	return finish(o)
}

// Shutdown kills every process group still running.
func (s *Sandbox) Shutdown() error {
	return s.processes.KillAll()
}

func exitCode(cmd *exec.Cmd, err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return -1
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return 0
}

// niceness maps a CPU share to a nice value, 100% is 0 and 0% is 19.
func niceness(cpuPercent float64) int {
	if cpuPercent <= 0 || cpuPercent >= 100 {
		return 0
	}
	return int(math.Round((100 - cpuPercent) / 100 * 19))
}
