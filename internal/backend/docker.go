package backend

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"

	"github.com/aristath/debai/internal/model"
)

// DockerAdapter implements the Backend interface on top of the
// `docker model` CLI, one subprocess per request.
type DockerAdapter struct {
	binary  string
	cfg     Config
	tracker Tracker
}

// NewDockerAdapter creates a new Docker Model Runner adapter.
// The tracker is optional, if nil subprocesses aren't tracked.
func NewDockerAdapter(cfg Config, tracker Tracker) (*DockerAdapter, error) {
	binary := cfg.Binary
	if binary == "" {
		binary = "docker"
	}
	return &DockerAdapter{binary: binary, cfg: cfg, tracker: tracker}, nil
}

// Name implements Backend.
func (a *DockerAdapter) Name() string { return "docker" }

// Ensure pulls the model, which is a no-op when it's already present.
func (a *DockerAdapter) Ensure(ctx context.Context, modelID string) error {
	_, err := a.run(ctx, modelID, "model", "pull", modelID)
	return err
}

// Generate runs a single prompt through `docker model run`.
func (a *DockerAdapter) Generate(ctx context.Context, modelID, prompt string, opts Options) (string, error) {
	out, err := a.run(ctx, modelID, a.buildRunArgs(modelID, prompt, opts)...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Chat flattens the conversation into a single prompt.
func (a *DockerAdapter) Chat(ctx context.Context, modelID string, messages []model.Message, opts Options) (string, error) {
	return a.Generate(ctx, modelID, FormatChat(messages), opts)
}

// buildRunArgs constructs the command-line arguments for a generation.
func (a *DockerAdapter) buildRunArgs(modelID, prompt string, opts Options) []string {
	opts = opts.withDefaults()
	args := []string{
		"model", "run", modelID,
		"--prompt", prompt,
		"--max-tokens", strconv.Itoa(opts.MaxTokens),
		"--temperature", strconv.FormatFloat(opts.Temperature, 'f', -1, 64),
	}
	for _, s := range opts.Stop {
		args = append(args, "--stop", s)
	}
	return args
}

func (a *DockerAdapter) run(ctx context.Context, modelID string, args ...string) ([]byte, error) {
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	cmd := newCommand(ctx, a.binary, args...)
	stdout, stderr, err := executeCommand(cmd, a.tracker)
	if err != nil {
		return nil, a.classify(ctx, modelID, stderr, err)
	}
	return stdout, nil
}

// classify maps a failed CLI invocation to a typed backend error.
func (a *DockerAdapter) classify(ctx context.Context, modelID string, stderr []byte, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return newError(KindTimeout, a.Name(), modelID, err)
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, exec.ErrNotFound):
		return newError(KindUnreachable, a.Name(), modelID, err)
	}

	msg := strings.ToLower(string(stderr))
	for _, hint := range []string{"not found", "no such model", "not loaded", "pull access denied"} {
		if strings.Contains(msg, hint) {
			return newError(KindModelNotLoaded, a.Name(), modelID, err)
		}
	}
	return newError(KindUnreachable, a.Name(), modelID, err)
}
