package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/aristath/debai/internal/model"
)

const fakeDocker = `#!/bin/sh
# $1=model $2=run|pull $3=model id
case "$3" in
  missing) echo "Error: model not found: $3" >&2; exit 1 ;;
  broken)  echo "Cannot connect to the Docker daemon" >&2; exit 1 ;;
  slow)    sleep 30 ;;
esac
if [ "$2" = "pull" ]; then
  echo "pulled $3"
  exit 0
fi
shift 3
while [ $# -gt 0 ]; do
  if [ "$1" = "--prompt" ]; then
    printf '  echo: %s  \n' "$2"
    exit 0
  fi
  shift
done
exit 2
`

func newFakeDocker(t *testing.T, timeout time.Duration) *DockerAdapter {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "docker")
	if err := os.WriteFile(bin, []byte(fakeDocker), 0o755); err != nil {
		t.Fatal(err)
	}
	a, err := NewDockerAdapter(Config{Binary: bin, Timeout: timeout}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestDockerAdapter_BuildRunArgs(t *testing.T) {
	a, _ := NewDockerAdapter(Config{}, nil)

	args := a.buildRunArgs("llama3.2:3b", "hi", Options{Stop: []string{"\n\n"}})
	expected := []string{
		"model", "run", "llama3.2:3b",
		"--prompt", "hi",
		"--max-tokens", "512",
		"--temperature", "0.7",
		"--stop", "\n\n",
	}
	if !slices.Equal(args, expected) {
		t.Errorf("Expected args %q, got %q", expected, args)
	}
	if a.binary != "docker" {
		t.Errorf("Expected default binary docker, got %s", a.binary)
	}
}

func TestDockerAdapter_Generate(t *testing.T) {
	a := newFakeDocker(t, 0)

	out, err := a.Generate(context.Background(), "llama3.2:3b", "hello", Options{})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if out != "echo: hello" {
		t.Errorf("Expected trimmed output, got %q", out)
	}
}

func TestDockerAdapter_ChatFormatsMessages(t *testing.T) {
	a := newFakeDocker(t, 0)

	out, err := a.Chat(context.Background(), "llama3.2:3b", []model.Message{
		{Role: model.RoleSystem, Content: "be brief"},
		{Role: model.RoleUser, Content: "disk?"},
	}, Options{})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if !strings.Contains(out, "system: be brief") || !strings.HasSuffix(out, "assistant:") {
		t.Errorf("Unexpected chat prompt %q", out)
	}
}

func TestDockerAdapter_Ensure(t *testing.T) {
	a := newFakeDocker(t, 0)

	if err := a.Ensure(context.Background(), "llama3.2:3b"); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	err := a.Ensure(context.Background(), "missing")
	if !errors.Is(err, ErrModelNotLoaded) {
		t.Errorf("Expected ErrModelNotLoaded, got %v", err)
	}
	if errors.Is(err, model.ErrBackendUnavailable) {
		t.Error("A missing model must not be reported as an unavailable backend")
	}
}

func TestDockerAdapter_ErrorKinds(t *testing.T) {
	tests := map[string]struct {
		binary  string
		modelID string
		timeout time.Duration
		kind    ErrorKind
	}{
		"daemon down":       {modelID: "broken", kind: KindUnreachable},
		"request timed out": {modelID: "slow", timeout: 200 * time.Millisecond, kind: KindTimeout},
		"binary missing":    {binary: "/nonexistent/docker", modelID: "x", kind: KindUnreachable},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			a := newFakeDocker(t, tc.timeout)
			if tc.binary != "" {
				a.binary = tc.binary
			}

			_, err := a.Generate(context.Background(), tc.modelID, "x", Options{})
			var berr *Error
			if !errors.As(err, &berr) {
				t.Fatalf("Expected *Error, got %T: %v", err, err)
			}
			if berr.Kind != tc.kind {
				t.Errorf("Expected kind %s, got %s", tc.kind, berr.Kind)
			}
			if !errors.Is(err, model.ErrBackendUnavailable) {
				t.Errorf("Expected ErrBackendUnavailable, got %v", err)
			}
		})
	}
}
