package llm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Local runs generations through a llama.cpp subprocess.
type Local struct {
	cfg Config
	log *slog.Logger
}

func newLocal(cfg Config) (*Local, error) {
	l := &Local{cfg: cfg, log: slog.Default()}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		l.log.Warn("llm: model file not found", "path", cfg.ModelPath)
	}
	if _, err := exec.LookPath(cfg.Executable); err != nil {
		l.log.Warn("llm: executable not found", "path", cfg.Executable)
	}
	return l, nil
}

// Generate invokes the subprocess with a controlled argument vector and
// returns stdout with the prompt prefix stripped.
func (l *Local) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, l.cfg.Executable,
		"-m", l.cfg.ModelPath,
		"-t", strconv.Itoa(l.cfg.Threads),
		"--n-gpu-layers", strconv.Itoa(l.cfg.GPULayers),
		"--ctx-size", strconv.Itoa(l.cfg.CtxSize),
		"-n", strconv.Itoa(maxTokens),
		"--temp", strconv.FormatFloat(float64(l.cfg.Temperature), 'f', -1, 32),
		"-p", prompt,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("llm: run %s: %w: %s", l.cfg.Executable, err, strings.TrimSpace(stderr.String()))
	}

	out := stdout.String()
	if _, after, found := strings.Cut(out, prompt); found {
		out = after
	}
	return strings.TrimSpace(out), nil
}

// Chat flattens the conversation into a tagged prompt and generates.
func (l *Local) Chat(ctx context.Context, messages []Message, maxTokens int) (string, error) {
	return l.Generate(ctx, renderMessages(messages), maxTokens)
}
