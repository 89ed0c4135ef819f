package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/advocai/caseflow/internal/application/port/output"
	"github.com/advocai/caseflow/internal/domain/werr"
)

// LocalCLIGateway implements ProviderGateway over a locally installed model
// CLI (e.g. `ollama run <model>`). The prompt is piped to stdin and the
// generation read from stdout.
type LocalCLIGateway struct {
	bin   string
	args  []string
	model string
}

// LocalConfig holds local provider configuration.
type LocalConfig struct {
	Bin   string // CLI binary, e.g. "ollama"
	Model string // Model name passed to the CLI
}

// NewLocalCLIGateway creates a local CLI provider gateway.
func NewLocalCLIGateway(cfg LocalConfig) *LocalCLIGateway {
	bin := cfg.Bin
	if bin == "" {
		bin = "ollama"
	}
	return &LocalCLIGateway{
		bin:   bin,
		args:  []string{"run", cfg.Model},
		model: cfg.Model,
	}
}

// Name returns the provider identifier.
func (g *LocalCLIGateway) Name() string { return "local:" + g.model }

// Generate runs the CLI once with the request prompt on stdin.
func (g *LocalCLIGateway) Generate(ctx context.Context, req output.GenerationRequest) (*output.GenerationResponse, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, g.bin, g.args...)
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			// A missing binary won't appear between retries; skip the tier.
			return nil, werr.New(werr.CategoryPermanentProvider, "local provider CLI %q not found", g.bin)
		}
		return nil, werr.Wrap(werr.CategoryTransientProvider,
			fmt.Errorf("local provider %s failed: %v (stderr: %s)", g.bin, err, strings.TrimSpace(stderr.String())))
	}

	text := strings.TrimSpace(stdout.String())
	if text == "" {
		return nil, werr.New(werr.CategoryTransientProvider, "local provider returned no output")
	}

	return &output.GenerationResponse{
		Text:     text,
		Provider: g.Name(),
		Duration: time.Since(start),
		Metadata: map[string]string{"bin": g.bin, "model": g.model},
	}, nil
}

// HealthCheck verifies the CLI binary is on PATH.
func (g *LocalCLIGateway) HealthCheck(ctx context.Context) error {
	if _, err := exec.LookPath(g.bin); err != nil {
		return fmt.Errorf("local provider CLI %q not available: %w", g.bin, err)
	}
	return nil
}
