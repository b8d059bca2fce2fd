// Package compute implements the replicate action's sandbox allocator: a
// Docker container created from a configured image, with the genesis
// prompt and keystore bind-mounted into it.
package compute

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/aethernet/core/internal/executor"
)

// Config configures the sandbox allocator.
type Config struct {
	Image       string
	MemoryMB    int64
	NetworkMode string
	SandboxRoot string // each child gets SandboxRoot/<childID> bind-mounted as /workspace
}

// DockerProvider allocates one long-lived container per replicated
// child. It implements executor.ComputeProvider.
type DockerProvider struct {
	cli *client.Client
	cfg Config
}

func NewDockerProvider(cfg Config) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = "golang:alpine"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 512
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "none"
	}
	return &DockerProvider{cli: cli, cfg: cfg}, nil
}

type genesis struct {
	Name           string `json:"name"`
	Prompt         string `json:"prompt"`
	ParentAddress  string `json:"parentAddress"`
	CreatorAddress string `json:"creatorAddress"`
}

// Allocate creates a workspace directory carrying the genesis prompt and
// keystore, then starts a detached container bind-mounting it at
// /workspace.
func (p *DockerProvider) Allocate(ctx context.Context, plan executor.ReplicatePlan) (executor.ReplicateResult, error) {
	childID := newChildID()
	workspace := filepath.Join(p.cfg.SandboxRoot, childID)
	if err := os.MkdirAll(workspace, 0o700); err != nil {
		return executor.ReplicateResult{}, fmt.Errorf("create sandbox workspace: %w", err)
	}

	genesisBytes, err := json.MarshalIndent(genesis{
		Name:           plan.Name,
		Prompt:         plan.GenesisPrompt,
		ParentAddress:  plan.ParentAddress,
		CreatorAddress: plan.CreatorAddress,
	}, "", "  ")
	if err != nil {
		return executor.ReplicateResult{}, fmt.Errorf("marshal genesis: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workspace, "genesis.json"), genesisBytes, 0o600); err != nil {
		return executor.ReplicateResult{}, fmt.Errorf("write genesis: %w", err)
	}
	if len(plan.KeystoreJSON) > 0 {
		if err := os.WriteFile(filepath.Join(workspace, "keystore.json"), plan.KeystoreJSON, 0o600); err != nil {
			return executor.ReplicateResult{}, fmt.Errorf("write keystore: %w", err)
		}
	}

	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image: p.cfg.Image,
		Cmd:   []string{"sh", "-c", "tail -f /dev/null"},
		Tty:   false,
		Labels: map[string]string{
			"aethernet.child_id":      childID,
			"aethernet.child_address": plan.ChildAddress,
		},
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: p.cfg.MemoryMB * 1024 * 1024},
		NetworkMode: container.NetworkMode(p.cfg.NetworkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", workspace)},
	}, nil, nil, "")
	if err != nil {
		return executor.ReplicateResult{}, fmt.Errorf("create sandbox container: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return executor.ReplicateResult{}, fmt.Errorf("start sandbox container: %w", err)
	}

	return executor.ReplicateResult{ChildID: childID, ChildAddress: plan.ChildAddress}, nil
}

func (p *DockerProvider) Close() error {
	return p.cli.Close()
}

func newChildID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("child-%x", b)
}
