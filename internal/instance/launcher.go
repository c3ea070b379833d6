package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/botforge/platform/internal/docker"
	"github.com/botforge/platform/internal/domain"
	"github.com/botforge/platform/internal/workspace"
	"github.com/botforge/platform/pkg/config"
)

// ErrLaunchFailed indicates the bot instance could not be started.
var ErrLaunchFailed = errors.New("instance launch failed")

// ErrNotRunning indicates no container exists for the tenant.
var ErrNotRunning = errors.New("instance not running")

// ContainerRuntime is the slice of the Docker client the launcher needs.
type ContainerRuntime interface {
	RunInstance(ctx context.Context, spec docker.RunSpec) (string, error)
	State(ctx context.Context, name string) (docker.InstanceState, error)
	RemoveInstance(ctx context.Context, name string) error
	Logs(ctx context.Context, name string, tailLines int) (string, error)
}

// Descriptor is the materialized launch configuration persisted into the
// tenant workspace before the instance is started. Secrets are carried
// by reference (the sealed seed file), never inline.
type Descriptor struct {
	TenantID      string            `json:"tenant_id"`
	ContainerName string            `json:"container_name"`
	Image         string            `json:"image"`
	HostPort      int               `json:"host_port"`
	ContainerPort int               `json:"container_port"`
	Tier          string            `json:"tier"`
	MemoryMB      int               `json:"memory_mb"`
	CPUPercent    int               `json:"cpu_percent"`
	SeedFile      string            `json:"seed_file"`
	Features      map[string]bool   `json:"features"`
	Env           map[string]string `json:"env"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Receipt summarizes a successful launch.
type Receipt struct {
	ContainerID   string
	ContainerName string
	Port          int
	StartedAt     time.Time
}

// Launcher materializes launch descriptors and starts bot instances.
type Launcher struct {
	runtime ContainerRuntime
	ws      *workspace.Manager
	cfg     config.Config
	logger  *slog.Logger
}

// NewLauncher constructs a Launcher.
func NewLauncher(runtime ContainerRuntime, ws *workspace.Manager, cfg config.Config, logger *slog.Logger) *Launcher {
	return &Launcher{runtime: runtime, ws: ws, cfg: cfg, logger: logger}
}

// ContainerName returns the canonical container name for a tenant.
func ContainerName(tenantID string) string {
	return "botforge-" + tenantID
}

// BuildDescriptor substitutes tenant-specific values into the launch
// template. Resource limits are tier-keyed from configuration so they
// can change without code changes.
func BuildDescriptor(tenant domain.Tenant, port int, cfg config.Config) Descriptor {
	limits, ok := cfg.TierLimits[tenant.Tier]
	if !ok {
		limits = cfg.TierLimits[domain.TierBasic]
	}
	return Descriptor{
		TenantID:      tenant.ID,
		ContainerName: ContainerName(tenant.ID),
		Image:         cfg.BotImage,
		HostPort:      port,
		ContainerPort: cfg.BotContainerPort,
		Tier:          tenant.Tier,
		MemoryMB:      limits.MemoryMB,
		CPUPercent:    limits.CPUPercent,
		SeedFile:      filepath.Join("/data", "seed.enc"),
		Features: map[string]bool{
			"wallet":      tenant.Features.Wallet,
			"dao":         tenant.Features.DAO,
			"marketplace": tenant.Features.Marketplace,
		},
		Env: map[string]string{
			"TENANT_ID":          tenant.ID,
			"BOT_NAME":           tenant.Name,
			"BOT_MODEL":          tenant.Model,
			"PLATFORM_TOKEN":     tenant.PlatformToken,
			"PORT":               strconv.Itoa(cfg.BotContainerPort),
			"WALLET_SERVICE_URL": cfg.WalletServiceURL,
			"CHAIN_NETWORK":      cfg.ChainNetwork,
		},
		CreatedAt: time.Now().UTC(),
	}
}

// Launch persists the descriptor and starts the tenant's instance bound
// to the allocated host port. A non-starting container is fatal to the
// deployment.
func (l *Launcher) Launch(ctx context.Context, tenant domain.Tenant, port int) (Receipt, error) {
	descriptor := BuildDescriptor(tenant, port, l.cfg)
	if err := l.ws.WriteConfig(tenant.ID, "launch.json", descriptor); err != nil {
		return Receipt{}, fmt.Errorf("%w: persist descriptor: %v", ErrLaunchFailed, err)
	}

	containerPort := nat.Port(fmt.Sprintf("%d/tcp", descriptor.ContainerPort))
	env := make([]string, 0, len(descriptor.Env))
	for key, value := range descriptor.Env {
		env = append(env, key+"="+value)
	}

	spec := docker.RunSpec{
		Name:  descriptor.ContainerName,
		Image: descriptor.Image,
		Env:   env,
		Binds: []string{l.ws.Dir(tenant.ID) + ":/data"},
		Ports: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(port)}},
		},
		MemoryMB:   descriptor.MemoryMB,
		CPUPercent: descriptor.CPUPercent,
	}

	containerID, err := l.runtime.RunInstance(ctx, spec)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	l.logger.Info("instance started",
		"tenant_id", tenant.ID,
		"container_id", containerID,
		"port", port,
		"tier", tenant.Tier)
	return Receipt{
		ContainerID:   containerID,
		ContainerName: descriptor.ContainerName,
		Port:          port,
		StartedAt:     time.Now().UTC(),
	}, nil
}

// Stop removes the tenant's instance if present.
func (l *Launcher) Stop(ctx context.Context, tenantID string) error {
	return l.runtime.RemoveInstance(ctx, ContainerName(tenantID))
}

// Logs returns the tail of the tenant instance's combined output.
func (l *Launcher) Logs(ctx context.Context, tenantID string, tail int) (string, error) {
	out, err := l.runtime.Logs(ctx, ContainerName(tenantID), tail)
	if errors.Is(err, docker.ErrNotFound) {
		return "", ErrNotRunning
	}
	return out, err
}
