// Package runtime wraps the container runtime the agent drives. The
// Docker implementation is the single place where the daemon contract
// (API calls, stream handling, error shaping) is encoded; everything
// else consumes its typed results.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/siteio/agent/internal/apps"
)

// NetworkName is the shared bridge network every managed container
// joins, including the edge proxy and the static server.
const NetworkName = "siteio"

// Traefik vocabulary shared between the discovery labels emitted here
// and the file-provider config written by the edge controller.
const (
	CertResolver      = "letsencrypt"
	EntrypointWeb     = "web"
	EntrypointSecure  = "websecure"
	MiddlewareErrors  = "oauth2-errors"
	MiddlewareOAuth   = "oauth2-auth"
	MiddlewareForward = "siteio-auth"
)

// AuthMiddlewares is the ordered chain a protected resource attaches:
// 401-to-sign-in mapping, OIDC forward-auth, then the control-plane
// authorization check.
func AuthMiddlewares() []string {
	return []string{MiddlewareErrors, MiddlewareOAuth, MiddlewareForward}
}

// Runtime is the surface the deployment engine and the edge controller
// drive. Implemented by Docker; tests substitute fakes.
type Runtime interface {
	IsAvailable(ctx context.Context) bool
	EnsureNetwork(ctx context.Context, name string) error

	Pull(ctx context.Context, image string) error
	Build(ctx context.Context, opts BuildOptions) error
	Run(ctx context.Context, cfg ContainerConfig) (string, error)

	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	IsRunning(ctx context.Context, name string) (bool, error)
	ContainerExists(ctx context.Context, name string) (bool, error)
	Inspect(ctx context.Context, name string) (ContainerInfo, error)
	Logs(ctx context.Context, name string, tail int) (string, error)

	ImageExists(ctx context.Context, tag string) (bool, error)
	RemoveImage(ctx context.Context, tag string) error
}

// BuildOptions describes an image build. Dockerfile is relative to
// ContextPath.
type BuildOptions struct {
	ContextPath string
	Dockerfile  string
	Tag         string
	BuildArgs   map[string]string
	NoCache     bool
}

// PortBinding publishes a container port on the host. A HostIP of
// 127.0.0.1 keeps the port loopback-only.
type PortBinding struct {
	HostIP        string
	HostPort      int
	ContainerPort int
}

// ContainerConfig describes a detached container start. Name is the
// full on-host container name; for app containers it carries the
// managed prefix and relative volume host names resolve under the
// app's directory beneath <data>/volumes.
type ContainerConfig struct {
	Name          string
	Image         string
	Env           map[string]string
	Volumes       []apps.Volume
	RestartPolicy apps.RestartPolicy
	Network       string
	Labels        map[string]string
	InternalPort  int
	Ports         []PortBinding
	ExtraHosts    []string
}

// ContainerState mirrors the runtime's view of a container.
type ContainerState struct {
	Running   bool      `json:"running"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	ExitCode  int       `json:"exitCode"`
}

// ContainerInfo is the inspect result consumed by status reporting.
type ContainerInfo struct {
	ID    string            `json:"id"`
	State ContainerState    `json:"state"`
	Image string            `json:"image"`
	Ports map[string]string `json:"ports,omitempty"`
}

// Error is the single error kind every runtime operation fails with.
// Output carries captured daemon or build output when the operation
// produced any; the message is what surfaces to the operator.
type Error struct {
	Op     string
	Output string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func newOutputError(op string, err error, output string) *Error {
	return &Error{Op: op, Err: err, Output: output}
}
