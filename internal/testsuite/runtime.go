package testsuite

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/siteio/agent/internal/runtime"
)

// FakeContainer is one container the fake runtime holds.
type FakeContainer struct {
	ID      string
	Config  runtime.ContainerConfig
	Running bool
}

// FakeRuntime implements runtime.Runtime in memory. Its not-found
// behavior mirrors the Docker adapter: removals of missing containers
// and images succeed, stop and restart of missing containers fail.
type FakeRuntime struct {
	mu sync.Mutex

	Unavailable bool
	Networks    []string
	Images      map[string]bool
	Containers  map[string]*FakeContainer

	PullErr  error
	BuildErr error
	RunErr   error

	Pulled  []string
	Builds  []runtime.BuildOptions
	LogTail string

	nextID int
}

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		Images:     map[string]bool{},
		Containers: map[string]*FakeContainer{},
		LogTail:    "container log output",
	}
}

func (f *FakeRuntime) IsAvailable(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Unavailable
}

func (f *FakeRuntime) EnsureNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.Networks {
		if n == name {
			return nil
		}
	}
	f.Networks = append(f.Networks, name)
	return nil
}

func (f *FakeRuntime) Pull(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PullErr != nil {
		return f.PullErr
	}
	f.Pulled = append(f.Pulled, image)
	f.Images[image] = true
	return nil
}

func (f *FakeRuntime) Build(ctx context.Context, opts runtime.BuildOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BuildErr != nil {
		return f.BuildErr
	}
	f.Builds = append(f.Builds, opts)
	f.Images[opts.Tag] = true
	return nil
}

func (f *FakeRuntime) Run(ctx context.Context, cfg runtime.ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RunErr != nil {
		return "", f.RunErr
	}
	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	f.Containers[cfg.Name] = &FakeContainer{ID: id, Config: cfg, Running: true}
	return id, nil
}

func (f *FakeRuntime) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[name]
	if !ok {
		return fmt.Errorf("no such container: %s", name)
	}
	c.Running = false
	return nil
}

func (f *FakeRuntime) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Containers, name)
	return nil
}

func (f *FakeRuntime) Restart(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[name]
	if !ok {
		return fmt.Errorf("no such container: %s", name)
	}
	c.Running = true
	return nil
}

func (f *FakeRuntime) IsRunning(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[name]
	return ok && c.Running, nil
}

func (f *FakeRuntime) ContainerExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Containers[name]
	return ok, nil
}

func (f *FakeRuntime) Inspect(ctx context.Context, name string) (runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[name]
	if !ok {
		return runtime.ContainerInfo{}, fmt.Errorf("no such container: %s", name)
	}
	status := "exited"
	if c.Running {
		status = "running"
	}
	return runtime.ContainerInfo{
		ID:    c.ID,
		Image: c.Config.Image,
		State: runtime.ContainerState{
			Running:   c.Running,
			Status:    status,
			StartedAt: time.Now(),
		},
	}, nil
}

func (f *FakeRuntime) Logs(ctx context.Context, name string, tail int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Containers[name]; !ok {
		return "", fmt.Errorf("no such container: %s", name)
	}
	return f.LogTail, nil
}

func (f *FakeRuntime) ImageExists(ctx context.Context, tag string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Images[tag], nil
}

func (f *FakeRuntime) RemoveImage(ctx context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Images, tag)
	return nil
}

// Container returns a copy of the named container for assertions.
func (f *FakeRuntime) Container(name string) (FakeContainer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[name]
	if !ok {
		return FakeContainer{}, false
	}
	return *c, true
}
