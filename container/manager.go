// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package container runs function images under the resource and isolation
// limits of an SGX host, and launches the quote verification node service.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	docker "github.com/fsouza/go-dockerclient"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/switchboard-xyz/function-manager/result"
)

const (
	DefaultMemory             = "128m"
	DefaultCPUs               = 0.2
	DefaultTimeout            = 20 * time.Second
	DefaultNetworkMode        = "bridge"
	DefaultAESMSocket         = "/var/run/aesmd/aesm.socket"
	DefaultImageCacheSize     = 1024
	DefaultPrewarmConcurrency = 4

	// cleanupTimeout bounds kill and remove after a run
	cleanupTimeout = 10 * time.Second
)

var DefaultSGXDevices = []string{"/dev/sgx_enclave", "/dev/sgx_provision"}

// DockerClient is the subset of the Docker API used by the manager.
// *docker.Client implements it.
type DockerClient interface {
	InspectImage(name string) (*docker.Image, error)
	PullImage(opts docker.PullImageOptions, auth docker.AuthConfiguration) error
	CreateContainer(opts docker.CreateContainerOptions) (*docker.Container, error)
	StartContainerWithContext(id string, hostConfig *docker.HostConfig, ctx context.Context) error
	AttachToContainerNonBlocking(opts docker.AttachToContainerOptions) (docker.CloseWaiter, error)
	KillContainer(opts docker.KillContainerOptions) error
	RemoveContainer(opts docker.RemoveContainerOptions) error
}

type ManagerConfig struct {
	// Client defaults to a client configured from the DOCKER_* environment
	Client DockerClient
	// Auth is the credential of the single private registry
	Auth         docker.AuthConfiguration
	Memory       string
	CPUs         float64
	Timeout      time.Duration
	NetworkMode  string
	SGXDevices   []string
	AESMSocket   string
	ImageCache   int
	Prewarm      int
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
}

// Manager pulls images and runs function containers.
type Manager struct {
	config      ManagerConfig
	client      DockerClient
	logger      *slog.Logger
	metrics     *managerMetrics
	memoryBytes int64
	pulled      *lru.Cache[string, struct{}]
	pullGroup   singleflight.Group
	prewarmSem  *semaphore.Weighted
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Memory == "" {
		cfg.Memory = DefaultMemory
	}
	if cfg.CPUs <= 0 {
		cfg.CPUs = DefaultCPUs
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = DefaultNetworkMode
	}
	if cfg.SGXDevices == nil {
		cfg.SGXDevices = DefaultSGXDevices
	}
	if cfg.AESMSocket == "" {
		cfg.AESMSocket = DefaultAESMSocket
	}
	if cfg.ImageCache <= 0 {
		cfg.ImageCache = DefaultImageCacheSize
	}
	if cfg.Prewarm <= 0 {
		cfg.Prewarm = DefaultPrewarmConcurrency
	}
	memoryBytes, err := units.RAMInBytes(cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("invalid container memory %q: %w", cfg.Memory, err)
	}
	if cfg.Client == nil {
		client, err := docker.NewClientFromEnv()
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		cfg.Client = client
	}
	pulled, err := lru.New[string, struct{}](cfg.ImageCache)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		config:      cfg,
		client:      cfg.Client,
		logger:      cfg.Logger.With("component", "container"),
		memoryBytes: memoryBytes,
		pulled:      pulled,
		prewarmSem:  semaphore.NewWeighted(int64(cfg.Prewarm)),
	}
	if cfg.PromRegistry != nil {
		m.initMetrics(cfg.PromRegistry)
	}
	return m, nil
}

// MemoryBytes is the memory limit applied to each function container.
func (m *Manager) MemoryBytes() int64 {
	return m.memoryBytes
}

// Pull fetches the image unless it is already present. Concurrent pulls of
// one image are coalesced.
func (m *Manager) Pull(ctx context.Context, image string) error {
	if m.pulled.Contains(image) {
		return nil
	}
	_, err, _ := m.pullGroup.Do(image, func() (any, error) {
		if _, err := m.client.InspectImage(image); err == nil {
			m.pulled.Add(image, struct{}{})
			return nil, nil
		} else if !errors.Is(err, docker.ErrNoSuchImage) {
			return nil, fmt.Errorf("inspect image %s: %w", image, err)
		}
		repo, tag := docker.ParseRepositoryTag(image)
		if tag == "" {
			tag = "latest"
		}
		start := time.Now()
		err := m.client.PullImage(
			docker.PullImageOptions{
				Repository: repo,
				Tag:        tag,
				Context:    ctx,
			},
			m.config.Auth,
		)
		if m.metrics != nil {
			m.metrics.pulls.WithLabelValues(outcomeLabel(err)).Inc()
		}
		if err != nil {
			return nil, fmt.Errorf("pull image %s: %w", image, err)
		}
		m.logger.Info("pulled image", "img", image, "duration", time.Since(start))
		m.pulled.Add(image, struct{}{})
		return nil, nil
	})
	return err
}

// Prewarm pulls every image with bounded concurrency. Failures are logged.
func (m *Manager) Prewarm(ctx context.Context, images []string) {
	var wg sync.WaitGroup
	seen := make(map[string]struct{}, len(images))
	for _, image := range images {
		if _, ok := seen[image]; ok {
			continue
		}
		seen[image] = struct{}{}
		if err := m.prewarmSem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(image string) {
			defer wg.Done()
			defer m.prewarmSem.Release(1)
			if err := m.Pull(ctx, image); err != nil {
				m.logger.Warn("failed to prewarm image", "img", image, "error", err)
			}
		}(image)
	}
	wg.Wait()
}

// RunSpec describes one function run.
type RunSpec struct {
	Image string
	Env   []string
	// Timeout overrides the manager default
	Timeout time.Duration
	// LogAttrs tag every forwarded output line
	LogAttrs []any
}

// Run executes a function container and decodes its result. The container
// is always killed and removed before Run returns.
func (m *Manager) Run(ctx context.Context, spec RunSpec) (*result.FunctionResult, error) {
	start := time.Now()
	res, err := m.run(ctx, spec)
	if m.metrics != nil {
		m.metrics.runs.WithLabelValues(runOutcome(err)).Inc()
		m.metrics.runDuration.Observe(time.Since(start).Seconds())
	}
	return res, err
}

func (m *Manager) run(ctx context.Context, spec RunSpec) (*result.FunctionResult, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = m.config.Timeout
	}
	logger := m.logger.With(spec.LogAttrs...).With("img", spec.Image)
	if err := m.Pull(ctx, spec.Image); err != nil {
		return nil, &ContainerStartError{Image: spec.Image, Err: err}
	}
	name := containerName(spec.Image)
	ctr, err := m.client.CreateContainer(docker.CreateContainerOptions{
		Name: name,
		Config: &docker.Config{
			Image:        spec.Image,
			Env:          spec.Env,
			AttachStdout: true,
			AttachStderr: true,
			Labels:       map[string]string{"io.switchboard.role": "function"},
		},
		HostConfig: m.hostConfig(),
		Context:    ctx,
	})
	if err != nil {
		return nil, &ContainerStartError{Image: spec.Image, Err: err}
	}
	defer m.cleanup(ctr.ID, logger)
	if err := m.client.StartContainerWithContext(ctr.ID, nil, ctx); err != nil {
		return nil, &ContainerStartError{Image: spec.Image, Err: err}
	}
	logger.Debug("started container", "container", name)

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cw, err := m.client.AttachToContainerNonBlocking(docker.AttachToContainerOptions{
		Container:    ctr.ID,
		OutputStream: stdoutW,
		ErrorStream:  stderrW,
		Logs:         true,
		Stream:       true,
		Stdout:       true,
		Stderr:       true,
	})
	if err != nil {
		stdoutW.Close()
		stderrW.Close()
		return nil, &AttachError{ContainerID: ctr.ID, Err: err}
	}

	attachDone := make(chan error, 1)
	go func() {
		err := cw.Wait()
		stdoutW.Close()
		stderrW.Close()
		attachDone <- err
	}()
	var wg sync.WaitGroup
	var lastLine string
	wg.Add(2)
	go func() {
		defer wg.Done()
		lastLine = consumeOutput(stdoutR, logger, "stdout")
	}()
	go func() {
		defer wg.Done()
		consumeOutput(stderrR, logger, "stderr")
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var runErr error
	select {
	case err := <-attachDone:
		if err != nil {
			runErr = &AttachError{ContainerID: ctr.ID, Err: err}
		}
	case <-timer.C:
		runErr = &ContainerTimeoutError{Image: spec.Image, Timeout: timeout}
	case <-ctx.Done():
		runErr = ctx.Err()
	}
	if runErr != nil {
		m.kill(ctr.ID, logger)
		_ = cw.Close()
		<-attachDone
	}
	wg.Wait()
	if runErr != nil {
		return nil, runErr
	}
	res, err := result.ParseOutput(lastLine)
	if err != nil {
		return nil, &FunctionResultParseError{Image: spec.Image, Line: Truncate(lastLine), Err: err}
	}
	return res, nil
}

func (m *Manager) hostConfig() *docker.HostConfig {
	devices := make([]docker.Device, 0, len(m.config.SGXDevices))
	for _, dev := range m.config.SGXDevices {
		devices = append(devices, docker.Device{
			PathOnHost:        dev,
			PathInContainer:   dev,
			CgroupPermissions: "rwm",
		})
	}
	return &docker.HostConfig{
		NetworkMode:    m.config.NetworkMode,
		Memory:         m.memoryBytes,
		MemorySwap:     m.memoryBytes,
		NanoCPUs:       int64(math.Round(m.config.CPUs * 1e9)),
		ReadonlyRootfs: true,
		Devices:        devices,
		Binds:          []string{m.config.AESMSocket + ":" + m.config.AESMSocket},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": "rw,size=16m"},
	}
}

func (m *Manager) kill(id string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	err := m.client.KillContainer(docker.KillContainerOptions{
		ID:      id,
		Signal:  docker.SIGKILL,
		Context: ctx,
	})
	var notRunning *docker.ContainerNotRunning
	var noSuch *docker.NoSuchContainer
	if err != nil && !errors.As(err, &notRunning) && !errors.As(err, &noSuch) {
		logger.Warn("failed to kill container", "container", id, "error", err)
	}
}

func (m *Manager) cleanup(id string, logger *slog.Logger) {
	m.kill(id, logger)
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	err := m.client.RemoveContainer(docker.RemoveContainerOptions{
		ID:            id,
		Force:         true,
		RemoveVolumes: true,
		Context:       ctx,
	})
	var noSuch *docker.NoSuchContainer
	if err != nil && !errors.As(err, &noSuch) {
		logger.Warn("failed to remove container", "container", id, "error", err)
	}
}

// containerName derives a unique container name from the image.
func containerName(image string) string {
	repo, _ := docker.ParseRepositoryTag(image)
	if idx := strings.LastIndex(repo, "/"); idx >= 0 {
		repo = repo[idx+1:]
	}
	repo = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, repo)
	return "fn-" + repo + "-" + uuid.NewString()[:8]
}
