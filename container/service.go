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

package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/docker/go-units"
	docker "github.com/fsouza/go-dockerclient"
)

const (
	DefaultServiceMemory = "512m"
	DefaultServiceCPUs   = 0.6
)

// ServiceSpec describes a long running sibling container such as the quote
// verification node.
type ServiceSpec struct {
	Name   string
	Image  string
	Env    []string
	Memory string
	CPUs   float64
	// NetworkMode defaults to host so the service can bind loopback
	NetworkMode string
	Binds       []string
}

// StartService replaces any container with the same name and starts the
// service. Its output is forwarded to the logger until ctx is done.
func (m *Manager) StartService(ctx context.Context, spec ServiceSpec) (string, error) {
	if spec.Memory == "" {
		spec.Memory = DefaultServiceMemory
	}
	if spec.CPUs <= 0 {
		spec.CPUs = DefaultServiceCPUs
	}
	if spec.NetworkMode == "" {
		spec.NetworkMode = "host"
	}
	memoryBytes, err := units.RAMInBytes(spec.Memory)
	if err != nil {
		return "", fmt.Errorf("invalid service memory %q: %w", spec.Memory, err)
	}
	if err := m.Pull(ctx, spec.Image); err != nil {
		return "", &ContainerStartError{Image: spec.Image, Err: err}
	}
	logger := m.logger.With("service", spec.Name, "img", spec.Image)
	err = m.client.RemoveContainer(docker.RemoveContainerOptions{
		ID:      spec.Name,
		Force:   true,
		Context: ctx,
	})
	var noSuch *docker.NoSuchContainer
	if err != nil && !errors.As(err, &noSuch) {
		logger.Warn("failed to remove previous service container", "error", err)
	}
	hostConfig := m.hostConfig()
	hostConfig.NetworkMode = spec.NetworkMode
	hostConfig.Memory = memoryBytes
	hostConfig.MemorySwap = memoryBytes
	hostConfig.NanoCPUs = int64(math.Round(spec.CPUs * 1e9))
	hostConfig.Binds = append(hostConfig.Binds, spec.Binds...)
	hostConfig.RestartPolicy = docker.RestartUnlessStopped()
	ctr, err := m.client.CreateContainer(docker.CreateContainerOptions{
		Name: spec.Name,
		Config: &docker.Config{
			Image:        spec.Image,
			Env:          spec.Env,
			AttachStdout: true,
			AttachStderr: true,
			Labels:       map[string]string{"io.switchboard.role": "service"},
		},
		HostConfig: hostConfig,
		Context:    ctx,
	})
	if err != nil {
		return "", &ContainerStartError{Image: spec.Image, Err: err}
	}
	if err := m.client.StartContainerWithContext(ctr.ID, nil, ctx); err != nil {
		return "", &ContainerStartError{Image: spec.Image, Err: err}
	}
	logger.Info("started service container", "container", ctr.ID)
	if err := m.followService(ctx, ctr.ID, logger); err != nil {
		logger.Warn("service output not attached", "error", err)
	}
	return ctr.ID, nil
}

func (m *Manager) followService(ctx context.Context, id string, logger *slog.Logger) error {
	r, w := io.Pipe()
	cw, err := m.client.AttachToContainerNonBlocking(docker.AttachToContainerOptions{
		Container:    id,
		OutputStream: w,
		ErrorStream:  w,
		Stream:       true,
		Stdout:       true,
		Stderr:       true,
	})
	if err != nil {
		w.Close()
		return &AttachError{ContainerID: id, Err: err}
	}
	go func() {
		consumeOutput(r, logger, "service")
	}()
	go func() {
		done := make(chan struct{})
		go func() {
			_ = cw.Wait()
			close(done)
		}()
		select {
		case <-ctx.Done():
			_ = cw.Close()
			<-done
		case <-done:
		}
		w.Close()
	}()
	return nil
}
