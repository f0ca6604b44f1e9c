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

package fnmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/switchboard-xyz/function-manager/container"
	"github.com/switchboard-xyz/function-manager/dispatcher"
	"github.com/switchboard-xyz/function-manager/event"
	"github.com/switchboard-xyz/function-manager/journal"
	"github.com/switchboard-xyz/function-manager/qvn"
	"github.com/switchboard-xyz/function-manager/registry"
	"github.com/switchboard-xyz/function-manager/runner"
)

const qvnReadyPoll = time.Second

// Node is the function manager. It discovers workloads on chain, runs
// them in containers and hands their results to the verifier node.
type Node struct {
	config        Config
	eventBus      *event.EventBus
	journal       *journal.Journal
	containers    *container.Manager
	verifierNode  *VerifierNode
	qvnClient     *qvn.Client
	registry      *registry.Registry
	dispatcher    *dispatcher.Dispatcher
	runner        *runner.Runner
	started       atomic.Bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	shutdownFuncs []func(context.Context) error
	done          chan struct{}
	shutdownOnce  sync.Once
}

func New(cfg Config) (*Node, error) {
	if err := cfg.configValidate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	n := &Node{
		config:   cfg,
		eventBus: event.NewEventBus(cfg.promRegistry, cfg.logger),
		done:     make(chan struct{}),
	}
	return n, nil
}

// EventBus returns the bus shared by the node components.
func (n *Node) EventBus() *event.EventBus {
	return n.eventBus
}

// Journal returns the run journal once the node is running.
func (n *Node) Journal() *journal.Journal {
	return n.journal
}

// Run starts every component and blocks until Stop is called.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	// Configure tracing
	if n.config.tracing {
		shutdown, err := setupTracing(ctx, "switchboard-function-manager", n.config.tracingStdout)
		if err != nil {
			return err
		}
		n.shutdownFuncs = append(n.shutdownFuncs, shutdown)
	}
	// Open run journal
	j, err := journal.New(
		journal.WithDataDir(n.config.dataDir),
		journal.WithLogger(n.config.logger),
		journal.WithPromRegistry(n.config.promRegistry),
	)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	n.journal = j
	j.Subscribe(n.eventBus)
	// Container manager
	containers, err := container.NewManager(container.ManagerConfig{
		Client:       n.config.dockerClient,
		Auth:         n.config.dockerAuth,
		Memory:       n.config.containerMemory,
		CPUs:         n.config.containerCPUs,
		Timeout:      n.config.containerTimeout,
		Logger:       n.config.logger,
		PromRegistry: n.config.promRegistry,
	})
	if err != nil {
		return fmt.Errorf("failed to create container manager: %w", err)
	}
	n.containers = containers
	// Verifier node
	if err := n.startVerifierNode(ctx); err != nil {
		return err
	}
	n.qvnClient = qvn.NewClient(qvn.ClientConfig{
		URL:          "http://" + n.qvnAddr(),
		ExitFunc:     n.config.exitFunc,
		Logger:       n.config.logger,
		PromRegistry: n.config.promRegistry,
	})
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.qvnClient.WaitReady(ctx, qvnReadyPoll); err != nil {
			n.config.logger.Debug("stopped waiting for verifier node", "error", err)
		}
	}()
	// Workload registry
	n.registry = registry.New(registry.Config{
		Client:              n.config.client,
		Queue:               n.config.queue,
		Verifier:            n.config.verifier,
		Payer:               n.config.payer.Address(),
		Subscribe:           n.config.subscribe,
		RefreshInterval:     n.config.refreshInterval,
		QueuePollInterval:   n.config.queuePollInterval,
		BalancePollInterval: n.config.balancePollInterval,
		SlotPollInterval:    n.config.slotPollInterval,
		MinPayerBalance:     n.config.minPayerBalance,
		EventBus:            n.eventBus,
		Logger:              n.config.logger,
		PromRegistry:        n.config.promRegistry,
	})
	if err := n.registry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start registry: %w", err)
	}
	// Dispatcher
	d, err := dispatcher.New(dispatcher.Config{
		Registry:        n.registry,
		Verifier:        n.config.verifier,
		QVNReady:        n.qvnClient.IsReady,
		LastExecutions:  n.journal,
		Prewarmer:       n.containers,
		PrewarmInterval: n.config.imagePrewarmInterval,
		ExitFunc:        n.config.exitFunc,
		EventBus:        n.eventBus,
		Logger:          n.config.logger,
		PromRegistry:    n.config.promRegistry,
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	n.dispatcher = d
	// Runner pool
	workers := n.config.runnerWorkers
	if workers <= 0 {
		workers = runner.WorkersFor(n.config.nodeMemory, n.containers.MemoryBytes())
	}
	r, err := runner.New(runner.Config{
		Tickets:   d.Tickets(),
		Runner:    n.containers,
		Submitter: n.qvnClient,
		Completer: d,
		Identity: runner.Identity{
			Payer:          n.config.payer.Address(),
			RewardReceiver: n.config.rewardReceiver,
			Verifier:       n.config.verifier,
			Contract:       n.config.contractAddress,
			ChainID:        n.config.chainID,
		},
		Workers:      workers,
		Timeout:      n.config.containerTimeout,
		EventBus:     n.eventBus,
		Logger:       n.config.logger,
		PromRegistry: n.config.promRegistry,
	})
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}
	n.runner = r
	r.Start(ctx)
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	n.started.Store(true)
	n.config.logger.Info(
		"function manager started",
		"component", "node",
		"queue", n.config.queue,
		"verifier", n.config.verifier,
		"workers", workers,
		"qvn_mode", n.config.qvnMode,
	)

	// Wait for shutdown signal
	<-n.done
	return nil
}

// Ready reports whether workloads are loaded and the verifier node
// accepts results.
func (n *Node) Ready() bool {
	if !n.started.Load() {
		return false
	}
	return n.registry.Ready() && n.qvnClient.IsReady()
}

func (n *Node) qvnAddr() string {
	if n.verifierNode != nil {
		return n.verifierNode.Addr()
	}
	return n.config.qvnAddr
}

func (n *Node) startVerifierNode(ctx context.Context) error {
	switch n.config.qvnMode {
	case QvnModeEmbedded:
		vn, err := NewVerifierNode(n.config, n.eventBus)
		if err != nil {
			return err
		}
		n.verifierNode = vn
		if err := vn.Start(ctx); err != nil {
			return fmt.Errorf("failed to start verifier node: %w", err)
		}
	case QvnModeContainer:
		spec := container.ServiceSpec{
			Name:   qvnServiceName,
			Image:  n.config.qvnImage,
			Env:    n.config.qvnEnv,
			Memory: n.config.qvnMemory,
		}
		if n.config.dataDir != "" {
			spec.Binds = []string{n.config.dataDir + ":/data"}
		}
		if _, err := n.containers.StartService(ctx, spec); err != nil {
			return fmt.Errorf("failed to launch verifier node: %w", err)
		}
	case QvnModeExternal:
		n.config.logger.Info(
			"using external verifier node",
			"component", "node",
			"addr", n.config.qvnAddr,
		)
	}
	return nil
}

func (n *Node) Stop() error {
	var err error
	n.shutdownOnce.Do(func() {
		err = n.shutdown()
	})
	return err
}

func (n *Node) shutdown() error {
	ctx, cancel := context.WithTimeout(
		context.Background(),
		shutdownTimeout(n.config.shutdownTimeout),
	)
	defer cancel()

	var err error

	n.config.logger.Debug("starting graceful shutdown")

	// Phase 1: Stop accepting new work
	n.config.logger.Debug("shutdown phase 1: stopping new work")

	if n.dispatcher != nil {
		n.dispatcher.Stop()
	}
	if n.registry != nil {
		n.registry.Stop()
	}

	// Phase 2: Drain in-flight runs
	n.config.logger.Debug("shutdown phase 2: draining runs")

	if n.runner != nil {
		n.runner.Stop()
	}
	if n.verifierNode != nil {
		if stopErr := n.verifierNode.Stop(); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("verifier node shutdown: %w", stopErr))
		}
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	// Phase 3: Close the journal
	n.config.logger.Debug("shutdown phase 3: closing journal")

	if n.eventBus != nil {
		n.eventBus.Stop()
	}
	if n.journal != nil {
		if closeErr := n.journal.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("journal close: %w", closeErr))
		}
	}

	// Phase 4: Cleanup resources
	n.config.logger.Debug("shutdown phase 4: cleanup resources")

	for _, fn := range n.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	n.shutdownFuncs = nil

	n.config.logger.Debug("graceful shutdown complete")
	close(n.done)
	return err
}
