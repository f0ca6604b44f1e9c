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

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	fnmanager "github.com/switchboard-xyz/function-manager"
	"github.com/switchboard-xyz/function-manager/chain"
	"github.com/switchboard-xyz/function-manager/internal/config"
	"github.com/switchboard-xyz/function-manager/workload"
)

const shutdownTimeout = 30 * time.Second

// runnable is a node that blocks in Run until Stop.
type runnable interface {
	Run(ctx context.Context) error
	Stop() error
	Ready() bool
}

// Run starts the function manager.
func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", redacted(cfg)), "component", "node")
	if err := cfg.RequireChain(); err != nil {
		return err
	}
	ctx := context.Background()
	client, err := newChainClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()
	payer, payerSecret, err := payerSigner(cfg)
	if err != nil {
		return err
	}
	opts := commonOptions(cfg, logger, client, payer)
	opts = append(opts,
		fnmanager.WithDataDir(cfg.DataDir),
		fnmanager.WithQvn(cfg.QvnMode, cfg.QvnAddr, cfg.QvnImage),
		fnmanager.WithDockerAuth(cfg.DockerUser, cfg.DockerKey, cfg.DockerRegistry),
		fnmanager.WithContainerLimits(
			cfg.ContainerMemory,
			cfg.ContainerCPUs,
			cfg.ContainerTimeout.Duration(),
		),
		fnmanager.WithRunnerWorkers(cfg.RunnerWorkers),
		fnmanager.WithPollIntervals(
			cfg.RefreshInterval.Duration(),
			cfg.QueuePollInterval.Duration(),
			cfg.BalancePollInterval.Duration(),
			cfg.SlotPollInterval.Duration(),
		),
		fnmanager.WithImagePrewarmInterval(cfg.ImagePrewarmInterval.Duration()),
		fnmanager.WithSubscribe(cfg.WssURL != ""),
		fnmanager.WithMinPayerBalance(cfg.MinPayerBalance),
	)
	if cfg.NodeMemory != "" {
		nodeMemory, err := units.RAMInBytes(cfg.NodeMemory)
		if err != nil {
			return fmt.Errorf("invalid NODE_MEMORY %q: %w", cfg.NodeMemory, err)
		}
		opts = append(opts, fnmanager.WithNodeMemory(nodeMemory))
	}
	switch cfg.QvnMode {
	case config.QvnModeEmbedded:
		provider, verifier, err := quoteSources(cfg)
		if err != nil {
			return err
		}
		opts = append(opts,
			fnmanager.WithQuoteProvider(provider),
			fnmanager.WithQuoteVerifier(verifier),
			fnmanager.WithQuoteUploader(newIPFSClient(cfg, logger)),
		)
	case config.QvnModeContainer:
		opts = append(opts,
			fnmanager.WithQvnContainer(cfg.QvnMemory, verifierNodeEnv(cfg, payerSecret)),
		)
	}
	n, err := fnmanager.New(fnmanager.NewConfig(opts...))
	if err != nil {
		return err
	}
	return serve(cfg, logger, n)
}

// RunVerifier starts a standalone verifier node.
func RunVerifier(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", redacted(cfg)), "component", "node")
	if err := cfg.RequireChain(); err != nil {
		return err
	}
	ctx := context.Background()
	client, err := newChainClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()
	payer, _, err := payerSigner(cfg)
	if err != nil {
		return err
	}
	provider, verifier, err := quoteSources(cfg)
	if err != nil {
		return err
	}
	opts := commonOptions(cfg, logger, client, payer)
	opts = append(opts,
		fnmanager.WithQvn(fnmanager.QvnModeEmbedded, cfg.QvnAddr, ""),
		fnmanager.WithQuoteProvider(provider),
		fnmanager.WithQuoteVerifier(verifier),
		fnmanager.WithQuoteUploader(newIPFSClient(cfg, logger)),
	)
	vn, err := fnmanager.NewVerifierNode(fnmanager.NewConfig(opts...), nil)
	if err != nil {
		return err
	}
	return serve(cfg, logger, vn)
}

func commonOptions(
	cfg *config.Config,
	logger *slog.Logger,
	client closableClient,
	payer chain.Signer,
) []fnmanager.ConfigOptionFunc {
	return []fnmanager.ConfigOptionFunc{
		fnmanager.WithLogger(logger),
		// Enable metrics with default prometheus registry
		fnmanager.WithPrometheusRegistry(prometheus.DefaultRegisterer),
		fnmanager.WithChainClient(client),
		fnmanager.WithPayer(payer),
		fnmanager.WithQueue(workload.Address(cfg.Queue)),
		fnmanager.WithVerifier(workload.Address(cfg.QuoteKey)),
		fnmanager.WithRewardReceiver(workload.Address(cfg.RewardReceiver)),
		fnmanager.WithContract(cfg.ContractAddress, cfg.ChainID),
		fnmanager.WithSealedKeyPath(cfg.SealedKeyPath),
		fnmanager.WithHeartbeatInterval(cfg.HeartbeatInterval.Duration()),
		fnmanager.WithSignerPoolSize(cfg.SignerPool),
		fnmanager.WithGasCap(cfg.GasCap),
		fnmanager.WithSignerMinRequired(cfg.SignerMinRequired),
		fnmanager.WithTracing(cfg.Tracing),
		fnmanager.WithTracingStdout(cfg.TracingStdout),
		fnmanager.WithShutdownTimeout(shutdownTimeout),
	}
}

// redacted returns a copy of cfg that is safe to log.
func redacted(cfg *config.Config) config.Config {
	ret := *cfg
	for _, s := range []*string{&ret.PayerSecret, &ret.DockerKey, &ret.IpfsKey} {
		if *s != "" {
			*s = "<redacted>"
		}
	}
	return ret
}

func serve(cfg *config.Config, logger *slog.Logger, n runnable) error {
	// Metrics and debug listener
	http.Handle("/metrics", promhttp.Handler())
	metricsAddr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.MetricsPort)
	logger.Info(
		"serving prometheus metrics on "+metricsAddr,
		"component",
		"node",
	)
	metricsServer := &http.Server{
		Addr:              metricsAddr,
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			logger.Error(
				fmt.Sprintf("failed to start metrics listener: %s", err),
				"component", "node",
			)
			os.Exit(1)
		}
	}()
	health, err := startHealthServer(
		fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.HealthPort),
		n.Ready,
		logger,
	)
	if err != nil {
		return err
	}
	stopListeners := func() {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
		if err := health.Shutdown(shutdownCtx); err != nil {
			logger.Error("health server shutdown error", "error", err)
		}
	}
	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	// Run node in goroutine
	errChan := make(chan error, 1)
	go func() {
		//nolint:contextcheck
		err := n.Run(signalCtx)
		select {
		case errChan <- err:
		case <-signalCtx.Done():
		}
	}()

	// Wait for signal or error
	select {
	case <-signalCtx.Done():
		logger.Info("signal received, initiating graceful shutdown")
		stopListeners()
		if err := n.Stop(); err != nil {
			logger.Error("shutdown errors occurred", "error", err)
			return err
		}
		logger.Info("shutdown complete")
		return nil

	case err := <-errChan:
		if err == nil {
			logger.Info("node stopped")
			stopListeners()
			return n.Stop()
		}
		logger.Error("node error", "error", err)
		signalCtxStop()
		if stopErr := n.Stop(); stopErr != nil {
			logger.Error(
				"shutdown errors occurred during error cleanup",
				"error",
				stopErr,
			)
		}
		stopListeners()
		return err
	}
}
