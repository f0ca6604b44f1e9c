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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/switchboard-xyz/function-manager/chain"
	"github.com/switchboard-xyz/function-manager/container"
	"github.com/switchboard-xyz/function-manager/oracle"
	"github.com/switchboard-xyz/function-manager/qvn"
	"github.com/switchboard-xyz/function-manager/sgx"
	"github.com/switchboard-xyz/function-manager/workload"
)

// QVN launch modes
const (
	QvnModeContainer = "container"
	QvnModeEmbedded  = "embedded"
	QvnModeExternal  = "external"
)

const qvnServiceName = "switchboard-qvn"

type Config struct {
	promRegistry    prometheus.Registerer
	logger          *slog.Logger
	client          chain.Client
	payer           chain.Signer
	dockerClient    container.DockerClient
	dockerAuth      docker.AuthConfiguration
	quoteProvider   sgx.Provider
	quoteVerifier   sgx.Verifier
	quoteUploader   oracle.QuoteUploader
	queue           workload.Address
	verifier        workload.Address
	rewardReceiver  workload.Address
	contractAddress string
	chainID         string
	dataDir         string
	sealedKeyPath   string
	qvnMode         string
	qvnAddr         string
	qvnImage        string
	qvnMemory       string
	qvnEnv          []string
	// exitFunc replaces os.Exit for the fail-fast watchdogs
	exitFunc             func(int)
	containerMemory      string
	containerCPUs        float64
	containerTimeout     time.Duration
	nodeMemory           int64
	runnerWorkers        int
	signerPoolSize       int
	signerMinRequired    uint64
	gasCap               uint64
	minPayerBalance      uint64
	heartbeatInterval    time.Duration
	refreshInterval      time.Duration
	queuePollInterval    time.Duration
	balancePollInterval  time.Duration
	slotPollInterval     time.Duration
	imagePrewarmInterval time.Duration
	subscribe            bool
	tracing              bool
	tracingStdout        bool
	shutdownTimeout      time.Duration
}

// configValidate checks the options every node needs and fills defaults.
func (c *Config) configValidate() error {
	if c.client == nil {
		return errors.New("a chain client is required")
	}
	if c.payer == nil {
		return errors.New("a payer signer is required")
	}
	if c.queue == "" {
		return errors.New("an attestation queue is required")
	}
	if c.verifier == "" {
		return errors.New("a verifier account is required")
	}
	if c.rewardReceiver == "" {
		c.rewardReceiver = c.payer.Address()
	}
	if c.qvnAddr == "" {
		c.qvnAddr = qvn.DefaultAddr
	}
	if c.gasCap == 0 {
		c.gasCap = chain.DefaultGasCap(c.client.Chain())
	}
	if c.signerMinRequired == 0 {
		c.signerMinRequired = qvn.DefaultMinRequired(c.client.Chain())
	}
	switch c.qvnMode {
	case "":
		c.qvnMode = QvnModeEmbedded
	case QvnModeEmbedded, QvnModeExternal:
	case QvnModeContainer:
		if c.qvnImage == "" {
			return errors.New("a verifier node image is required in container mode")
		}
	default:
		return fmt.Errorf("unknown verifier node mode: %s", c.qvnMode)
	}
	return nil
}

// ConfigOptionFunc is a type that represents functions that modify the node config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new node config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithLogger specifies the logger to use
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithPrometheusRegistry specifies a prometheus.Registerer instance to add metrics to
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithChainClient specifies the client for the chain being served
func WithChainClient(client chain.Client) ConfigOptionFunc {
	return func(c *Config) {
		c.client = client
	}
}

// WithPayer specifies the signer that pays for oracle transactions
func WithPayer(payer chain.Signer) ConfigOptionFunc {
	return func(c *Config) {
		c.payer = payer
	}
}

// WithDockerClient overrides the Docker client built from the DOCKER_* environment
func WithDockerClient(client container.DockerClient) ConfigOptionFunc {
	return func(c *Config) {
		c.dockerClient = client
	}
}

// WithDockerAuth specifies the credentials of the private image registry
func WithDockerAuth(username, password, server string) ConfigOptionFunc {
	return func(c *Config) {
		c.dockerAuth = docker.AuthConfiguration{
			Username:      username,
			Password:      password,
			ServerAddress: server,
		}
	}
}

// WithQuoteProvider specifies the source of enclave quotes
func WithQuoteProvider(provider sgx.Provider) ConfigOptionFunc {
	return func(c *Config) {
		c.quoteProvider = provider
	}
}

// WithQuoteVerifier specifies how quotes are checked
func WithQuoteVerifier(verifier sgx.Verifier) ConfigOptionFunc {
	return func(c *Config) {
		c.quoteVerifier = verifier
	}
}

// WithQuoteUploader specifies where the enclave quote is published
func WithQuoteUploader(uploader oracle.QuoteUploader) ConfigOptionFunc {
	return func(c *Config) {
		c.quoteUploader = uploader
	}
}

// WithQueue specifies the attestation queue served by this oracle
func WithQueue(queue workload.Address) ConfigOptionFunc {
	return func(c *Config) {
		c.queue = queue
	}
}

// WithVerifier specifies the verifier account of this oracle
func WithVerifier(verifier workload.Address) ConfigOptionFunc {
	return func(c *Config) {
		c.verifier = verifier
	}
}

// WithRewardReceiver specifies the account credited for verifications.
// It defaults to the payer.
func WithRewardReceiver(receiver workload.Address) ConfigOptionFunc {
	return func(c *Config) {
		c.rewardReceiver = receiver
	}
}

// WithContract specifies the verifying program or contract and the chain ID passed to functions
func WithContract(address, chainID string) ConfigOptionFunc {
	return func(c *Config) {
		c.contractAddress = address
		c.chainID = chainID
	}
}

// WithDataDir specifies the directory holding the run journal
func WithDataDir(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithSealedKeyPath specifies the sealed enclave key file
func WithSealedKeyPath(path string) ConfigOptionFunc {
	return func(c *Config) {
		c.sealedKeyPath = path
	}
}

// WithQvn specifies how the verifier node is reached. The image is only
// used in container mode.
func WithQvn(mode, addr, image string) ConfigOptionFunc {
	return func(c *Config) {
		c.qvnMode = mode
		c.qvnAddr = addr
		c.qvnImage = image
	}
}

// WithQvnContainer specifies the memory limit and environment of the verifier node container
func WithQvnContainer(memory string, env []string) ConfigOptionFunc {
	return func(c *Config) {
		c.qvnMemory = memory
		c.qvnEnv = env
	}
}

// WithExitFunc replaces os.Exit for the watchdogs that terminate the process
func WithExitFunc(exitFunc func(int)) ConfigOptionFunc {
	return func(c *Config) {
		c.exitFunc = exitFunc
	}
}

// WithContainerLimits specifies the resources of a single function container
func WithContainerLimits(memory string, cpus float64, timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.containerMemory = memory
		c.containerCPUs = cpus
		c.containerTimeout = timeout
	}
}

// WithNodeMemory specifies the memory budget used to size the runner pool
func WithNodeMemory(bytes int64) ConfigOptionFunc {
	return func(c *Config) {
		c.nodeMemory = bytes
	}
}

// WithRunnerWorkers fixes the runner pool size
func WithRunnerWorkers(workers int) ConfigOptionFunc {
	return func(c *Config) {
		c.runnerWorkers = workers
	}
}

// WithSignerPoolSize specifies how many derived signers pay for verify transactions
func WithSignerPoolSize(size int) ConfigOptionFunc {
	return func(c *Config) {
		c.signerPoolSize = size
	}
}

// WithSignerMinRequired specifies the balance one verify submission needs.
// Pool signers are topped up from the payer when they run low.
func WithSignerMinRequired(amount uint64) ConfigOptionFunc {
	return func(c *Config) {
		c.signerMinRequired = amount
	}
}

// WithGasCap bounds the aggregated cost of forwarded calls
func WithGasCap(gasCap uint64) ConfigOptionFunc {
	return func(c *Config) {
		c.gasCap = gasCap
	}
}

// WithMinPayerBalance specifies the balance below which the node stops
func WithMinPayerBalance(balance uint64) ConfigOptionFunc {
	return func(c *Config) {
		c.minPayerBalance = balance
	}
}

// WithHeartbeatInterval specifies the verifier heartbeat cadence
func WithHeartbeatInterval(interval time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.heartbeatInterval = interval
	}
}

// WithPollIntervals specifies the chain polling cadences. Zero keeps the default.
func WithPollIntervals(refresh, queue, balance, slot time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.refreshInterval = refresh
		c.queuePollInterval = queue
		c.balancePollInterval = balance
		c.slotPollInterval = slot
	}
}

// WithImagePrewarmInterval specifies how often function images are pulled ahead of use
func WithImagePrewarmInterval(interval time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.imagePrewarmInterval = interval
	}
}

// WithSubscribe enables delivery of request triggers over the chain subscription
func WithSubscribe(subscribe bool) ConfigOptionFunc {
	return func(c *Config) {
		c.subscribe = subscribe
	}
}

// WithTracing enables tracing. By default, spans are submitted to a HTTP(s) OTLP collector at localhost:4318
// using the OTEL_EXPORTER_OTLP_* env vars documented in the README for [go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp]
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout enables tracing output to stdout. This also requires tracing to enabled separately. This is mostly useful for debugging
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}

// WithShutdownTimeout specifies the timeout for graceful shutdown. The default is 30 seconds
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}
