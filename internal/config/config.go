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

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "fnmanager.config"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

const (
	ChainSolana = "solana"
	ChainEVM    = "evm"
)

// QVN modes
const (
	// QvnModeContainer launches the verifier node as a sibling container
	QvnModeContainer = "container"
	// QvnModeEmbedded runs the verifier node inside the manager process
	QvnModeEmbedded = "embedded"
	// QvnModeExternal connects to a verifier node managed elsewhere
	QvnModeExternal = "external"
)

// Duration accepts either a Go duration string or a plain number of
// seconds.
type Duration time.Duration

func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(d), nil
}

// Decode implements envconfig.Decoder
func (d *Duration) Decode(value string) error {
	tmp, err := ParseDuration(value)
	if err != nil {
		return err
	}
	*d = tmp
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.Decode(node.Value)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type tempConfig struct {
	Config yaml.Node `yaml:"config,omitempty"`
}

type Config struct {
	Chain           string `yaml:"chain"           envconfig:"CHAIN"`
	ContractAddress string `yaml:"contractAddress" envconfig:"CONTRACT_ADDRESS"`
	ChainID         string `yaml:"chainId"         envconfig:"CHAIN_ID"`
	Queue           string `yaml:"queue"           envconfig:"QUEUE"`
	RpcURL          string `yaml:"rpcUrl"          envconfig:"RPC_URL"`
	WssURL          string `yaml:"wssUrl"          envconfig:"WSS_URL"`
	// PayerSecret is a literal key or sops:<path>
	PayerSecret       string   `yaml:"payerSecret"       envconfig:"PAYER_SECRET"`
	QuoteKey          string   `yaml:"quoteKey"          envconfig:"QUOTE_KEY"`
	RewardReceiver    string   `yaml:"rewardReceiver"    envconfig:"REWARD_RECEIVER"`
	HeartbeatInterval Duration `yaml:"heartbeatInterval" envconfig:"HEARTBEAT_INTERVAL"`
	Debug             bool     `yaml:"debug"             envconfig:"DEBUG"`
	DockerUser        string   `yaml:"dockerUser"        envconfig:"DOCKER_USER"`
	DockerKey         string   `yaml:"dockerKey"         envconfig:"DOCKER_KEY"`
	DockerRegistry    string   `yaml:"dockerRegistry"    envconfig:"DOCKER_REGISTRY"`
	RequestsPerSecond float64  `yaml:"requestsPerSecond" envconfig:"RPC_REQUESTS_PER_SECOND"`

	DataDir       string `yaml:"dataDir"       envconfig:"DATA_DIR"`
	SealedKeyPath string `yaml:"sealedKeyPath" envconfig:"SEALED_KEY_PATH"`
	// SgxRootsPath holds PEM roots for quote verification. Empty trusts the
	// self-signed root carried by the quote.
	SgxRootsPath string `yaml:"sgxRootsPath" envconfig:"SGX_ROOTS_PATH"`
	// SgxSimulate replaces the Gramine attestation device with a software
	// quote provider
	SgxSimulate bool `yaml:"sgxSimulate" envconfig:"SGX_SIMULATE"`

	QvnMode    string `yaml:"qvnMode"      envconfig:"QVN_MODE"`
	QvnAddr    string `yaml:"qvnAddr"      envconfig:"QVN_ADDR"`
	QvnImage   string `yaml:"qvnImage"     envconfig:"QVN_IMAGE"`
	QvnMemory  string `yaml:"qvnMemory"    envconfig:"QVN_MEMORY"`
	GasCap     uint64 `yaml:"gasCap"       envconfig:"GAS_CAP"`
	IpfsURL    string `yaml:"ipfsUrl"      envconfig:"IPFS_URL"`
	IpfsUser   string `yaml:"ipfsUser"     envconfig:"IPFS_USER"`
	IpfsKey    string `yaml:"ipfsKey"      envconfig:"IPFS_KEY"`
	SignerPool int    `yaml:"signerPoolSize" envconfig:"SIGNER_POOL_SIZE"`
	// SignerMinRequired is the balance one verify submission needs. Zero
	// picks a per-chain default
	SignerMinRequired uint64 `yaml:"signerMinRequired" envconfig:"SIGNER_MIN_REQUIRED"`
	MinPayerBalance   uint64 `yaml:"minPayerBalance" envconfig:"MIN_PAYER_BALANCE"`

	ContainerTimeout Duration `yaml:"containerTimeout" envconfig:"CONTAINER_TIMEOUT"`
	ContainerMemory  string   `yaml:"containerMemory"  envconfig:"CONTAINER_MEMORY"`
	ContainerCPUs    float64  `yaml:"containerCpus"    envconfig:"CONTAINER_CPUS"`
	NodeMemory       string   `yaml:"nodeMemory"       envconfig:"NODE_MEMORY"`
	RunnerWorkers    int      `yaml:"runnerWorkers"    envconfig:"RUNNER_WORKERS"`

	RefreshInterval      Duration `yaml:"refreshInterval"      envconfig:"REFRESH_INTERVAL"`
	QueuePollInterval    Duration `yaml:"queuePollInterval"    envconfig:"QUEUE_POLL_INTERVAL"`
	BalancePollInterval  Duration `yaml:"balancePollInterval"  envconfig:"BALANCE_POLL_INTERVAL"`
	SlotPollInterval     Duration `yaml:"slotPollInterval"     envconfig:"SLOT_POLL_INTERVAL"`
	ImagePrewarmInterval Duration `yaml:"imagePrewarmInterval" envconfig:"IMAGE_PREWARM_INTERVAL"`

	BindAddr      string `yaml:"bindAddr"      envconfig:"BIND_ADDR"`
	MetricsPort   uint   `yaml:"metricsPort"   envconfig:"METRICS_PORT"`
	HealthPort    uint   `yaml:"healthPort"    envconfig:"HEALTH_PORT"`
	Tracing       bool   `yaml:"tracing"       envconfig:"TRACING"`
	TracingStdout bool   `yaml:"tracingStdout" envconfig:"TRACING_STDOUT"`
}

var globalConfig = defaultConfig()

func defaultConfig() *Config {
	return &Config{
		Chain:                ChainSolana,
		HeartbeatInterval:    Duration(30 * time.Second),
		DataDir:              "/data",
		SealedKeyPath:        "/data/protected_files/keypair.bin",
		QvnAddr:              "127.0.0.1:3000",
		QvnMemory:            "512m",
		IpfsURL:              "https://ipfs.infura.io:5001",
		SignerPool:           4,
		ContainerTimeout:     Duration(20 * time.Second),
		ContainerMemory:      "128m",
		ContainerCPUs:        0.2,
		RefreshInterval:      Duration(5 * time.Second),
		QueuePollInterval:    Duration(time.Second),
		BalancePollInterval:  Duration(30 * time.Second),
		SlotPollInterval:     Duration(time.Second),
		ImagePrewarmInterval: Duration(300 * time.Second),
		BindAddr:             "0.0.0.0",
		MetricsPort:          9090,
		HealthPort:           8080,
	}
}

func LoadConfig(configFile string) (*Config, error) {
	if configFile == "" {
		// Check for config file in this path: ~/.fnmanager/fnmanager.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".fnmanager", "fnmanager.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}
		if configFile == "" {
			systemPath := "/etc/fnmanager/fnmanager.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		var tempCfg tempConfig
		if err := yaml.Unmarshal(buf, &tempCfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
		if tempCfg.Config.Kind != 0 {
			// Overlay config values onto existing defaults
			if err := tempCfg.Config.Decode(globalConfig); err != nil {
				return nil, fmt.Errorf("error parsing config section: %w", err)
			}
		} else if err := yaml.Unmarshal(buf, globalConfig); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Process environment variables
	if err := envconfig.Process("fnmanager", globalConfig); err != nil {
		return nil, fmt.Errorf("error processing environment: %+w", err)
	}
	globalConfig.applyClamps()
	if err := globalConfig.Validate(); err != nil {
		return nil, err
	}
	return globalConfig, nil
}

func GetConfig() *Config {
	return globalConfig
}

// applyClamps enforces the minimum poll cadences.
func (c *Config) applyClamps() {
	clamp := func(d *Duration, floor time.Duration) {
		*d = Duration(max(time.Duration(*d), floor))
	}
	clamp(&c.RefreshInterval, time.Second)
	clamp(&c.QueuePollInterval, time.Second)
	clamp(&c.BalancePollInterval, 5*time.Second)
	clamp(&c.SlotPollInterval, time.Second)
	clamp(&c.ImagePrewarmInterval, 30*time.Second)
	clamp(&c.HeartbeatInterval, time.Second)
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	c.Chain = strings.ToLower(c.Chain)
	switch c.Chain {
	case ChainSolana, ChainEVM:
	default:
		return fmt.Errorf("invalid chain: %q (must be 'solana' or 'evm')", c.Chain)
	}
	if c.QvnMode == "" {
		c.QvnMode = QvnModeEmbedded
		if c.QvnImage != "" {
			c.QvnMode = QvnModeContainer
		}
	}
	switch c.QvnMode {
	case QvnModeContainer, QvnModeEmbedded, QvnModeExternal:
	default:
		return fmt.Errorf(
			"invalid qvnMode: %q (must be 'container', 'embedded' or 'external')",
			c.QvnMode,
		)
	}
	if c.QvnMode == QvnModeContainer && c.QvnImage == "" {
		return errors.New("qvnImage is required when qvnMode is 'container'")
	}
	if c.Chain == ChainEVM && c.ChainID == "" {
		return errors.New("CHAIN_ID is required on evm chains")
	}
	return nil
}

// RequireChain checks the settings needed to talk to the chain.
func (c *Config) RequireChain() error {
	var missing []string
	for name, v := range map[string]string{
		"CONTRACT_ADDRESS": c.ContractAddress,
		"RPC_URL":          c.RpcURL,
		"PAYER_SECRET":     c.PayerSecret,
		"QUEUE":            c.Queue,
		"QUOTE_KEY":        c.QuoteKey,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}
