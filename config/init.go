package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/kelseyhightower/envconfig"
	yaml "gopkg.in/yaml.v2"
)

// environment variables override the file, e.g. RELAYER_CHAIN_RPC_LIST
const envPrefix = "RELAYER"

var ErrInvalid = errors.New("invalid configuration")

// reading config error is fatal, and exits main thread
func processError(err error) {
	fmt.Println(err)
	os.Exit(2)
}

func readFile(path string, cfg *Configuration) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	return decoder.Decode(cfg)
}

func readEnv(cfg *Configuration) error {
	return envconfig.Process(envPrefix, cfg)
}

// Load reads path (skipped when empty), applies the environment and
// validates the result.
func Load(path string) (*Configuration, error) {
	cfg := Defaults()
	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	if err := readEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Init loads config.yml and exits the process on any error.
func Init() *Configuration {
	cfg, err := Load("config.yml")
	if err != nil {
		processError(err)
	}
	return cfg
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func validateAddress(field, addr string) error {
	if !common.IsHexAddress(addr) {
		return invalid("%s %q is not an address", field, addr)
	}
	if err := ethav.Validate(common.HexToAddress(addr).Hex()); err != nil {
		return invalid("%s %q: %v", field, addr, err)
	}
	return nil
}

func (c *Configuration) Validate() error {
	switch c.Server.Store {
	case StoreSQLite, StoreRedis:
	default:
		return invalid("server.store must be %q or %q, got %q", StoreSQLite, StoreRedis, c.Server.Store)
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return invalid("server.http_port %d out of range", c.Server.HTTPPort)
	}

	if len(c.Chain.RPCList) == 0 {
		return invalid("chain.rpc_list is empty")
	}
	if err := validateAddress("chain.escrow_address", c.Chain.EscrowAddress); err != nil {
		return err
	}
	if c.Chain.BlockBatch == 0 {
		return invalid("chain.block_batch must be positive")
	}
	if c.Chain.PollInterval <= 0 || c.Chain.RPCTimeout <= 0 || c.Chain.ConfirmTimeout <= 0 {
		return invalid("chain intervals and timeouts must be positive")
	}

	if _, err := c.Relayer.Key(); err != nil {
		return err
	}

	if c.Coordinator.Workers < 1 {
		return invalid("coordinator.workers must be at least 1")
	}
	if c.Coordinator.RetryBackoff < 0 {
		return invalid("coordinator.retry_backoff is negative")
	}
	if c.Bus.HistorySize < 0 || c.Bus.SubscriberBuffer < 1 {
		return invalid("bus.history_size must be >= 0 and bus.subscriber_buffer >= 1")
	}

	if c.Traffic.Enabled {
		if len(c.Traffic.SenderKeys) == 0 {
			return invalid("traffic.sender_keys is empty")
		}
		if c.Traffic.MaxAmount < c.Traffic.MinAmount {
			return invalid("traffic.max_amount is below traffic.min_amount")
		}
	}
	return nil
}

// Key parses the relayer key and checks it controls the configured address.
func (r Relayer) Key() (*ecdsa.PrivateKey, error) {
	if err := validateAddress("relayer.address", r.Address); err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(r.PrivateKey, "0x"))
	if err != nil {
		return nil, invalid("relayer.private_key: %v", err)
	}
	derived := crypto.PubkeyToAddress(key.PublicKey)
	if derived != common.HexToAddress(r.Address) {
		return nil, invalid("relayer.private_key controls %s, not %s", derived.Hex(), r.Address)
	}
	return key, nil
}
