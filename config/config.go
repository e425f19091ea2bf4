package config

import (
	"time"
)

type Configuration struct {
	// Server config
	Server Server `yaml:"server"`
	// source ledger and escrow contract
	Chain Chain `yaml:"chain"`
	// the single trusted relayer identity
	Relayer     Relayer     `yaml:"relayer" envconfig:"SIGNER"`
	Coordinator Coordinator `yaml:"coordinator"`
	Bus         Bus         `yaml:"bus"`
	Traffic     Traffic     `yaml:"traffic"`
}

type Server struct {
	HTTPPort int  `yaml:"http_port" split_words:"true"`
	UseSSL   bool `yaml:"ssl" envconfig:"SSL"`
	// "sqlite" or "redis"
	Store        string `yaml:"store"`
	SQLitePath   string `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`
	RedisHost    string `yaml:"redis_host" split_words:"true"`
	RedisPort    int    `yaml:"redis_port" split_words:"true"`
	DashboardDir string `yaml:"dashboard_dir" split_words:"true"`
	LogDir       string `yaml:"log_dir" split_words:"true"`
}

type Chain struct {
	ChainID       int64    `yaml:"chain_id" envconfig:"CHAIN_ID"`
	RPCList       []string `yaml:"rpc_list" envconfig:"RPC_LIST"`
	EscrowAddress string   `yaml:"escrow_address" split_words:"true"`
	// first block to scan when no cursor is stored; -1 starts at the head
	StartBlock    int64  `yaml:"start_block" split_words:"true"`
	BlockBatch    uint64 `yaml:"block_batch" split_words:"true"`
	Confirmations uint64 `yaml:"confirmations"`

	PollInterval   time.Duration `yaml:"poll_interval" split_words:"true"`
	RPCTimeout     time.Duration `yaml:"rpc_timeout" envconfig:"RPC_TIMEOUT"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout" split_words:"true"`
	MaxBackoff     time.Duration `yaml:"max_backoff" split_words:"true"`
}

type Relayer struct {
	// important private stuff
	PrivateKey string `yaml:"private_key" split_words:"true"`
	Address    string `yaml:"address"`
}

type Coordinator struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size" split_words:"true"`
	RetryBackoff time.Duration `yaml:"retry_backoff" split_words:"true"`
	ScanInterval time.Duration `yaml:"scan_interval" split_words:"true"`
}

type Bus struct {
	HistorySize      int `yaml:"history_size" split_words:"true"`
	SubscriberBuffer int `yaml:"subscriber_buffer" split_words:"true"`
}

type Traffic struct {
	Enabled bool `yaml:"enabled"`
	// locks per second
	Rate       float64       `yaml:"rate"`
	Burst      int           `yaml:"burst"`
	MinAmount  uint64        `yaml:"min_amount" split_words:"true"`
	MaxAmount  uint64        `yaml:"max_amount" split_words:"true"`
	SenderKeys []string      `yaml:"sender_keys" split_words:"true"`
	Duration   time.Duration `yaml:"duration"`
}

const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Defaults are applied before the file and environment are read.
func Defaults() Configuration {
	return Configuration{
		Server: Server{
			HTTPPort:     8080,
			Store:        StoreSQLite,
			SQLitePath:   "relayer.db",
			RedisHost:    "localhost",
			RedisPort:    6379,
			DashboardDir: "app",
			LogDir:       "logs",
		},
		Chain: Chain{
			ChainID:        31337,
			StartBlock:     -1,
			BlockBatch:     512,
			Confirmations:  1,
			PollInterval:   5 * time.Second,
			RPCTimeout:     10 * time.Second,
			ConfirmTimeout: 60 * time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Coordinator: Coordinator{
			Workers:      4,
			QueueSize:    1024,
			RetryBackoff: 2 * time.Second,
			ScanInterval: 10 * time.Second,
		},
		Bus: Bus{
			HistorySize:      500,
			SubscriberBuffer: 64,
		},
		Traffic: Traffic{
			Rate:      0.2,
			Burst:     1,
			MinAmount: 100000,
			MaxAmount: 1000000,
			Duration:  10 * time.Minute,
		},
	}
}
