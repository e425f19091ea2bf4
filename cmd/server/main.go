package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"escrowrelay/EVMRPC"
	"escrowrelay/EVMRPC/escrow"
	"escrowrelay/bus"
	"escrowrelay/config"
	"escrowrelay/coordinator"
	"escrowrelay/execution"
	"escrowrelay/proof"
	"escrowrelay/redis"
	"escrowrelay/settlement"
	"escrowrelay/store"
	"escrowrelay/store/sqlite"
	"escrowrelay/workers"
	"escrowrelay/workers/handlers"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
)

func openLog(dir string) *os.File {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("error creating log dir, logging to stderr: %v", err)
		return nil
	}
	name := filepath.Join(dir, fmt.Sprintf("log_%s.txt", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Printf("error opening log file for writing, logging to stderr: %v", err)
		return nil
	}
	return f
}

func openStore(cfg config.Server) (store.Store, error) {
	switch cfg.Store {
	case config.StoreRedis:
		return redis.Open(fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort))
	default:
		return sqlite.Open(cfg.SQLitePath)
	}
}

func main() {
	log.Print("Starting escrow settlement relayer")

	cfg := config.Init()

	if f := openLog(cfg.Server.LogDir); f != nil {
		defer f.Close()
		log.SetOutput(f)
	}

	// validated by config.Init
	relayerKey, _ := cfg.Relayer.Key()
	relayer := common.HexToAddress(cfg.Relayer.Address)
	log.Printf("Relayer identity %s, escrow %s on chain %d", relayer.Hex(), cfg.Chain.EscrowAddress, cfg.Chain.ChainID)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// without persistence do not continue
	st, err := openStore(cfg.Server)
	if err != nil {
		log.Fatalf("error opening %s store: %v", cfg.Server.Store, err)
	}
	defer st.Close()

	ethClient, err := EVMRPC.Dial(ctx, cfg.Chain.RPCList, cfg.Chain.RPCTimeout)
	if err != nil {
		log.Fatalf("error connecting to chain RPC: %v", err)
	}
	defer ethClient.Close()

	chainID := big.NewInt(cfg.Chain.ChainID)
	if remote, err := ethClient.ChainID(ctx); err == nil && remote.Cmp(chainID) != 0 {
		log.Fatalf("RPC reports chain id %s, configured %s", remote, chainID)
	}

	contract := escrow.New(common.HexToAddress(cfg.Chain.EscrowAddress), ethClient, relayerKey, chainID, cfg.Chain.RPCTimeout)
	events := bus.New(cfg.Bus.HistorySize, cfg.Bus.SubscriberBuffer)

	coord := coordinator.New(
		st,
		events,
		proof.NewBuilder(proof.NewKeySigner(relayerKey)),
		execution.Engine{},
		settlement.NewSubmitter(contract, st, cfg.Chain.ConfirmTimeout, time.Second),
		coordinator.Config{
			Relayer:      relayer,
			RetryBackoff: cfg.Coordinator.RetryBackoff,
		},
		prometheus.DefaultRegisterer,
	)

	notify := make(chan uint64, cfg.Coordinator.QueueSize)
	observer := workers.NewObserver(EVMRPC.NewClient(cfg.Chain.RPCList, cfg.Chain.RPCTimeout), st, events, notify, cfg.Chain)
	dispatcher := workers.NewDispatcher(coord, st, notify, cfg.Coordinator.Workers, cfg.Coordinator.QueueSize, cfg.Coordinator.ScanInterval)

	api := &handlers.API{
		Store:    st,
		Events:   events,
		Relayer:  relayer,
		Dispatch: dispatcher,
		Unhalter: coord,
	}

	if len(cfg.Traffic.SenderKeys) > 0 {
		generator, err := workers.NewTrafficGenerator(ctx, contract, cfg.Traffic)
		if err != nil {
			log.Fatalf("error loading traffic generator: %v", err)
		}
		api.Simulator = generator
		if cfg.Traffic.Enabled {
			if err := generator.Start(cfg.Traffic.Duration); err != nil {
				log.Printf("Error starting simulation: %s", err.Error())
			}
		}
	}

	// worker threads:
	// * observe escrow locks on the source chain
	// * dispatch in-flight requests to the coordinator
	// * API, event stream and dashboard HTTP server (serves as main worker thread)
	done := make(chan struct{})
	go observer.Run(ctx)
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()

	workers.Worker_HTTP(cfg.Server, workers.NewRouter(api, cfg.Server.DashboardDir), stop)

	// let running requests finish their current step chain
	<-done
	log.Print("Relayer stopped")
}
