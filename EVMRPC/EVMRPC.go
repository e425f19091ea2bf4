package EVMRPC

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var ErrNoEndpoints = errors.New("no RPC endpoints configured")

// WithClient tries every url of rpcList in order and returns the first
// successful result of f.
func WithClient[T any](rpcList []string, f func(client *ethclient.Client) (T, error)) (res T, err error) {
	if len(rpcList) == 0 {
		err = ErrNoEndpoints
		return
	}

	var client *ethclient.Client
	for _, url := range rpcList {
		client, err = ethclient.Dial(url)
		if err != nil {
			log.Println(fmt.Sprintf("Error connecting to %s: %s", url, err.Error()))
			continue
		}

		res, err = f(client)
		client.Close()
		if err == nil {
			return
		}
	}
	return
}

// Client is the read side of the source ledger used by the observer. Every
// call is bounded by Timeout and fails over across the endpoint list.
type Client struct {
	RPCList []string
	Timeout time.Duration
}

func NewClient(rpcList []string, timeout time.Duration) *Client {
	return &Client{RPCList: rpcList, Timeout: timeout}
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return WithClient(c.RPCList, func(client *ethclient.Client) (uint64, error) {
		ctx, cancel := context.WithTimeout(ctx, c.Timeout)
		defer cancel()
		return client.BlockNumber(ctx)
	})
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	return WithClient(c.RPCList, func(client *ethclient.Client) ([]ethtypes.Log, error) {
		ctx, cancel := context.WithTimeout(ctx, c.Timeout)
		defer cancel()
		return client.FilterLogs(ctx, q)
	})
}

// Dial returns a persistent connection to the first reachable endpoint,
// checked with a chain id query.
func Dial(ctx context.Context, rpcList []string, timeout time.Duration) (*ethclient.Client, error) {
	if len(rpcList) == 0 {
		return nil, ErrNoEndpoints
	}

	var lastErr error
	for _, url := range rpcList {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			log.Printf("Error connecting to %s: %s", url, err.Error())
			lastErr = err
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err = client.ChainID(pingCtx)
		cancel()
		if err != nil {
			log.Printf("Error querying chain id at %s: %s", url, err.Error())
			client.Close()
			lastErr = err
			continue
		}
		return client, nil
	}
	return nil, lastErr
}
