package chain

import (
	"context"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/hashicorp/go-retryablehttp"
)

// Options tunes the HTTP transport used for http(s) endpoints.
type Options struct {
	// HTTPRetries is the number of transport-level retries for connection errors.
	HTTPRetries int
	HTTPTimeout time.Duration
}

// Client wraps go-ethereum RPC for a single endpoint.
type Client struct {
	url       string
	rpcClient *rpc.Client
	ethClient *ethclient.Client
}

// NewClient dials the endpoint. HTTP endpoints go through a retrying client,
// websocket and IPC endpoints use the go-ethereum defaults.
func NewClient(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	var dialOpts []rpc.ClientOption
	if isHTTP(rawURL) {
		dialOpts = append(dialOpts, rpc.WithHTTPClient(newRetryClient(opts).StandardClient()))
	}
	rpcClient, err := rpc.DialOptions(ctx, rawURL, dialOpts...)
	if err != nil {
		return nil, err
	}

	return &Client{
		url:       rawURL,
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
	}, nil
}

func newRetryClient(opts Options) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = opts.HTTPRetries
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Logger = nil
	if opts.HTTPTimeout > 0 {
		client.HTTPClient.Timeout = opts.HTTPTimeout
	}
	return client
}

// URL returns the endpoint URL the client was dialed with.
func (c *Client) URL() string {
	return c.url
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// GetChainID returns the chain ID.
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	return c.ethClient.ChainID(ctx)
}

// LatestBlockNumber returns the latest block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

// CallContract performs an eth_call for a contract method.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.ethClient.CallContract(ctx, msg, blockNumber)
}

// IsLocalURL reports endpoints served by a node on this machine.
func IsLocalURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return strings.Contains(rawURL, "127.0.0.1") || strings.Contains(rawURL, "localhost")
	}
	switch parsed.Hostname() {
	case "127.0.0.1", "localhost", "::1":
		return true
	}
	switch parsed.Port() {
	case "8545", "8546", "9545":
		return true
	}
	return false
}

func isHTTP(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
