package chain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"dropletindex/internal/config"
)

// Transport is the read surface the rest of the system needs from a chain:
// tip height, headers, bounded log ranges, and historical view calls.
type Transport interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

const (
	defaultCallTimeout = 30 * time.Second
	counterWindow      = 60 * time.Second

	retryAttempts = 5
	retryBase     = 1 * time.Second
	retryCap      = 30 * time.Second
)

// endpoint is one keyed RPC URL with a rolling request counter.
type endpoint struct {
	url    string
	client *ethclient.Client
	limit  *rate.Limiter

	mu          sync.Mutex
	requests    int64
	windowStart time.Time
}

// inc bumps the rolling counter, resetting it when the 60s window lapses,
// and returns the current count.
func (e *endpoint) inc() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	if now.Sub(e.windowStart) >= counterWindow {
		e.requests = 0
		e.windowStart = now
	}
	e.requests++
	return e.requests
}

func (e *endpoint) count() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if time.Since(e.windowStart) >= counterWindow {
		return 0
	}
	return e.requests
}

// Pool is the per-chain transport: an ordered list of keyed endpoints with
// round-robin rotation once the active endpoint's 60s counter crosses the
// rotation threshold. Shared read-only after construction except the
// counters and the current index.
type Pool struct {
	chain             config.ChainConfig
	endpoints         []*endpoint
	current           atomic.Int64
	rotationThreshold int64
	callTimeout       time.Duration
}

// NewPool dials one endpoint per API key. At least one key is required.
func NewPool(chain config.ChainConfig, apiKeys []string) (*Pool, error) {
	if chain.BaseURL == "" {
		return nil, fmt.Errorf("chain %s: no RPC base URL configured", chain.Name)
	}
	if len(apiKeys) == 0 {
		return nil, fmt.Errorf("chain %s: at least one API key required", chain.Name)
	}

	p := &Pool{
		chain:             chain,
		rotationThreshold: config.GetEnvInt64("RPC_ROTATION_THRESHOLD", 300),
		callTimeout:       config.GetEnvDuration("RPC_CALL_TIMEOUT", defaultCallTimeout),
	}

	rps := rate.Limit(config.GetEnvInt("RPC_REQUESTS_PER_SEC", 25))
	for _, key := range apiKeys {
		url := strings.TrimRight(chain.BaseURL, "/") + "/" + key
		client, err := ethclient.Dial(url)
		if err != nil {
			return nil, fmt.Errorf("chain %s: dial endpoint: %w", chain.Name, err)
		}
		p.endpoints = append(p.endpoints, &endpoint{
			url:         url,
			client:      client,
			limit:       rate.NewLimiter(rps, int(rps)),
			windowStart: time.Now(),
		})
	}
	return p, nil
}

// Close tears down every endpoint connection.
func (p *Pool) Close() {
	for _, e := range p.endpoints {
		e.client.Close()
	}
}

// ChainID returns the pool's chain id.
func (p *Pool) ChainID() int64 { return p.chain.ChainID }

// next returns the active endpoint, advancing to the least-loaded endpoint
// when the current one's counter exceeds the rotation threshold.
func (p *Pool) next() *endpoint {
	idx := p.current.Load()
	e := p.endpoints[idx]
	if e.count() < p.rotationThreshold || len(p.endpoints) == 1 {
		return e
	}

	best := idx
	bestCount := e.count()
	for i, cand := range p.endpoints {
		if c := cand.count(); c < bestCount {
			best = int64(i)
			bestCount = c
		}
	}
	if best != idx {
		p.current.Store(best)
		log.Printf("[rpc:%s] rotated endpoint %d -> %d (load %d)", p.chain.Name, idx, best, bestCount)
	}
	return p.endpoints[best]
}

// withRetry runs fn against the pool with exponential backoff (1s base, x2,
// 30s cap, 5 attempts). Historical-depth errors are never retried: they must
// bubble so callers can fall back to cached state. Each attempt may land on
// a different endpoint.
func (p *Pool) withRetry(ctx context.Context, fn func(ctx context.Context, e *endpoint) error) error {
	var lastErr error
	delay := retryBase

	for attempt := 0; attempt < retryAttempts; attempt++ {
		e := p.next()
		e.inc()
		if err := e.limit.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		err := fn(callCtx, e)
		cancel()
		if err == nil {
			return nil
		}
		if IsHistoricalDepthError(err) {
			return err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryCap {
			delay = retryCap
		}
	}
	return fmt.Errorf("chain %s: all endpoints failed: %w", p.chain.Name, lastErr)
}

// BlockNumber returns the latest block height.
func (p *Pool) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := p.withRetry(ctx, func(ctx context.Context, e *endpoint) error {
		var err error
		n, err = e.client.BlockNumber(ctx)
		return err
	})
	return n, err
}

// HeaderByNumber fetches a header; nil number means latest.
func (p *Pool) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var h *types.Header
	err := p.withRetry(ctx, func(ctx context.Context, e *endpoint) error {
		var err error
		h, err = e.client.HeaderByNumber(ctx, number)
		return err
	})
	return h, err
}

// FilterLogs fetches logs for a bounded range.
func (p *Pool) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := p.withRetry(ctx, func(ctx context.Context, e *endpoint) error {
		var err error
		logs, err = e.client.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

// CallContract executes a view call at a specific historical block.
func (p *Pool) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := p.withRetry(ctx, func(ctx context.Context, e *endpoint) error {
		var err error
		out, err = e.client.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

// historicalDepthMarkers are provider responses meaning the node cannot
// serve the requested depth at all. Retrying cannot help.
var historicalDepthMarkers = []string{
	"block range too large",
	"archive required",
	"missing trie node",
	"pruned",
	"state not available",
}

// IsHistoricalDepthError reports whether err indicates missing historical
// state rather than a transient failure.
func IsHistoricalDepthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range historicalDepthMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Manager holds one pool per configured chain.
type Manager struct {
	pools map[string]*Pool // chain name -> pool
}

// NewManager builds pools for every chain with a base URL. ALCHEMY_API_KEY_1
// is required; _2 and _3 extend the rotation.
func NewManager(reg *config.Registry, apiKeys []string) (*Manager, error) {
	if len(apiKeys) == 0 {
		return nil, errors.New("no RPC API keys configured (ALCHEMY_API_KEY_1 required)")
	}

	m := &Manager{pools: make(map[string]*Pool)}
	for _, c := range reg.Chains {
		if c.BaseURL == "" {
			log.Printf("[rpc] chain %s has no base URL; skipping", c.Name)
			continue
		}
		pool, err := NewPool(c, apiKeys)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.pools[c.Name] = pool
	}
	return m, nil
}

// Pool returns the transport for a chain name.
func (m *Manager) Pool(chainName string) (*Pool, bool) {
	p, ok := m.pools[chainName]
	return p, ok
}

// Close tears down all pools.
func (m *Manager) Close() {
	for _, p := range m.pools {
		p.Close()
	}
}
