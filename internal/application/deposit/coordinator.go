package deposit

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/ledger-hub/ledger-hub/internal/domain/adjudicator"
)

// ErrCoordinatorClosed is returned by Fund after Close.
var ErrCoordinatorClosed = errors.New("deposit coordinator closed")

// Funder submits deposits.
type Funder interface {
	Fund(ctx context.Context, channelID common.Hash, assetHolder common.Address, expectedHeld, value *big.Int) (*big.Int, error)
}

type fundRequest struct {
	ctx          context.Context
	channelID    common.Hash
	assetHolder  common.Address
	expectedHeld *big.Int
	value        *big.Int
	reply        chan fundResult
}

type fundResult struct {
	holdings *big.Int
	err      error
}

// Coordinator serializes every deposit of one signer through a single
// goroutine, so at most one deposit is in flight at a time.
type Coordinator struct {
	chain    adjudicator.Chain
	requests chan fundRequest
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewCoordinator starts the deposit actor.
func NewCoordinator(chain adjudicator.Chain, logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		chain:    chain,
		requests: make(chan fundRequest),
		done:     make(chan struct{}),
		logger:   logger.With().Str("service", "deposit-coordinator").Logger(),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case req := <-c.requests:
			if err := req.ctx.Err(); err != nil {
				req.reply <- fundResult{err: err}
				continue
			}
			holdings, err := c.chain.Deposit(req.ctx, req.channelID, req.assetHolder, req.expectedHeld, req.value)
			if err != nil {
				c.logger.Error().Err(err).
					Str("channelId", req.channelID.Hex()).
					Str("expectedHeld", req.expectedHeld.String()).
					Str("value", req.value.String()).
					Msg("deposit failed")
			} else {
				c.logger.Info().
					Str("channelId", req.channelID.Hex()).
					Str("holdings", holdings.String()).
					Msg("deposit confirmed")
			}
			req.reply <- fundResult{holdings: holdings, err: err}
		}
	}
}

// Fund enqueues a deposit and waits for its result.
func (c *Coordinator) Fund(ctx context.Context, channelID common.Hash, assetHolder common.Address, expectedHeld, value *big.Int) (*big.Int, error) {
	req := fundRequest{
		ctx:          ctx,
		channelID:    channelID,
		assetHolder:  assetHolder,
		expectedHeld: new(big.Int).Set(expectedHeld),
		value:        new(big.Int).Set(value),
		reply:        make(chan fundResult, 1),
	}
	select {
	case c.requests <- req:
	case <-c.done:
		return nil, ErrCoordinatorClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.holdings, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the actor and waits for the in-flight deposit to finish.
func (c *Coordinator) Close() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}
