package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"escrowline/internal/session"
)

// Connector obtains and caches a signing account. Connect is idempotent:
// once an account is held, repeated calls return it without prompting.
type Connector struct {
	agent   SigningAgent
	wantID  *big.Int
	mu      sync.Mutex
	account *common.Address
}

func NewConnector(agent SigningAgent, chainID *big.Int) *Connector {
	return &Connector{agent: agent, wantID: chainID}
}

// Connect returns the signing account, requesting access and a network
// switch as needed. Errors are mapped onto the purchase error taxonomy.
func (c *Connector) Connect(ctx context.Context) (common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.account != nil {
		return *c.account, nil
	}

	if err := c.ensureNetwork(ctx); err != nil {
		return common.Address{}, err
	}

	acct, err := c.agent.RequestAccount(ctx)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnavailable):
			return common.Address{}, session.E(session.KindWalletUnavailable, err)
		case errors.Is(err, ErrRejected):
			return common.Address{}, session.E(session.KindUserRejected, err)
		}
		return common.Address{}, fmt.Errorf("request account: %w", err)
	}

	c.account = &acct
	return acct, nil
}

func (c *Connector) ensureNetwork(ctx context.Context) error {
	current, err := c.agent.ChainID(ctx)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return session.E(session.KindWalletUnavailable, err)
		}
		return fmt.Errorf("read agent chain id: %w", err)
	}
	if current.Cmp(c.wantID) == 0 {
		return nil
	}

	// Wrong network: request a switch, then re-check once.
	if err := c.agent.SwitchChain(ctx, c.wantID); err != nil {
		return session.E(session.KindNetworkMismatch, err)
	}
	current, err = c.agent.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("re-read agent chain id: %w", err)
	}
	if current.Cmp(c.wantID) != 0 {
		return session.E(session.KindNetworkMismatch, ErrWrongNetwork)
	}
	return nil
}

// Account returns the cached account if connected.
func (c *Connector) Account() (common.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.account == nil {
		return common.Address{}, false
	}
	return *c.account, true
}

// SignTx forwards to the agent, mapping a decline onto the taxonomy.
func (c *Connector) SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	signed, err := c.agent.SignTx(ctx, tx)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			return nil, session.E(session.KindUserRejected, err)
		}
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}
