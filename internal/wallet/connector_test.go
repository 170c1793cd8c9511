package wallet

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"escrowline/internal/session"
)

type stubAgent struct {
	account      common.Address
	accountErr   error
	chain        *big.Int
	switchErr    error
	prompts      int
	switchCalls  int
	signRejected bool
}

func (s *stubAgent) RequestAccount(context.Context) (common.Address, error) {
	s.prompts++
	if s.accountErr != nil {
		return common.Address{}, s.accountErr
	}
	return s.account, nil
}

func (s *stubAgent) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.chain), nil
}

func (s *stubAgent) SwitchChain(_ context.Context, chainID *big.Int) error {
	s.switchCalls++
	if s.switchErr != nil {
		return s.switchErr
	}
	s.chain = new(big.Int).Set(chainID)
	return nil
}

func (s *stubAgent) SignTx(_ context.Context, tx *types.Transaction) (*types.Transaction, error) {
	if s.signRejected {
		return nil, ErrRejected
	}
	return tx, nil
}

func TestConnectIsIdempotent(t *testing.T) {
	agent := &stubAgent{account: common.HexToAddress("0xa1"), chain: big.NewInt(1337)}
	c := NewConnector(agent, big.NewInt(1337))

	first, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	second, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if first != second {
		t.Fatal("accounts differ between calls")
	}
	if agent.prompts != 1 {
		t.Fatalf("agent prompted %d times, want 1", agent.prompts)
	}
	if acct, ok := c.Account(); !ok || acct != first {
		t.Fatal("cached account missing")
	}
}

func TestConnectMapsAgentErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind session.Kind
	}{
		{"unavailable", ErrUnavailable, session.KindWalletUnavailable},
		{"rejected", ErrRejected, session.KindUserRejected},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			agent := &stubAgent{accountErr: c.err, chain: big.NewInt(1337)}
			conn := NewConnector(agent, big.NewInt(1337))
			_, err := conn.Connect(context.Background())
			if session.KindOf(err) != c.kind {
				t.Fatalf("kind = %s, want %s", session.KindOf(err), c.kind)
			}
		})
	}
}

func TestConnectSwitchesNetworkThenRetries(t *testing.T) {
	agent := &stubAgent{account: common.HexToAddress("0xa1"), chain: big.NewInt(1)}
	c := NewConnector(agent, big.NewInt(1337))

	acct, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect across switch: %v", err)
	}
	if acct != agent.account {
		t.Fatal("wrong account")
	}
	if agent.switchCalls != 1 {
		t.Fatalf("switch called %d times, want 1", agent.switchCalls)
	}
}

func TestConnectReportsMismatchWhenSwitchFails(t *testing.T) {
	agent := &stubAgent{account: common.HexToAddress("0xa1"), chain: big.NewInt(1), switchErr: ErrWrongNetwork}
	c := NewConnector(agent, big.NewInt(1337))

	_, err := c.Connect(context.Background())
	if session.KindOf(err) != session.KindNetworkMismatch {
		t.Fatalf("kind = %s, want NetworkMismatch", session.KindOf(err))
	}
}

func TestSignTxMapsRejection(t *testing.T) {
	agent := &stubAgent{account: common.HexToAddress("0xa1"), chain: big.NewInt(1337), signRejected: true}
	c := NewConnector(agent, big.NewInt(1337))

	tx := types.NewTx(&types.LegacyTx{Nonce: 0, Gas: 21000, GasPrice: big.NewInt(1), Value: big.NewInt(1)})
	_, err := c.SignTx(context.Background(), tx)
	if session.KindOf(err) != session.KindUserRejected {
		t.Fatalf("kind = %s, want UserRejected", session.KindOf(err))
	}
}
