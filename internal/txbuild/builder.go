// Package txbuild produces the escrow-creation transaction plan. The
// backend-prepared payload is preferred for auditability but is never a
// single point of failure: on backend error or a payload that fails the
// sanity checks, the call is encoded locally. Either way the final plan
// passes the same value and gas gates before any signature is requested.
package txbuild

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"escrowline/internal/backend"
	"escrowline/internal/money"
	"escrowline/internal/session"
)

// Plan is the fully validated escrow-creation call.
type Plan struct {
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
}

const escrowABIJSON = `[{"type":"function","name":"createEscrow","stateMutability":"payable","inputs":[{"name":"seller","type":"address"},{"name":"productCode","type":"bytes32"}],"outputs":[{"name":"escrowId","type":"bytes32"}]}]`

var escrowABI = mustParseABI(escrowABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse escrow abi: %v", err))
	}
	return parsed
}

// Preparer is the backend call the builder prefers.
type Preparer interface {
	PrepareEscrowPayload(ctx context.Context, req backend.PrepareRequest) (backend.PreparedPayload, error)
}

// CodeReader is the single chain read the local fallback needs.
type CodeReader interface {
	CodeAt(ctx context.Context, contract common.Address) ([]byte, error)
}

// Config bounds every plan the builder may emit.
type Config struct {
	Contract        common.Address
	DefaultGasLimit uint64
	MaxGasLimit     uint64
	MinValue        money.Amount // smallest payable amount
	ValueCeiling    money.Amount // sanity ceiling: anything above is a builder bug
}

type Builder struct {
	preparer Preparer
	chain    CodeReader
	cfg      Config
	log      *slog.Logger
}

func NewBuilder(preparer Preparer, chain CodeReader, cfg Config, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{preparer: preparer, chain: chain, cfg: cfg, log: log}
}

// Input identifies the escrow call to construct.
type Input struct {
	Seller      common.Address
	Buyer       common.Address
	ProductCode string
	Price       money.Amount
}

// Build returns a validated plan or a session-taxonomy error. It never
// returns an unvalidated plan: a violation of the sanity ceiling aborts
// before any wallet prompt can be shown.
func (b *Builder) Build(ctx context.Context, in Input) (Plan, error) {
	if plan, ok := b.tryBackend(ctx, in); ok {
		return b.validate(plan, in.Price)
	}

	plan, err := b.buildLocal(ctx, in)
	if err != nil {
		return Plan{}, err
	}
	return b.validate(plan, in.Price)
}

// tryBackend returns (plan, false) when the backend path is unusable for
// any reason; the caller falls back to local construction.
func (b *Builder) tryBackend(ctx context.Context, in Input) (Plan, bool) {
	if b.preparer == nil {
		return Plan{}, false
	}

	prepared, err := b.preparer.PrepareEscrowPayload(ctx, backend.PrepareRequest{
		SellerAddress: in.Seller.Hex(),
		BuyerAddress:  in.Buyer.Hex(),
		ProductCode:   in.ProductCode,
		Amount:        in.Price.Wei().String(),
	})
	if err != nil {
		b.log.Warn("backend prepare failed, falling back to local encoding", "error", err)
		return Plan{}, false
	}

	plan, err := b.decodePrepared(prepared, in.Price)
	if err != nil {
		b.log.Warn("backend payload discarded", "reason", err)
		return Plan{}, false
	}
	return plan, true
}

// decodePrepared turns the backend payload into a plan, rejecting it when
// the declared value does not decode back to the session price exactly or
// any field is malformed.
func (b *Builder) decodePrepared(p backend.PreparedPayload, price money.Amount) (Plan, error) {
	if !common.IsHexAddress(p.To) {
		return Plan{}, fmt.Errorf("destination %q is not an address", p.To)
	}

	value, ok := new(big.Int).SetString(p.Value, 10)
	if !ok {
		return Plan{}, fmt.Errorf("value %q is not a decimal integer", p.Value)
	}
	decoded, err := money.FromWei(value)
	if err != nil {
		return Plan{}, fmt.Errorf("value does not decode to price units: %w", err)
	}
	if decoded != price {
		return Plan{}, fmt.Errorf("value decodes to %s, session price is %s", decoded, price)
	}
	if decoded > b.cfg.ValueCeiling {
		return Plan{}, fmt.Errorf("value %s exceeds sanity ceiling %s", decoded, b.cfg.ValueCeiling)
	}

	data, err := hex.DecodeString(strings.TrimPrefix(p.Data, "0x"))
	if err != nil {
		return Plan{}, fmt.Errorf("calldata is not hex: %w", err)
	}

	gas := p.GasLimit
	if gas == 0 {
		gas = b.cfg.DefaultGasLimit
	}
	if gas > b.cfg.MaxGasLimit {
		return Plan{}, fmt.Errorf("gas limit %d exceeds hard maximum %d", gas, b.cfg.MaxGasLimit)
	}

	return Plan{
		To:       common.HexToAddress(p.To),
		Value:    value,
		Data:     data,
		GasLimit: gas,
	}, nil
}

// buildLocal hand-encodes createEscrow(seller, productCode) against the
// configured contract, after confirming code is deployed there.
func (b *Builder) buildLocal(ctx context.Context, in Input) (Plan, error) {
	code, err := b.chain.CodeAt(ctx, b.cfg.Contract)
	if err != nil {
		return Plan{}, fmt.Errorf("read contract code: %w", err)
	}
	if len(code) == 0 {
		return Plan{}, session.E(session.KindContractNotFound,
			fmt.Errorf("no code at %s", b.cfg.Contract.Hex()))
	}

	data, err := escrowABI.Pack("createEscrow", in.Seller, toBytes32(in.ProductCode))
	if err != nil {
		return Plan{}, fmt.Errorf("encode createEscrow: %w", err)
	}

	gas := b.cfg.DefaultGasLimit
	if gas > b.cfg.MaxGasLimit {
		gas = b.cfg.MaxGasLimit
	}

	return Plan{
		To:       b.cfg.Contract,
		Value:    in.Price.Wei(),
		Data:     data,
		GasLimit: gas,
	}, nil
}

// validate is the final gate both paths pass through.
func (b *Builder) validate(plan Plan, price money.Amount) (Plan, error) {
	decoded, err := money.FromWei(plan.Value)
	if err != nil {
		return Plan{}, session.E(session.KindValidationFailed, err)
	}
	if decoded != price {
		return Plan{}, session.E(session.KindValidationFailed,
			fmt.Errorf("plan value %s does not match session price %s", decoded, price))
	}
	if decoded < b.cfg.MinValue {
		return Plan{}, session.E(session.KindValidationFailed,
			fmt.Errorf("plan value %s is below the minimum payable amount %s", decoded, b.cfg.MinValue))
	}
	if decoded > b.cfg.ValueCeiling {
		return Plan{}, session.E(session.KindValidationFailed,
			fmt.Errorf("plan value %s exceeds sanity ceiling %s", decoded, b.cfg.ValueCeiling))
	}
	if plan.GasLimit == 0 || plan.GasLimit > b.cfg.MaxGasLimit {
		return Plan{}, session.E(session.KindValidationFailed,
			fmt.Errorf("gas limit %d outside (0, %d]", plan.GasLimit, b.cfg.MaxGasLimit))
	}
	return plan, nil
}

func toBytes32(value string) [32]byte {
	var out [32]byte
	copy(out[:], []byte(value))
	return out
}
