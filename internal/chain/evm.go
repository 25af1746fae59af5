// Package chain simulates read-only oracle contract calls against an EVM
// node.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"fiatoracle/internal/oracle"
)

// OracleABI describes the price oracle interface shared by every source.
const OracleABI = `[
	{"type":"function","name":"lastprice","stateMutability":"view",
	 "inputs":[{"name":"base","type":"string"},{"name":"quote","type":"string"}],
	 "outputs":[{"name":"price","type":"int256"},{"name":"timestamp","type":"uint64"}]}
]`

// EVMSimulator implements oracle.Simulator with eth_call.
type EVMSimulator struct {
	caller  ethereum.ContractCaller
	abi     abi.ABI
	timeout time.Duration
}

// Option configures an EVMSimulator.
type Option func(*EVMSimulator)

// WithCallTimeout bounds each eth_call. An expired call surfaces as a
// transport error, which the oracle client retries.
func WithCallTimeout(d time.Duration) Option {
	return func(s *EVMSimulator) { s.timeout = d }
}

var _ oracle.Simulator = (*EVMSimulator)(nil)

func NewEVMSimulator(caller ethereum.ContractCaller, opts ...Option) (*EVMSimulator, error) {
	parsed, err := abi.JSON(strings.NewReader(OracleABI))
	if err != nil {
		return nil, fmt.Errorf("parse oracle abi: %w", err)
	}
	s := &EVMSimulator{caller: caller, abi: parsed}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dial connects to nodeURL and returns a simulator plus the client to close.
func Dial(ctx context.Context, nodeURL string, opts ...Option) (*EVMSimulator, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, nodeURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", nodeURL, err)
	}
	sim, err := NewEVMSimulator(client, opts...)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return sim, client, nil
}

func (s *EVMSimulator) SimulateCall(ctx context.Context, contract, method string, args ...any) (oracle.Value, error) {
	if !common.IsHexAddress(contract) {
		return oracle.Value{}, fmt.Errorf("%w: invalid contract address %q", oracle.ErrNoContract, contract)
	}
	input, err := s.abi.Pack(method, args...)
	if err != nil {
		return oracle.Value{}, fmt.Errorf("pack %s: %w", method, err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	to := common.HexToAddress(contract)
	out, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		if isRevert(err) {
			return oracle.Value{Kind: oracle.KindError, Error: err.Error()}, nil
		}
		return oracle.Value{}, err
	}
	if len(out) == 0 {
		return oracle.Value{Kind: oracle.KindNone}, nil
	}

	values, err := s.abi.Unpack(method, out)
	if err != nil {
		return oracle.Value{}, fmt.Errorf("%w: unpack %s: %w", oracle.ErrInvalidResponse, method, err)
	}
	return toValue(values)
}

func toValue(values []any) (oracle.Value, error) {
	switch len(values) {
	case 1:
		price, ok := values[0].(*big.Int)
		if !ok {
			return oracle.Value{}, fmt.Errorf("%w: unexpected type %T", oracle.ErrInvalidResponse, values[0])
		}
		return oracle.Value{Kind: oracle.KindInt, Int: price}, nil
	case 2:
		price, ok := values[0].(*big.Int)
		if !ok {
			return oracle.Value{}, fmt.Errorf("%w: unexpected price type %T", oracle.ErrInvalidResponse, values[0])
		}
		ts, ok := values[1].(uint64)
		if !ok {
			return oracle.Value{}, fmt.Errorf("%w: unexpected timestamp type %T", oracle.ErrInvalidResponse, values[1])
		}
		return oracle.Value{Kind: oracle.KindPriceData, Int: price, Timestamp: ts}, nil
	default:
		return oracle.Value{}, fmt.Errorf("%w: %d return values", oracle.ErrInvalidResponse, len(values))
	}
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
