package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"fiatoracle/internal/oracle"
)

const testContract = "0x00000000000000000000000000000000000000aa"

type fakeCaller struct {
	out  []byte
	err  error
	seen ethereum.CallMsg
}

func (f *fakeCaller) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.seen = call
	return f.out, f.err
}

func parsedABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(OracleABI))
	require.NoError(t, err)
	return parsed
}

func TestSimulateCall_PriceData(t *testing.T) {
	t.Parallel()

	// Arrange: an encoded (price, timestamp) tuple
	parsed := parsedABI(t)
	out, err := parsed.Methods["lastprice"].Outputs.Pack(big.NewInt(12_000_000_000_000), uint64(1704067200))
	require.NoError(t, err)
	caller := &fakeCaller{out: out}

	sim, err := NewEVMSimulator(caller)
	require.NoError(t, err)

	// Act
	v, err := sim.SimulateCall(t.Context(), testContract, oracle.MethodLastPrice, "XLM", "USD")

	// Assert: the call targeted the contract with the packed arguments
	require.NoError(t, err)
	require.Equal(t, oracle.KindPriceData, v.Kind)
	require.Equal(t, int64(12_000_000_000_000), v.Int.Int64())
	require.Equal(t, uint64(1704067200), v.Timestamp)
	require.Equal(t, common.HexToAddress(testContract), *caller.seen.To)

	args, err := parsed.Methods["lastprice"].Inputs.Unpack(caller.seen.Data[4:])
	require.NoError(t, err)
	require.Equal(t, []any{"XLM", "USD"}, args)
}

func TestSimulateCall_EmptyResultIsNone(t *testing.T) {
	t.Parallel()

	sim, err := NewEVMSimulator(&fakeCaller{})
	require.NoError(t, err)

	v, err := sim.SimulateCall(t.Context(), testContract, oracle.MethodLastPrice, "XLM", "USD")
	require.NoError(t, err)
	require.Equal(t, oracle.KindNone, v.Kind)
}

func TestSimulateCall_RevertIsContractError(t *testing.T) {
	t.Parallel()

	sim, err := NewEVMSimulator(&fakeCaller{err: errors.New("execution reverted: unknown asset")})
	require.NoError(t, err)

	v, err := sim.SimulateCall(t.Context(), testContract, oracle.MethodLastPrice, "FOO", "USD")
	require.NoError(t, err)
	require.Equal(t, oracle.KindError, v.Kind)

	_, err = oracle.Decode(v, 14)
	require.ErrorIs(t, err, oracle.ErrNotFound)
}

func TestSimulateCall_TransportErrorPassesThrough(t *testing.T) {
	t.Parallel()

	sim, err := NewEVMSimulator(&fakeCaller{err: errors.New("dial tcp: connection refused")})
	require.NoError(t, err)

	_, err = sim.SimulateCall(t.Context(), testContract, oracle.MethodLastPrice, "XLM", "USD")
	require.Error(t, err)
	require.NotErrorIs(t, err, oracle.ErrNotFound)
}

func TestSimulateCall_GarbageIsInvalidResponse(t *testing.T) {
	t.Parallel()

	sim, err := NewEVMSimulator(&fakeCaller{out: []byte{0x01, 0x02}})
	require.NoError(t, err)

	_, err = sim.SimulateCall(t.Context(), testContract, oracle.MethodLastPrice, "XLM", "USD")
	require.ErrorIs(t, err, oracle.ErrInvalidResponse)
}

func TestSimulateCall_BadAddress(t *testing.T) {
	t.Parallel()

	sim, err := NewEVMSimulator(&fakeCaller{})
	require.NoError(t, err)

	_, err = sim.SimulateCall(t.Context(), "not-an-address", oracle.MethodLastPrice, "XLM", "USD")
	require.ErrorIs(t, err, oracle.ErrNoContract)
}

type slowCaller struct{}

func (slowCaller) CallContract(ctx context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSimulateCall_TimeoutIsTransportError(t *testing.T) {
	t.Parallel()

	sim, err := NewEVMSimulator(slowCaller{}, WithCallTimeout(10*time.Millisecond))
	require.NoError(t, err)

	_, err = sim.SimulateCall(t.Context(), testContract, oracle.MethodLastPrice, "XLM", "USD")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, "transient", oracle.Kind(fmt.Errorf("%w: %w", oracle.ErrTransient, err)))
}
