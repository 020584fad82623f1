package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEthClient implements EthClient with configurable behavior.
type fakeEthClient struct {
	estimateGas  func(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	callContract func(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	receipt      *types.Receipt
	receiptErr   error
	tx           *types.Transaction
	txErr        error
	networkID    *big.Int
	networkIDErr error
}

func (f *fakeEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if f.estimateGas != nil {
		return f.estimateGas(ctx, call)
	}
	return 0, errors.New("not implemented")
}

func (f *fakeEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.callContract != nil {
		return f.callContract(ctx, call, blockNumber)
	}
	return nil, errors.New("not implemented")
}

func (f *fakeEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return f.receipt, f.receiptErr
}

func (f *fakeEthClient) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	return f.tx, false, f.txErr
}

func (f *fakeEthClient) NetworkID(ctx context.Context) (*big.Int, error) {
	return f.networkID, f.networkIDErr
}

func (f *fakeEthClient) Close() {}

func newTestClient(t *testing.T, fake *fakeEthClient) *Client {
	t.Helper()
	network, err := GetNetwork("arbitrum_sepolia")
	require.NoError(t, err)
	c, err := NewClient(network, "", WithEthClient(fake))
	require.NoError(t, err)
	return c
}

func TestNewClientEscrowRequired(t *testing.T) {
	one, err := GetNetwork("arbitrum_one")
	require.NoError(t, err)
	_, err = NewClient(one, "", WithEthClient(&fakeEthClient{}))
	assert.ErrorIs(t, err, ErrEscrowNotDeployed)
}

func TestEstimateGas(t *testing.T) {
	tests := []struct {
		name         string
		estimate     uint64
		estimateErr  error
		fallback     uint64
		multiplier   float64
		wantLimit    uint64
		wantFallback bool
	}{
		{
			name:       "buffered estimate",
			estimate:   100_000,
			fallback:   200_000,
			multiplier: 1.2,
			wantLimit:  120_000,
		},
		{
			name:       "rounds up",
			estimate:   100_001,
			fallback:   200_000,
			multiplier: 1.2,
			wantLimit:  120_002, // ceil(120001.2)
		},
		{
			name:       "delivery buffer",
			estimate:   400_000,
			fallback:   750_000,
			multiplier: 1.5,
			wantLimit:  600_000,
		},
		{
			name:         "estimation failure uses fallback",
			estimateErr:  errors.New("execution reverted"),
			fallback:     250_000,
			multiplier:   1.2,
			wantLimit:    250_000,
			wantFallback: true,
		},
		{
			name:         "zero estimate uses fallback",
			estimate:     0,
			fallback:     150_000,
			multiplier:   1.2,
			wantLimit:    150_000,
			wantFallback: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, &fakeEthClient{
				estimateGas: func(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
					return tt.estimate, tt.estimateErr
				},
			})

			got := c.EstimateGas(context.Background(), ethereum.CallMsg{}, tt.fallback, tt.multiplier)
			assert.Equal(t, tt.wantLimit, got.Limit)
			assert.Equal(t, tt.wantFallback, got.Fallback)
			assert.NotZero(t, got.Limit)
		})
	}
}

func TestArbitrationFee(t *testing.T) {
	t.Run("reads fee from contract", func(t *testing.T) {
		want := big.NewInt(2_000_000_000_000_000)
		c := newTestClient(t, &fakeEthClient{
			callContract: func(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
				return common.LeftPadBytes(want.Bytes(), 32), nil
			},
		})
		got := c.ArbitrationFee(context.Background())
		assert.Equal(t, 0, want.Cmp(got))
	})

	t.Run("falls back to 0.001 ETH on call failure", func(t *testing.T) {
		c := newTestClient(t, &fakeEthClient{
			callContract: func(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
				return nil, errors.New("rpc down")
			},
		})
		got := c.ArbitrationFee(context.Background())
		assert.Equal(t, 0, big.NewInt(1_000_000_000_000_000).Cmp(got))
	})
}

func TestTokenDecimals(t *testing.T) {
	t.Run("default on failure", func(t *testing.T) {
		c := newTestClient(t, &fakeEthClient{
			callContract: func(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
				return nil, errors.New("rpc down")
			},
		})
		assert.Equal(t, uint8(6), c.TokenDecimals(context.Background(), common.Address{}))
	})

	t.Run("reads on-chain value", func(t *testing.T) {
		c := newTestClient(t, &fakeEthClient{
			callContract: func(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
				return common.LeftPadBytes([]byte{18}, 32), nil
			},
		})
		assert.Equal(t, uint8(18), c.TokenDecimals(context.Background(), common.Address{}))
	})
}

func TestAllowanceDefaultsToZero(t *testing.T) {
	c := newTestClient(t, &fakeEthClient{
		callContract: func(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
			return nil, errors.New("rpc down")
		},
	})
	got := c.Allowance(context.Background(), common.Address{}, common.Address{}, common.Address{})
	assert.Equal(t, 0, big.NewInt(0).Cmp(got))
}

func TestVerifyEscrowTx(t *testing.T) {
	escrowAddr := common.HexToAddress("0x8e601797f52AECD270484151Cc39C4074e0E861E")
	otherAddr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	txHash := "0x69b68337a61b573b5a95e4e83b4ec0a6e5e6b4e6b9f0a3d7c2e1f4a5b6c7d8e9"

	makeTx := func(to common.Address) *types.Transaction {
		return types.NewTransaction(0, to, big.NewInt(0), 21000, big.NewInt(1), nil)
	}

	t.Run("verified", func(t *testing.T) {
		c := newTestClient(t, &fakeEthClient{
			receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42), GasUsed: 90_000},
			tx:      makeTx(escrowAddr),
		})
		r, err := c.VerifyEscrowTx(context.Background(), txHash)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), r.BlockNumber)
		assert.Equal(t, escrowAddr.Hex(), r.To)
	})

	t.Run("not yet mined", func(t *testing.T) {
		c := newTestClient(t, &fakeEthClient{
			receiptErr: ethereum.NotFound,
		})
		_, err := c.VerifyEscrowTx(context.Background(), txHash)
		assert.ErrorIs(t, err, ErrTransactionPending)
	})

	t.Run("reverted", func(t *testing.T) {
		c := newTestClient(t, &fakeEthClient{
			receipt: &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(42)},
			tx:      makeTx(escrowAddr),
		})
		_, err := c.VerifyEscrowTx(context.Background(), txHash)
		assert.ErrorIs(t, err, ErrTransactionReverted)
	})

	t.Run("wrong destination", func(t *testing.T) {
		c := newTestClient(t, &fakeEthClient{
			receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42)},
			tx:      makeTx(otherAddr),
		})
		_, err := c.VerifyEscrowTx(context.Background(), txHash)
		assert.ErrorIs(t, err, ErrWrongDestination)
	})
}

func TestWaitForReceipt(t *testing.T) {
	escrowAddr := common.HexToAddress("0x8e601797f52AECD270484151Cc39C4074e0E861E")
	txHash := "0x69b68337a61b573b5a95e4e83b4ec0a6e5e6b4e6b9f0a3d7c2e1f4a5b6c7d8e9"

	makeTx := func(to common.Address) *types.Transaction {
		return types.NewTransaction(0, to, big.NewInt(0), 21000, big.NewInt(1), nil)
	}

	t.Run("returns receipt once mined", func(t *testing.T) {
		c := newTestClient(t, &fakeEthClient{
			receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42), GasUsed: 90_000},
			tx:      makeTx(escrowAddr),
		})
		r, err := c.WaitForReceipt(context.Background(), txHash, ReceiptPollInterval+time.Second)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), r.BlockNumber)
		assert.Equal(t, escrowAddr.Hex(), r.To)
	})

	t.Run("reverted tx fails on the first poll", func(t *testing.T) {
		c := newTestClient(t, &fakeEthClient{
			receipt: &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(42)},
			tx:      makeTx(escrowAddr),
		})
		_, err := c.WaitForReceipt(context.Background(), txHash, ReceiptPollInterval+time.Second)
		assert.ErrorIs(t, err, ErrTransactionReverted)
	})

	t.Run("times out while pending", func(t *testing.T) {
		c := newTestClient(t, &fakeEthClient{receiptErr: ethereum.NotFound})
		// Timeout shorter than the poll interval, so the deadline wins.
		_, err := c.WaitForReceipt(context.Background(), txHash, 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("canceled context is not a timeout", func(t *testing.T) {
		c := newTestClient(t, &fakeEthClient{receiptErr: ethereum.NotFound})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.WaitForReceipt(ctx, txHash, ReceiptPollInterval)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrTimeout)
	})
}

func TestPing(t *testing.T) {
	t.Run("matching chain", func(t *testing.T) {
		c := newTestClient(t, &fakeEthClient{networkID: big.NewInt(421614)})
		assert.NoError(t, c.Ping(context.Background()))
	})

	t.Run("wrong chain", func(t *testing.T) {
		c := newTestClient(t, &fakeEthClient{networkID: big.NewInt(1)})
		assert.ErrorIs(t, c.Ping(context.Background()), ErrChainMismatch)
	})

	t.Run("rpc failure", func(t *testing.T) {
		c := newTestClient(t, &fakeEthClient{networkIDErr: errors.New("dial tcp: refused")})
		assert.ErrorIs(t, c.Ping(context.Background()), ErrNotConnected)
	})
}
