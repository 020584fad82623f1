package chain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/debazaar/escrowd/internal/token"
)

var (
	ErrNotConnected        = errors.New("chain: RPC connection failed")
	ErrChainMismatch       = errors.New("chain: RPC endpoint serves a different chain")
	ErrTransactionPending  = errors.New("chain: transaction not yet mined")
	ErrTransactionReverted = errors.New("chain: transaction reverted")
	ErrWrongDestination    = errors.New("chain: transaction was not sent to the escrow contract")
	ErrTimeout             = errors.New("chain: operation timed out")
)

const (
	// DefaultEntropyFee is charged when getFee() cannot be read: 0.001 ETH.
	defaultEntropyFeeWei = 1_000_000_000_000_000

	// ReceiptPollInterval between receipt checks while waiting for a tx.
	ReceiptPollInterval = 2 * time.Second

	// DefaultReceiptTimeout bounds how long WaitForReceipt polls.
	DefaultReceiptTimeout = 120 * time.Second
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

// GasEstimate is the result of a buffered gas estimation. Fallback is set
// when estimation failed and the action's fixed default was used instead.
type GasEstimate struct {
	Limit    uint64
	Fallback bool
}

// Receipt is a verified view of a mined transaction. Unlike
// types.Receipt it carries the destination address, which the
// reconciliation layer checks against the escrow contract.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Status      uint64
	To          string
}

// Option configures the client.
type Option func(*Client)

// WithEthClient sets a custom Ethereum client (useful for testing).
func WithEthClient(ec EthClient) Option {
	return func(c *Client) {
		c.client = ec
	}
}

// Client wraps an RPC connection with the contract ABIs and the
// network's escrow address.
type Client struct {
	client    EthClient
	network   Network
	escrow    common.Address
	escrowABI abi.ABI
	erc20ABI  abi.ABI
}

// NewClient connects to the network's RPC endpoint and prepares the
// contract ABIs. rpcOverride replaces the registry URL when non-empty.
func NewClient(network Network, rpcOverride string, opts ...Option) (*Client, error) {
	escrowAddr, err := network.EscrowAddress()
	if err != nil {
		return nil, err
	}

	parsedEscrow, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}
	parsedERC20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	c := &Client{
		network:   network,
		escrow:    escrowAddr,
		escrowABI: parsedEscrow,
		erc20ABI:  parsedERC20,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		rpcURL := network.RPCURL
		if rpcOverride != "" {
			rpcURL = rpcOverride
		}
		ec, err := ethclient.Dial(rpcURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		c.client = ec
	}

	return c, nil
}

// Network returns the network this client is connected to.
func (c *Client) Network() Network {
	return c.network
}

// EscrowAddress returns the escrow contract address for this client.
func (c *Client) EscrowAddress() common.Address {
	return c.escrow
}

// Ping verifies the RPC connection and that the endpoint serves the
// expected chain.
func (c *Client) Ping(ctx context.Context) error {
	id, err := c.client.NetworkID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	if id.Int64() != c.network.ChainID {
		return fmt.Errorf("%w: got chain %s, want %d", ErrChainMismatch, id, c.network.ChainID)
	}
	return nil
}

// EstimateGas estimates gas for the call and applies the buffer
// multiplier, rounding up. When estimation fails the action's fixed
// default is returned with Fallback set; the raw estimate is never
// forwarded unbuffered and the limit is never zero.
func (c *Client) EstimateGas(ctx context.Context, call ethereum.CallMsg, fallback uint64, multiplier float64) GasEstimate {
	estimated, err := c.client.EstimateGas(ctx, call)
	if err != nil || estimated == 0 {
		return GasEstimate{Limit: fallback, Fallback: true}
	}
	return GasEstimate{Limit: uint64(math.Ceil(float64(estimated) * multiplier))}
}

// PackEscrow packs calldata for an escrow contract method.
func (c *Client) PackEscrow(method string, args ...interface{}) ([]byte, error) {
	data, err := c.escrowABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return data, nil
}

// PackERC20 packs calldata for an ERC-20 method.
func (c *Client) PackERC20(method string, args ...interface{}) ([]byte, error) {
	data, err := c.erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return data, nil
}

// TokenDecimals reads a token's decimals, defaulting to 6 when the call
// fails (PYUSD/USDC/USDT all use 6).
func (c *Client) TokenDecimals(ctx context.Context, tokenAddr common.Address) uint8 {
	data, err := c.erc20ABI.Pack("decimals")
	if err != nil {
		return token.DefaultDecimals
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return token.DefaultDecimals
	}
	vals, err := c.erc20ABI.Unpack("decimals", out)
	if err != nil || len(vals) == 0 {
		return token.DefaultDecimals
	}
	d, ok := vals[0].(uint8)
	if !ok {
		return token.DefaultDecimals
	}
	return d
}

// Allowance reads the owner's ERC-20 allowance for the spender,
// defaulting to zero when the call fails.
func (c *Client) Allowance(ctx context.Context, tokenAddr, owner, spender common.Address) *big.Int {
	data, err := c.erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return big.NewInt(0)
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return big.NewInt(0)
	}
	allowance := new(big.Int).SetBytes(out)
	return allowance
}

// BalanceOf reads an address's ERC-20 balance.
func (c *Client) BalanceOf(ctx context.Context, tokenAddr, owner common.Address) (*big.Int, error) {
	data, err := c.erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(out), nil
}

// IsTokenWhitelisted asks the escrow contract whether it accepts a token.
func (c *Client) IsTokenWhitelisted(ctx context.Context, tokenAddr common.Address) (bool, error) {
	data, err := c.escrowABI.Pack("isTokenWhitelisted", tokenAddr)
	if err != nil {
		return false, fmt.Errorf("pack isTokenWhitelisted: %w", err)
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.escrow, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("call isTokenWhitelisted: %w", err)
	}
	vals, err := c.escrowABI.Unpack("isTokenWhitelisted", out)
	if err != nil || len(vals) == 0 {
		return false, fmt.Errorf("unpack isTokenWhitelisted: %w", err)
	}
	whitelisted, _ := vals[0].(bool)
	return whitelisted, nil
}

// ArbitrationFee reads the dispute fee from the contract, falling back
// to 0.001 ETH when the call fails.
func (c *Client) ArbitrationFee(ctx context.Context) *big.Int {
	fallback := big.NewInt(defaultEntropyFeeWei)

	data, err := c.escrowABI.Pack("getFee")
	if err != nil {
		return fallback
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.escrow, Data: data}, nil)
	if err != nil || len(out) == 0 {
		return fallback
	}
	vals, err := c.escrowABI.Unpack("getFee", out)
	if err != nil || len(vals) == 0 {
		return fallback
	}
	fee, ok := vals[0].(*big.Int)
	if !ok || fee.Sign() <= 0 {
		return fallback
	}
	return fee
}

// OnchainApprovalData mirrors the contract's nested approval tuple.
type OnchainApprovalData struct {
	Destination    common.Address `json:"destination"`
	Data           []byte         `json:"data"`
	ExpectedResult []byte         `json:"expectedResult"`
}

// ApiApprovalData mirrors the contract's Chainlink Functions tuple.
type ApiApprovalData struct {
	Source               string   `json:"source"`
	EncryptedSecretsUrls []byte   `json:"encryptedSecretsUrls"`
	Args                 []string `json:"args"`
	BytesArgs            [][]byte `json:"bytesArgs"`
	RequestId            [32]byte `json:"requestId"`
}

// OnchainListing is the contract's view of a listing.
type OnchainListing struct {
	ListingId           [32]byte            `json:"listingId"`
	Buyer               common.Address      `json:"buyer"`
	Seller              common.Address      `json:"seller"`
	Token               common.Address      `json:"token"`
	Amount              *big.Int            `json:"amount"`
	Expiration          uint64              `json:"expiration"`
	Deadline            uint64              `json:"deadline"`
	State               uint8               `json:"state"`
	EscrowType          uint8               `json:"escrowType"`
	OnchainApprovalData OnchainApprovalData `json:"onchainApprovalData"`
	ApiApprovalData     ApiApprovalData     `json:"apiApprovalData"`
}

// GetListing reads a listing from the escrow contract.
func (c *Client) GetListing(ctx context.Context, listingID [32]byte) (*OnchainListing, error) {
	data, err := c.escrowABI.Pack("getListing", listingID)
	if err != nil {
		return nil, fmt.Errorf("pack getListing: %w", err)
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.escrow, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call getListing: %w", err)
	}
	vals, err := c.escrowABI.Unpack("getListing", out)
	if err != nil || len(vals) == 0 {
		return nil, fmt.Errorf("unpack getListing: %w", err)
	}

	listing := abi.ConvertType(vals[0], new(OnchainListing)).(*OnchainListing)
	return listing, nil
}

// VerifyEscrowTx confirms that a transaction was mined successfully and
// was addressed to the escrow contract. State transitions gate on this.
func (c *Client) VerifyEscrowTx(ctx context.Context, txHash string) (*Receipt, error) {
	hash := common.HexToHash(txHash)

	receipt, err := c.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransactionPending, txHash)
	}

	// types.Receipt does not carry the destination; fetch the tx for it.
	tx, _, err := c.client.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction %s: %w", txHash, err)
	}

	r := &Receipt{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		Status:      receipt.Status,
	}
	if to := tx.To(); to != nil {
		r.To = to.Hex()
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return r, fmt.Errorf("%w: %s", ErrTransactionReverted, txHash)
	}
	if to := tx.To(); to == nil || *to != c.escrow {
		return r, fmt.Errorf("%w: %s", ErrWrongDestination, txHash)
	}

	return r, nil
}

// WaitForReceipt polls until the transaction is mined or the timeout
// elapses, then verifies it against the escrow contract.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ReceiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := c.VerifyEscrowTx(ctx, txHash)
			if errors.Is(err, ErrTransactionPending) {
				continue
			}
			return receipt, err
		}
	}
}

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
