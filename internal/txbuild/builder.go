// Package txbuild constructs unsigned transactions for every escrow
// contract interaction. Clients sign and broadcast themselves; nothing
// here touches a private key.
package txbuild

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/debazaar/escrowd/internal/chain"
	"github.com/debazaar/escrowd/internal/metrics"
)

// Gas buffer applied to successful estimations.
const (
	GasBufferMultiplier = 1.2
	// The Chainlink Functions request in api-approval delivery makes
	// estimation unreliable, so it gets a larger buffer.
	ApiDeliveryGasMultiplier = 1.5
)

// Fixed gas limits used when estimation fails. The envelope always
// carries one of these or a buffered estimate, never a raw value.
const (
	DefaultGasCreateListing     = uint64(200_000)
	DefaultGasApprove           = uint64(100_000)
	DefaultGasFillListing       = uint64(250_000)
	DefaultGasFillApiApproval   = uint64(500_000)
	DefaultGasDeliverDisputable = uint64(150_000)
	DefaultGasDeliverOnchain    = uint64(200_000)
	DefaultGasDeliverApi        = uint64(750_000)
	DefaultGasResolveListing    = uint64(200_000)
	DefaultGasDisputeListing    = uint64(300_000)
	DefaultGasCancelListing     = uint64(150_000)
)

// Backend is the chain surface the builder needs. *chain.Client
// satisfies it.
type Backend interface {
	EstimateGas(ctx context.Context, call ethereum.CallMsg, fallback uint64, multiplier float64) chain.GasEstimate
	PackEscrow(method string, args ...interface{}) ([]byte, error)
	PackERC20(method string, args ...interface{}) ([]byte, error)
	ArbitrationFee(ctx context.Context) *big.Int
	EscrowAddress() common.Address
	Network() chain.Network
}

// Envelope is an unsigned transaction ready for client-side signing.
type Envelope struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Value   string `json:"value"` // wei, decimal string
	Data    string `json:"data"`  // 0x-prefixed calldata
	Gas     uint64 `json:"gas"`
	ChainID int64  `json:"chainId"`
}

// Builder builds unsigned escrow and ERC-20 transactions.
type Builder struct {
	backend Backend
}

// NewBuilder creates a transaction builder on the given chain backend.
func NewBuilder(backend Backend) *Builder {
	return &Builder{backend: backend}
}

// ApiDeliveryParams are the Chainlink Functions request parameters for
// delivering an api-approval listing.
type ApiDeliveryParams struct {
	SlotID         uint8
	SecretsVersion uint64
	SubscriptionID uint64
	GasLimit       uint32
	DonID          [32]byte
}

// CreateListing builds the createListing transaction.
func (b *Builder) CreateListing(ctx context.Context, from common.Address, id [32]byte, tokenAddr common.Address, amount *big.Int, expiration uint64, escrowType uint8) (*Envelope, error) {
	data, err := b.backend.PackEscrow("createListing", id, tokenAddr, amount, expiration, escrowType)
	if err != nil {
		return nil, err
	}
	return b.escrowEnvelope(ctx, "createListing", from, data, nil, DefaultGasCreateListing, GasBufferMultiplier), nil
}

// ApproveToken builds an ERC-20 approve granting the escrow contract
// spending rights over the buyer's tokens.
func (b *Builder) ApproveToken(ctx context.Context, from, tokenAddr common.Address, amount *big.Int) (*Envelope, error) {
	spender := b.backend.EscrowAddress()
	data, err := b.backend.PackERC20("approve", spender, amount)
	if err != nil {
		return nil, err
	}

	est := b.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &tokenAddr,
		Data: data,
	}, DefaultGasApprove, GasBufferMultiplier)
	b.observe("approve", est)

	return b.envelope(from, tokenAddr, nil, data, est.Limit), nil
}

// FillListing builds the fillListing transaction. Api-approval fills
// carry a larger fallback because the encoded oracle request inflates
// the calldata.
func (b *Builder) FillListing(ctx context.Context, from common.Address, id [32]byte, deadline uint64, extraData []byte, apiApproval bool) (*Envelope, error) {
	data, err := b.backend.PackEscrow("fillListing", id, deadline, extraData)
	if err != nil {
		return nil, err
	}
	fallback := DefaultGasFillListing
	if apiApproval {
		fallback = DefaultGasFillApiApproval
	}
	return b.escrowEnvelope(ctx, "fillListing", from, data, nil, fallback, GasBufferMultiplier), nil
}

// DeliverDisputable builds the deliverDisputableListing transaction.
func (b *Builder) DeliverDisputable(ctx context.Context, from common.Address, id [32]byte) (*Envelope, error) {
	data, err := b.backend.PackEscrow("deliverDisputableListing", id)
	if err != nil {
		return nil, err
	}
	return b.escrowEnvelope(ctx, "deliverDisputableListing", from, data, nil, DefaultGasDeliverDisputable, GasBufferMultiplier), nil
}

// DeliverOnchainApproval builds the deliverOnchainApprovalListing transaction.
func (b *Builder) DeliverOnchainApproval(ctx context.Context, from common.Address, id [32]byte) (*Envelope, error) {
	data, err := b.backend.PackEscrow("deliverOnchainApprovalListing", id)
	if err != nil {
		return nil, err
	}
	return b.escrowEnvelope(ctx, "deliverOnchainApprovalListing", from, data, nil, DefaultGasDeliverOnchain, GasBufferMultiplier), nil
}

// DeliverApiApproval builds the deliverApiApprovalListing transaction,
// which triggers the Chainlink Functions verification request.
func (b *Builder) DeliverApiApproval(ctx context.Context, from common.Address, id [32]byte, p ApiDeliveryParams) (*Envelope, error) {
	data, err := b.backend.PackEscrow("deliverApiApprovalListing", id, p.SlotID, p.SecretsVersion, p.SubscriptionID, p.GasLimit, p.DonID)
	if err != nil {
		return nil, err
	}
	return b.escrowEnvelope(ctx, "deliverApiApprovalListing", from, data, nil, DefaultGasDeliverApi, ApiDeliveryGasMultiplier), nil
}

// ResolveListing builds the resolveListing transaction. toBuyer selects
// refund (true) or release to the seller (false).
func (b *Builder) ResolveListing(ctx context.Context, from common.Address, id [32]byte, toBuyer bool) (*Envelope, error) {
	data, err := b.backend.PackEscrow("resolveListing", id, toBuyer)
	if err != nil {
		return nil, err
	}
	return b.escrowEnvelope(ctx, "resolveListing", from, data, nil, DefaultGasResolveListing, GasBufferMultiplier), nil
}

// DisputeListing builds the payable disputeListing transaction carrying
// the arbitration fee as value.
func (b *Builder) DisputeListing(ctx context.Context, from common.Address, id [32]byte) (*Envelope, error) {
	data, err := b.backend.PackEscrow("disputeListing", id)
	if err != nil {
		return nil, err
	}
	fee := b.backend.ArbitrationFee(ctx)
	return b.escrowEnvelope(ctx, "disputeListing", from, data, fee, DefaultGasDisputeListing, GasBufferMultiplier), nil
}

// CancelListingBySeller builds the cancelListingBySeller transaction.
func (b *Builder) CancelListingBySeller(ctx context.Context, from common.Address, id [32]byte) (*Envelope, error) {
	data, err := b.backend.PackEscrow("cancelListingBySeller", id)
	if err != nil {
		return nil, err
	}
	return b.escrowEnvelope(ctx, "cancelListingBySeller", from, data, nil, DefaultGasCancelListing, GasBufferMultiplier), nil
}

// CancelListingByBuyer builds the cancelListingByBuyer transaction,
// which refunds a filled listing whose deadline passed undelivered.
func (b *Builder) CancelListingByBuyer(ctx context.Context, from common.Address, id [32]byte) (*Envelope, error) {
	data, err := b.backend.PackEscrow("cancelListingByBuyer", id)
	if err != nil {
		return nil, err
	}
	return b.escrowEnvelope(ctx, "cancelListingByBuyer", from, data, nil, DefaultGasCancelListing, GasBufferMultiplier), nil
}

func (b *Builder) escrowEnvelope(ctx context.Context, action string, from common.Address, data []byte, value *big.Int, fallback uint64, multiplier float64) *Envelope {
	to := b.backend.EscrowAddress()

	est := b.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: value,
		Data:  data,
	}, fallback, multiplier)
	b.observe(action, est)

	return b.envelope(from, to, value, data, est.Limit)
}

func (b *Builder) envelope(from, to common.Address, value *big.Int, data []byte, gas uint64) *Envelope {
	if value == nil {
		value = big.NewInt(0)
	}
	return &Envelope{
		From:    from.Hex(),
		To:      to.Hex(),
		Value:   value.String(),
		Data:    hexutil.Encode(data),
		Gas:     gas,
		ChainID: b.backend.Network().ChainID,
	}
}

func (b *Builder) observe(action string, est chain.GasEstimate) {
	metrics.TransactionsBuiltTotal.WithLabelValues(action).Inc()
	if est.Fallback {
		metrics.GasEstimateFallbacksTotal.WithLabelValues(action).Inc()
	}
}
