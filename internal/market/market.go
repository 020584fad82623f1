// Package market mirrors the lifecycle of peer-to-peer escrow trades
// between the off-chain store and the on-chain escrow contract.
//
// Flow:
//  1. Seller creates a listing → createListing tx built, record inactive
//  2. Tx hash recorded, receipt verified → listing open
//  3. Buyer purchases → fillListing tx built, order created
//  4. Fill receipt verified → order paid, listing filled
//  5. Seller delivers → delivery tx per escrow type, receipt → delivered
//  6. Buyer accepts (resolveListing) or either party disputes
//
// Every forward transition requires a verified receipt whose destination
// is the escrow contract; the chain stays the source of truth.
package market

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"
)

var (
	ErrListingNotFound = errors.New("listing not found")
	ErrOrderNotFound   = errors.New("order not found")
	ErrUnauthorized    = errors.New("not authorized for this trade operation")
	ErrInvalidStatus   = errors.New("invalid status for this operation")
	ErrSameParty       = errors.New("buyer and seller cannot be the same address")
	ErrUnknownEscrow   = errors.New("unknown escrow type")
	ErrDeadlineNotPast = errors.New("order deadline has not passed")
	ErrDuplicateID     = errors.New("record with this id already exists")
)

// EscrowType selects the delivery-approval mechanism of a listing.
type EscrowType string

const (
	EscrowApiApproval     EscrowType = "api_approval"     // oracle-checked off-chain condition
	EscrowOnchainApproval EscrowType = "onchain_approval" // oracle-checked on-chain condition
	EscrowDisputable      EscrowType = "disputable"       // human arbitration
)

// escrowTypeCodes maps each escrow type to the contract's enum value.
// The ordering is the contract's, not ours; VerifyEnumTables asserts it
// at startup so a careless edit here fails fast instead of building
// transactions with the wrong enum.
var escrowTypeCodes = map[EscrowType]uint8{
	EscrowApiApproval:     0,
	EscrowOnchainApproval: 1,
	EscrowDisputable:      2,
}

// ContractCode returns the contract enum value for the escrow type.
func (t EscrowType) ContractCode() (uint8, error) {
	code, ok := escrowTypeCodes[t]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEscrow, t)
	}
	return code, nil
}

// ListingStatus is the off-chain lifecycle state of a listing.
type ListingStatus string

const (
	ListingInactive  ListingStatus = "inactive" // created, tx not yet confirmed
	ListingOpen      ListingStatus = "open"
	ListingFilled    ListingStatus = "filled"
	ListingDelivered ListingStatus = "delivered"
	ListingReleased  ListingStatus = "released"
	ListingRefunded  ListingStatus = "refunded"
	ListingDisputed  ListingStatus = "disputed"
	ListingCanceled  ListingStatus = "canceled"
)

// listingStateCodes maps confirmed listing statuses to the contract's
// ListingState enum. Inactive has no on-chain counterpart.
var listingStateCodes = map[ListingStatus]uint8{
	ListingOpen:      0,
	ListingFilled:    1,
	ListingDelivered: 2,
	ListingReleased:  3,
	ListingRefunded:  4,
	ListingDisputed:  5,
	ListingCanceled:  6,
}

// ContractCode returns the contract enum value for the listing status.
func (s ListingStatus) ContractCode() (uint8, bool) {
	code, ok := listingStateCodes[s]
	return code, ok
}

// VerifyEnumTables asserts that the enum mapping tables match the
// contract's numeric ordering. Called once at startup.
func VerifyEnumTables() error {
	wantEscrow := []struct {
		t    EscrowType
		code uint8
	}{
		{EscrowApiApproval, 0},
		{EscrowOnchainApproval, 1},
		{EscrowDisputable, 2},
	}
	if len(escrowTypeCodes) != len(wantEscrow) {
		return fmt.Errorf("escrow type table has %d entries, want %d", len(escrowTypeCodes), len(wantEscrow))
	}
	for _, w := range wantEscrow {
		if got, ok := escrowTypeCodes[w.t]; !ok || got != w.code {
			return fmt.Errorf("escrow type %s maps to %d, contract expects %d", w.t, got, w.code)
		}
	}

	wantState := []struct {
		s    ListingStatus
		code uint8
	}{
		{ListingOpen, 0},
		{ListingFilled, 1},
		{ListingDelivered, 2},
		{ListingReleased, 3},
		{ListingRefunded, 4},
		{ListingDisputed, 5},
		{ListingCanceled, 6},
	}
	if len(listingStateCodes) != len(wantState) {
		return fmt.Errorf("listing state table has %d entries, want %d", len(listingStateCodes), len(wantState))
	}
	for _, w := range wantState {
		if got, ok := listingStateCodes[w.s]; !ok || got != w.code {
			return fmt.Errorf("listing state %s maps to %d, contract expects %d", w.s, got, w.code)
		}
	}
	return nil
}

// BlockchainStatus tracks how far a listing's creation transaction has
// progressed on chain.
type BlockchainStatus string

const (
	BlockchainPendingTx           BlockchainStatus = "pending_tx"           // tx built, not yet broadcast
	BlockchainPendingConfirmation BlockchainStatus = "pending_confirmation" // hash recorded, awaiting receipt
	BlockchainConfirmed           BlockchainStatus = "confirmed"
)

// OrderStatus is the off-chain lifecycle state of an order.
type OrderStatus string

const (
	OrderCreated   OrderStatus = "created"   // fill tx built, not yet verified
	OrderPaid      OrderStatus = "paid"      // fill receipt verified, funds escrowed
	OrderDelivered OrderStatus = "delivered" // delivery receipt verified
	OrderConfirmed OrderStatus = "confirmed" // buyer signed acceptance, awaiting receipt
	OrderCompleted OrderStatus = "completed" // acceptance receipt verified, funds released
	OrderDisputed  OrderStatus = "disputed"  // dispute receipt verified
)

// IsTerminal returns true once the order can no longer advance.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderCompleted || s == OrderDisputed
}

// Listing is a sell offer mirrored between the store and the contract.
type Listing struct {
	ID               string           `json:"id"` // 0x + 64 hex, the on-chain listing id
	Seller           string           `json:"seller"`
	Title            string           `json:"title"`
	Description      string           `json:"description,omitempty"`
	Price            string           `json:"price"`    // decimal, as entered
	Currency         string           `json:"currency"` // token symbol
	TokenAddress     string           `json:"tokenAddress"`
	Amount           string           `json:"amount"` // minor units, decimal string
	EscrowType       EscrowType       `json:"escrowType"`
	DurationDays     int              `json:"durationDays"`
	Expiration       uint64           `json:"expiration"` // unix seconds
	Status           ListingStatus    `json:"status"`
	BlockchainStatus BlockchainStatus `json:"blockchainStatus"`
	CreationTxHash   string           `json:"creationTxHash,omitempty"`

	// Api-approval parameters, empty for other escrow types.
	ApprovalMethod     string `json:"approvalMethod,omitempty"`
	TweetUsername      string `json:"tweetUsername,omitempty"`
	CrosschainRPCURL   string `json:"crosschainRpcUrl,omitempty"`
	CrosschainContract string `json:"crosschainContract,omitempty"`
	CrosschainTokenID  string `json:"crosschainTokenId,omitempty"`

	// Onchain-approval parameters: a static call the contract replays
	// at delivery time, with the result it must produce. 0x hex.
	OnchainDestination    string `json:"onchainDestination,omitempty"`
	OnchainCallData       string `json:"onchainCallData,omitempty"`
	OnchainExpectedResult string `json:"onchainExpectedResult,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Order is one buyer's fill of a listing.
type Order struct {
	ID           string      `json:"id"` // 0x + 64 hex
	ListingID    string      `json:"listingId"`
	Buyer        string      `json:"buyer"`
	Seller       string      `json:"seller"`
	Amount       string      `json:"amount"` // minor units, copied from listing
	TokenAddress string      `json:"tokenAddress"`
	Status       OrderStatus `json:"status"`
	Deadline     uint64      `json:"deadline"` // unix seconds

	EscrowTxHash   string `json:"escrowTxHash,omitempty"` // fill transaction
	DeliveryTxHash string `json:"deliveryTxHash,omitempty"`
	ResolveTxHash  string `json:"resolveTxHash,omitempty"`
	DisputeTxHash  string `json:"disputeTxHash,omitempty"`

	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// DisputeStatus is the arbitration state of a dispute.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Dispute records one dispute raised against an order. At most one per
// order; terminal once resolved.
type Dispute struct {
	ID         string        `json:"id"`
	OrderID    string        `json:"orderId"`
	Initiator  string        `json:"initiator"` // buyer or seller address
	Reason     string        `json:"reason,omitempty"`
	Status     DisputeStatus `json:"status"`
	Resolution string        `json:"resolution,omitempty"`
	TxHash     string        `json:"txHash,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`
}

// Store persists listings, orders and disputes.
type Store interface {
	CreateListing(ctx context.Context, listing *Listing) error
	GetListing(ctx context.Context, id string) (*Listing, error)
	UpdateListing(ctx context.Context, listing *Listing) error
	ListListings(ctx context.Context, status ListingStatus, limit int) ([]*Listing, error)

	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	UpdateOrder(ctx context.Context, order *Order) error
	ListOrders(ctx context.Context, status OrderStatus, limit int) ([]*Order, error)
	// GetActiveOrderByListing returns the non-terminal order filling the
	// listing, or ErrOrderNotFound when none exists.
	GetActiveOrderByListing(ctx context.Context, listingID string) (*Order, error)
	// ListDeliveredBefore returns delivered orders whose delivery
	// timestamp is older than the cutoff. Used by the eligibility scanner.
	ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error)

	CreateDispute(ctx context.Context, dispute *Dispute) error
	ListDisputesByOrder(ctx context.Context, orderID string) ([]*Dispute, error)
}

func generateDisputeID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("dsp_%x", b)
}
