package market

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/debazaar/escrowd/internal/chain"
	"github.com/debazaar/escrowd/internal/logging"
	"github.com/debazaar/escrowd/internal/metrics"
	"github.com/debazaar/escrowd/internal/token"
	"github.com/debazaar/escrowd/internal/txbuild"
)

// ErrTokenNotWhitelisted is returned when the escrow contract does not
// accept the listing's payment token.
var ErrTokenNotWhitelisted = errors.New("token is not whitelisted by the escrow contract")

// DefaultDeadlineDays is the delivery deadline applied when a purchase
// request does not specify one.
const DefaultDeadlineDays = 7

// TxBuilder constructs the unsigned transactions the service hands to
// clients. *txbuild.Builder satisfies it.
type TxBuilder interface {
	CreateListing(ctx context.Context, from common.Address, id [32]byte, tokenAddr common.Address, amount *big.Int, expiration uint64, escrowType uint8) (*txbuild.Envelope, error)
	ApproveToken(ctx context.Context, from, tokenAddr common.Address, amount *big.Int) (*txbuild.Envelope, error)
	FillListing(ctx context.Context, from common.Address, id [32]byte, deadline uint64, extraData []byte, apiApproval bool) (*txbuild.Envelope, error)
	DeliverDisputable(ctx context.Context, from common.Address, id [32]byte) (*txbuild.Envelope, error)
	DeliverOnchainApproval(ctx context.Context, from common.Address, id [32]byte) (*txbuild.Envelope, error)
	DeliverApiApproval(ctx context.Context, from common.Address, id [32]byte, p txbuild.ApiDeliveryParams) (*txbuild.Envelope, error)
	ResolveListing(ctx context.Context, from common.Address, id [32]byte, toBuyer bool) (*txbuild.Envelope, error)
	DisputeListing(ctx context.Context, from common.Address, id [32]byte) (*txbuild.Envelope, error)
	CancelListingBySeller(ctx context.Context, from common.Address, id [32]byte) (*txbuild.Envelope, error)
	CancelListingByBuyer(ctx context.Context, from common.Address, id [32]byte) (*txbuild.Envelope, error)
}

// ChainReader is the read/verify surface of the chain client the
// service depends on. *chain.Client satisfies it.
type ChainReader interface {
	Network() chain.Network
	VerifyEscrowTx(ctx context.Context, txHash string) (*chain.Receipt, error)
	TokenDecimals(ctx context.Context, tokenAddr common.Address) uint8
	Allowance(ctx context.Context, tokenAddr, owner, spender common.Address) *big.Int
	IsTokenWhitelisted(ctx context.Context, tokenAddr common.Address) (bool, error)
	EscrowAddress() common.Address
}

// OracleConfig is the process-wide Chainlink Functions configuration
// used for api-approval fills and deliveries.
type OracleConfig struct {
	SlotID               uint8
	SecretsVersion       uint64
	SubscriptionID       uint64
	GasLimit             uint32
	DonID                [32]byte
	EncryptedSecretsUrls []byte
	TweetSource          string // oracle script for tweet_repost
	CrosschainSource     string // oracle script for crosschain_nft
}

// Service orchestrates trades: it builds unsigned transactions, verifies
// submitted receipts and advances the listing/order state machines.
type Service struct {
	store   Store
	builder TxBuilder
	chain   ChainReader
	oracle  OracleConfig
	now     func() time.Time
	locks   sync.Map // per-entity ID locks serializing state transitions
}

// NewService creates a trade orchestration service.
func NewService(store Store, builder TxBuilder, chainReader ChainReader, oracle OracleConfig) *Service {
	return &Service{
		store:   store,
		builder: builder,
		chain:   chainReader,
		oracle:  oracle,
		now:     time.Now,
	}
}

// WithClock overrides the service clock. Used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// entityLock returns a mutex for the given listing or order ID so
// concurrent confirmations of the same entity cannot race.
func (s *Service) entityLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateListingRequest contains the parameters for creating a listing.
type CreateListingRequest struct {
	Seller       string `json:"seller" binding:"required"`
	Title        string `json:"title" binding:"required"`
	Description  string `json:"description"`
	Price        string `json:"price" binding:"required"`
	Currency     string `json:"currency" binding:"required"`
	EscrowType   string `json:"escrowType" binding:"required"`
	DurationDays int    `json:"durationDays"`

	ApprovalMethod     string `json:"approvalMethod"`
	TweetUsername      string `json:"tweetUsername"`
	CrosschainRPCURL   string `json:"crosschainRpcUrl"`
	CrosschainContract string `json:"crosschainContract"`
	CrosschainTokenID  string `json:"crosschainTokenId"`

	OnchainDestination    string `json:"onchainDestination"`
	OnchainCallData       string `json:"onchainCallData"`
	OnchainExpectedResult string `json:"onchainExpectedResult"`
}

// CreateListing persists a new listing and returns it together with the
// unsigned createListing transaction. The listing starts inactive until
// the transaction is confirmed and finalized.
func (s *Service) CreateListing(ctx context.Context, req CreateListingRequest) (*Listing, *txbuild.Envelope, error) {
	escrowType := EscrowType(req.EscrowType)
	typeCode, err := escrowType.ContractCode()
	if err != nil {
		return nil, nil, err
	}
	if escrowType == EscrowApiApproval {
		if _, err := txbuild.ApiApprovalArgs(req.ApprovalMethod, nil); err != nil {
			return nil, nil, err
		}
	}

	tok, err := s.chain.Network().TokenBySymbol(req.Currency)
	if err != nil {
		return nil, nil, err
	}
	tokenAddr := common.HexToAddress(tok.Address)

	decimals := s.chain.TokenDecimals(ctx, tokenAddr)
	amount, err := token.Parse(req.Price, decimals)
	if err != nil {
		return nil, nil, err
	}

	if whitelisted, wlErr := s.chain.IsTokenWhitelisted(ctx, tokenAddr); wlErr == nil && !whitelisted {
		return nil, nil, fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, tok.Symbol)
	} else if wlErr != nil {
		// Soft check: the contract enforces this anyway, so an RPC read
		// failure must not block listing creation.
		logging.L(ctx).Warn("token whitelist check failed", "token", tok.Symbol, "error", wlErr)
	}

	durationDays := req.DurationDays
	if durationDays <= 0 {
		durationDays = DefaultDeadlineDays
	}

	now := s.now()
	id := txbuild.GenerateListingID(req.Seller, req.Title, now)
	idBytes, err := txbuild.IDToBytes32(id)
	if err != nil {
		return nil, nil, err
	}
	expiration := txbuild.ExpirationTimestamp(now, durationDays)

	env, err := s.builder.CreateListing(ctx, common.HexToAddress(req.Seller), idBytes, tokenAddr, amount, expiration, typeCode)
	if err != nil {
		return nil, nil, fmt.Errorf("build createListing transaction: %w", err)
	}

	listing := &Listing{
		ID:               id,
		Seller:           strings.ToLower(req.Seller),
		Title:            req.Title,
		Description:      req.Description,
		Price:            req.Price,
		Currency:         tok.Symbol,
		TokenAddress:     tok.Address,
		Amount:           amount.String(),
		EscrowType:       escrowType,
		DurationDays:     durationDays,
		Expiration:       expiration,
		Status:           ListingInactive,
		BlockchainStatus: BlockchainPendingTx,

		ApprovalMethod:     req.ApprovalMethod,
		TweetUsername:      req.TweetUsername,
		CrosschainRPCURL:   req.CrosschainRPCURL,
		CrosschainContract: req.CrosschainContract,
		CrosschainTokenID:  req.CrosschainTokenID,

		OnchainDestination:    req.OnchainDestination,
		OnchainCallData:       req.OnchainCallData,
		OnchainExpectedResult: req.OnchainExpectedResult,

		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateListing(ctx, listing); err != nil {
		return nil, nil, fmt.Errorf("persist listing: %w", err)
	}
	metrics.ListingsTotal.WithLabelValues(string(ListingInactive)).Inc()

	return listing, env, nil
}

// ConfirmListingTx records the broadcast transaction hash for a pending
// listing. Seller only.
func (s *Service) ConfirmListingTx(ctx context.Context, id, callerAddr, txHash string) (*Listing, error) {
	mu := s.entityLock(id)
	mu.Lock()
	defer mu.Unlock()

	listing, err := s.store.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(callerAddr, listing.Seller) {
		return nil, ErrUnauthorized
	}
	if listing.Status != ListingInactive || listing.BlockchainStatus != BlockchainPendingTx {
		return nil, ErrInvalidStatus
	}

	listing.CreationTxHash = txHash
	listing.BlockchainStatus = BlockchainPendingConfirmation
	listing.UpdatedAt = s.now()

	if err := s.store.UpdateListing(ctx, listing); err != nil {
		return nil, err
	}
	return listing, nil
}

// FinalizeListing verifies the creation receipt and opens the listing.
func (s *Service) FinalizeListing(ctx context.Context, id, callerAddr string) (*Listing, error) {
	mu := s.entityLock(id)
	mu.Lock()
	defer mu.Unlock()

	listing, err := s.store.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(callerAddr, listing.Seller) {
		return nil, ErrUnauthorized
	}
	if listing.Status != ListingInactive || listing.BlockchainStatus != BlockchainPendingConfirmation {
		return nil, ErrInvalidStatus
	}

	if _, err := s.verifyReceipt(ctx, listing.CreationTxHash); err != nil {
		return nil, err
	}

	listing.Status = ListingOpen
	listing.BlockchainStatus = BlockchainConfirmed
	listing.UpdatedAt = s.now()

	if err := s.store.UpdateListing(ctx, listing); err != nil {
		return nil, err
	}
	metrics.ListingsTotal.WithLabelValues(string(ListingOpen)).Inc()
	return listing, nil
}

// GetListing returns a listing by ID.
func (s *Service) GetListing(ctx context.Context, id string) (*Listing, error) {
	return s.store.GetListing(ctx, id)
}

// ListListings returns listings, optionally filtered by status.
func (s *Service) ListListings(ctx context.Context, status ListingStatus, limit int) ([]*Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListListings(ctx, status, limit)
}

// CancelListing builds the cancel transaction. Sellers cancel open
// listings; buyers cancel filled listings whose delivery deadline has
// passed (the contract refunds them).
func (s *Service) CancelListing(ctx context.Context, id, callerAddr string) (*txbuild.Envelope, error) {
	listing, err := s.store.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	idBytes, err := txbuild.IDToBytes32(listing.ID)
	if err != nil {
		return nil, err
	}

	switch listing.Status {
	case ListingOpen:
		if !strings.EqualFold(callerAddr, listing.Seller) {
			return nil, ErrUnauthorized
		}
		return s.builder.CancelListingBySeller(ctx, common.HexToAddress(callerAddr), idBytes)
	case ListingFilled:
		order, err := s.store.GetActiveOrderByListing(ctx, listing.ID)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(callerAddr, order.Buyer) {
			return nil, ErrUnauthorized
		}
		if uint64(s.now().Unix()) <= order.Deadline {
			return nil, ErrDeadlineNotPast
		}
		return s.builder.CancelListingByBuyer(ctx, common.HexToAddress(callerAddr), idBytes)
	default:
		return nil, ErrInvalidStatus
	}
}

// ConfirmCancelListing verifies the cancel receipt and closes the listing.
func (s *Service) ConfirmCancelListing(ctx context.Context, id, txHash string) (*Listing, error) {
	mu := s.entityLock(id)
	mu.Lock()
	defer mu.Unlock()

	listing, err := s.store.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if listing.Status != ListingOpen && listing.Status != ListingFilled {
		return nil, ErrInvalidStatus
	}

	if _, err := s.verifyReceipt(ctx, txHash); err != nil {
		return nil, err
	}

	listing.Status = ListingCanceled
	listing.UpdatedAt = s.now()
	if err := s.store.UpdateListing(ctx, listing); err != nil {
		return nil, err
	}
	metrics.ListingsTotal.WithLabelValues(string(ListingCanceled)).Inc()
	return listing, nil
}

// ApprovalRequest contains the parameters for building an ERC-20 approve.
type ApprovalRequest struct {
	Owner    string `json:"owner" binding:"required"`
	Currency string `json:"currency" binding:"required"`
	Amount   string `json:"amount" binding:"required"` // token units, decimal
}

// Approval reports the current allowance and, when insufficient, carries
// the approve transaction to sign.
type Approval struct {
	Allowance   string            `json:"allowance"` // minor units
	Required    string            `json:"required"`
	Sufficient  bool              `json:"sufficient"`
	Transaction *txbuild.Envelope `json:"transaction,omitempty"`
}

// BuildApproval checks the owner's allowance toward the escrow contract
// and builds an approve transaction when it falls short.
func (s *Service) BuildApproval(ctx context.Context, req ApprovalRequest) (*Approval, error) {
	tok, err := s.chain.Network().TokenBySymbol(req.Currency)
	if err != nil {
		return nil, err
	}
	tokenAddr := common.HexToAddress(tok.Address)
	owner := common.HexToAddress(req.Owner)

	decimals := s.chain.TokenDecimals(ctx, tokenAddr)
	required, err := token.Parse(req.Amount, decimals)
	if err != nil {
		return nil, err
	}

	allowance := s.chain.Allowance(ctx, tokenAddr, owner, s.chain.EscrowAddress())
	approval := &Approval{
		Allowance:  allowance.String(),
		Required:   required.String(),
		Sufficient: allowance.Cmp(required) >= 0,
	}
	if approval.Sufficient {
		return approval, nil
	}

	env, err := s.builder.ApproveToken(ctx, owner, tokenAddr, required)
	if err != nil {
		return nil, fmt.Errorf("build approve transaction: %w", err)
	}
	approval.Transaction = env
	return approval, nil
}

// PurchaseRequest contains the parameters for filling a listing.
type PurchaseRequest struct {
	Buyer        string `json:"buyer" binding:"required"`
	DeadlineDays int    `json:"deadlineDays"`
	TweetID      string `json:"tweetId"` // tweet_repost api approval only
}

// Purchase creates an order against an open listing and returns the
// unsigned fillListing transaction.
func (s *Service) Purchase(ctx context.Context, listingID string, req PurchaseRequest) (*Order, *txbuild.Envelope, error) {
	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, nil, err
	}
	if listing.Status != ListingOpen || listing.BlockchainStatus != BlockchainConfirmed {
		return nil, nil, ErrInvalidStatus
	}
	if strings.EqualFold(req.Buyer, listing.Seller) {
		return nil, nil, ErrSameParty
	}

	deadlineDays := req.DeadlineDays
	if deadlineDays <= 0 {
		deadlineDays = DefaultDeadlineDays
	}

	now := s.now()
	deadline := txbuild.ExpirationTimestamp(now, deadlineDays)

	extraData, err := s.fillExtraData(listing, req)
	if err != nil {
		return nil, nil, err
	}

	idBytes, err := txbuild.IDToBytes32(listing.ID)
	if err != nil {
		return nil, nil, err
	}

	env, err := s.builder.FillListing(ctx, common.HexToAddress(req.Buyer), idBytes, deadline, extraData, listing.EscrowType == EscrowApiApproval)
	if err != nil {
		return nil, nil, fmt.Errorf("build fillListing transaction: %w", err)
	}

	order := &Order{
		ID:           txbuild.GenerateOrderID(listing.ID, req.Buyer, now),
		ListingID:    listing.ID,
		Buyer:        strings.ToLower(req.Buyer),
		Seller:       listing.Seller,
		Amount:       listing.Amount,
		TokenAddress: listing.TokenAddress,
		Status:       OrderCreated,
		Deadline:     deadline,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, nil, fmt.Errorf("persist order: %w", err)
	}
	metrics.OrdersTotal.WithLabelValues(string(OrderCreated)).Inc()

	return order, env, nil
}

// fillExtraData builds the escrow-type specific fill payload.
func (s *Service) fillExtraData(listing *Listing, req PurchaseRequest) ([]byte, error) {
	switch listing.EscrowType {
	case EscrowDisputable:
		return []byte{}, nil
	case EscrowOnchainApproval:
		callData, err := decodeHexField("onchainCallData", listing.OnchainCallData)
		if err != nil {
			return nil, err
		}
		expected, err := decodeHexField("onchainExpectedResult", listing.OnchainExpectedResult)
		if err != nil {
			return nil, err
		}
		return txbuild.EncodeOnchainApprovalExtraData(common.HexToAddress(listing.OnchainDestination), callData, expected)
	case EscrowApiApproval:
		params, source, err := s.approvalParams(listing, req)
		if err != nil {
			return nil, err
		}
		args, err := txbuild.ApiApprovalArgs(listing.ApprovalMethod, params)
		if err != nil {
			return nil, err
		}
		return txbuild.EncodeApiApprovalExtraData(source, s.oracle.EncryptedSecretsUrls, args)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEscrow, listing.EscrowType)
	}
}

// approvalParams assembles the oracle arguments from listing-level
// configuration plus the purchase request.
func (s *Service) approvalParams(listing *Listing, req PurchaseRequest) (map[string]string, string, error) {
	switch listing.ApprovalMethod {
	case txbuild.ApprovalMethodTweetRepost:
		return map[string]string{
			"tweet_id": req.TweetID,
			"username": listing.TweetUsername,
		}, s.oracle.TweetSource, nil
	case txbuild.ApprovalMethodCrosschainNFT:
		return map[string]string{
			"rpc_url":        listing.CrosschainRPCURL,
			"nft_contract":   listing.CrosschainContract,
			"token_id":       listing.CrosschainTokenID,
			"expected_owner": req.Buyer,
		}, s.oracle.CrosschainSource, nil
	default:
		return nil, "", fmt.Errorf("%w: %s", txbuild.ErrUnknownApprovalMethod, listing.ApprovalMethod)
	}
}

// ConfirmPayment verifies the fill receipt: order → paid, listing → filled.
func (s *Service) ConfirmPayment(ctx context.Context, orderID, txHash string) (*Order, error) {
	mu := s.entityLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderCreated {
		return nil, ErrInvalidStatus
	}

	if _, err := s.verifyReceipt(ctx, txHash); err != nil {
		return nil, err
	}

	now := s.now()
	order.Status = OrderPaid
	order.EscrowTxHash = txHash
	order.UpdatedAt = now
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	metrics.OrdersTotal.WithLabelValues(string(OrderPaid)).Inc()

	if err := s.advanceListing(ctx, order.ListingID, ListingOpen, ListingFilled, now); err != nil {
		logging.L(ctx).Error("order paid but listing not advanced", "order", order.ID, "listing", order.ListingID, "error", err)
	}
	return order, nil
}

// Deliver builds the delivery transaction for a paid order. Seller only;
// the envelope shape depends on the listing's escrow type.
func (s *Service) Deliver(ctx context.Context, orderID, callerAddr string) (*txbuild.Envelope, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(callerAddr, order.Seller) {
		return nil, ErrUnauthorized
	}
	if order.Status != OrderPaid {
		return nil, ErrInvalidStatus
	}

	listing, err := s.store.GetListing(ctx, order.ListingID)
	if err != nil {
		return nil, err
	}
	idBytes, err := txbuild.IDToBytes32(listing.ID)
	if err != nil {
		return nil, err
	}
	from := common.HexToAddress(callerAddr)

	switch listing.EscrowType {
	case EscrowDisputable:
		return s.builder.DeliverDisputable(ctx, from, idBytes)
	case EscrowOnchainApproval:
		return s.builder.DeliverOnchainApproval(ctx, from, idBytes)
	case EscrowApiApproval:
		return s.builder.DeliverApiApproval(ctx, from, idBytes, txbuild.ApiDeliveryParams{
			SlotID:         s.oracle.SlotID,
			SecretsVersion: s.oracle.SecretsVersion,
			SubscriptionID: s.oracle.SubscriptionID,
			GasLimit:       s.oracle.GasLimit,
			DonID:          s.oracle.DonID,
		})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEscrow, listing.EscrowType)
	}
}

// ConfirmDelivery verifies the delivery receipt: order and listing → delivered.
func (s *Service) ConfirmDelivery(ctx context.Context, orderID, txHash string) (*Order, error) {
	mu := s.entityLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderPaid {
		return nil, ErrInvalidStatus
	}

	if _, err := s.verifyReceipt(ctx, txHash); err != nil {
		return nil, err
	}

	now := s.now()
	order.Status = OrderDelivered
	order.DeliveryTxHash = txHash
	order.DeliveredAt = &now
	order.UpdatedAt = now
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	metrics.OrdersTotal.WithLabelValues(string(OrderDelivered)).Inc()

	if err := s.advanceListing(ctx, order.ListingID, ListingFilled, ListingDelivered, now); err != nil {
		logging.L(ctx).Error("order delivered but listing not advanced", "order", order.ID, "listing", order.ListingID, "error", err)
	}
	return order, nil
}

// Accept builds the resolveListing transaction releasing funds to the
// seller. Buyer only, from delivered. The order moves to confirmed while
// the acceptance receipt is pending.
func (s *Service) Accept(ctx context.Context, orderID, callerAddr string) (*Order, *txbuild.Envelope, error) {
	mu := s.entityLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if !strings.EqualFold(callerAddr, order.Buyer) {
		return nil, nil, ErrUnauthorized
	}
	if order.Status != OrderDelivered {
		return nil, nil, ErrInvalidStatus
	}

	idBytes, err := txbuild.IDToBytes32(order.ListingID)
	if err != nil {
		return nil, nil, err
	}
	env, err := s.builder.ResolveListing(ctx, common.HexToAddress(callerAddr), idBytes, false)
	if err != nil {
		return nil, nil, fmt.Errorf("build resolveListing transaction: %w", err)
	}

	order.Status = OrderConfirmed
	order.UpdatedAt = s.now()
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return nil, nil, err
	}
	metrics.OrdersTotal.WithLabelValues(string(OrderConfirmed)).Inc()
	return order, env, nil
}

// ConfirmAcceptance verifies the acceptance receipt: order → completed,
// listing → released.
func (s *Service) ConfirmAcceptance(ctx context.Context, orderID, txHash string) (*Order, error) {
	mu := s.entityLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderConfirmed && order.Status != OrderDelivered {
		return nil, ErrInvalidStatus
	}

	if _, err := s.verifyReceipt(ctx, txHash); err != nil {
		return nil, err
	}

	now := s.now()
	order.Status = OrderCompleted
	order.ResolveTxHash = txHash
	order.UpdatedAt = now
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	metrics.OrdersTotal.WithLabelValues(string(OrderCompleted)).Inc()

	if err := s.advanceListing(ctx, order.ListingID, ListingDelivered, ListingReleased, now); err != nil {
		logging.L(ctx).Error("order completed but listing not advanced", "order", order.ID, "listing", order.ListingID, "error", err)
	}
	return order, nil
}

// Dispute builds the payable disputeListing transaction. Buyer or
// seller, from paid or delivered.
func (s *Service) Dispute(ctx context.Context, orderID, callerAddr string) (*txbuild.Envelope, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(callerAddr, order.Buyer) && !strings.EqualFold(callerAddr, order.Seller) {
		return nil, ErrUnauthorized
	}
	if order.Status != OrderPaid && order.Status != OrderDelivered {
		return nil, ErrInvalidStatus
	}

	idBytes, err := txbuild.IDToBytes32(order.ListingID)
	if err != nil {
		return nil, err
	}
	return s.builder.DisputeListing(ctx, common.HexToAddress(callerAddr), idBytes)
}

// ConfirmDispute verifies the dispute receipt, moves the order and
// listing to disputed and opens the Dispute record.
func (s *Service) ConfirmDispute(ctx context.Context, orderID, initiator, reason, txHash string) (*Order, *Dispute, error) {
	mu := s.entityLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if !strings.EqualFold(initiator, order.Buyer) && !strings.EqualFold(initiator, order.Seller) {
		return nil, nil, ErrUnauthorized
	}
	if order.Status != OrderPaid && order.Status != OrderDelivered {
		return nil, nil, ErrInvalidStatus
	}

	if _, err := s.verifyReceipt(ctx, txHash); err != nil {
		return nil, nil, err
	}

	now := s.now()
	order.Status = OrderDisputed
	order.DisputeTxHash = txHash
	order.UpdatedAt = now
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return nil, nil, err
	}
	metrics.OrdersTotal.WithLabelValues(string(OrderDisputed)).Inc()

	dispute := &Dispute{
		ID:        generateDisputeID(),
		OrderID:   order.ID,
		Initiator: strings.ToLower(initiator),
		Reason:    reason,
		Status:    DisputeOpen,
		TxHash:    txHash,
		CreatedAt: now,
	}
	if err := s.store.CreateDispute(ctx, dispute); err != nil {
		return nil, nil, fmt.Errorf("persist dispute: %w", err)
	}

	if err := s.advanceListing(ctx, order.ListingID, "", ListingDisputed, now); err != nil {
		logging.L(ctx).Error("order disputed but listing not advanced", "order", order.ID, "listing", order.ListingID, "error", err)
	}
	return order, dispute, nil
}

// GetOrder returns an order by ID.
func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.store.GetOrder(ctx, id)
}

// ListOrders returns orders, optionally filtered by status.
func (s *Service) ListOrders(ctx context.Context, status OrderStatus, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListOrders(ctx, status, limit)
}

// ListDisputes returns the disputes raised against an order.
func (s *Service) ListDisputes(ctx context.Context, orderID string) ([]*Dispute, error) {
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.ListDisputesByOrder(ctx, orderID)
}

// advanceListing moves a listing forward under its own lock. An empty
// from status means any filled-or-later state is acceptable (disputes
// can arrive from either paid or delivered).
func (s *Service) advanceListing(ctx context.Context, listingID string, from, to ListingStatus, now time.Time) error {
	mu := s.entityLock(listingID)
	mu.Lock()
	defer mu.Unlock()

	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return err
	}
	if from != "" && listing.Status != from {
		return fmt.Errorf("%w: listing %s is %s, want %s", ErrInvalidStatus, listingID, listing.Status, from)
	}
	if from == "" && listing.Status != ListingFilled && listing.Status != ListingDelivered {
		return fmt.Errorf("%w: listing %s is %s", ErrInvalidStatus, listingID, listing.Status)
	}

	listing.Status = to
	listing.UpdatedAt = now
	if err := s.store.UpdateListing(ctx, listing); err != nil {
		return err
	}
	metrics.ListingsTotal.WithLabelValues(string(to)).Inc()
	return nil
}

// verifyReceipt checks a transaction hash against the chain: mined,
// successful, and sent to the escrow contract. Failures leave entity
// state untouched so the caller can retry the confirmation.
func (s *Service) verifyReceipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	receipt, err := s.chain.VerifyEscrowTx(ctx, txHash)
	if err != nil {
		metrics.ReceiptVerificationsTotal.WithLabelValues(verificationResult(err)).Inc()
		return nil, err
	}
	metrics.ReceiptVerificationsTotal.WithLabelValues("verified").Inc()
	return receipt, nil
}

func verificationResult(err error) string {
	switch {
	case errors.Is(err, chain.ErrWrongDestination):
		return "wrong_destination"
	case errors.Is(err, chain.ErrTransactionReverted):
		return "reverted"
	case errors.Is(err, chain.ErrTransactionPending):
		return "pending"
	default:
		return "error"
	}
}

func decodeHexField(name, value string) ([]byte, error) {
	if value == "" {
		return []byte{}, nil
	}
	decoded, err := hexutil.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return decoded, nil
}
