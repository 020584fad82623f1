package market

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debazaar/escrowd/internal/chain"
	"github.com/debazaar/escrowd/internal/txbuild"
)

const (
	sellerAddr   = "0x1111111111111111111111111111111111111111"
	buyerAddr    = "0x3333333333333333333333333333333333333333"
	strangerAddr = "0x9999999999999999999999999999999999999999"
	escrowAddr   = "0x8e601797f52AECD270484151Cc39C4074e0E861E"
)

const goodTxHash = "0xab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12"

// fakeBuilder returns canned envelopes and records the last action.
type fakeBuilder struct {
	lastAction string
	err        error
}

func (f *fakeBuilder) env(action string) (*txbuild.Envelope, error) {
	f.lastAction = action
	if f.err != nil {
		return nil, f.err
	}
	return &txbuild.Envelope{
		To:      escrowAddr,
		Value:   "0",
		Data:    "0xdeadbeef",
		Gas:     200_000,
		ChainID: 421614,
	}, nil
}

func (f *fakeBuilder) CreateListing(ctx context.Context, from common.Address, id [32]byte, tokenAddr common.Address, amount *big.Int, expiration uint64, escrowType uint8) (*txbuild.Envelope, error) {
	return f.env("createListing")
}

func (f *fakeBuilder) ApproveToken(ctx context.Context, from, tokenAddr common.Address, amount *big.Int) (*txbuild.Envelope, error) {
	return f.env("approve")
}

func (f *fakeBuilder) FillListing(ctx context.Context, from common.Address, id [32]byte, deadline uint64, extraData []byte, apiApproval bool) (*txbuild.Envelope, error) {
	return f.env("fillListing")
}

func (f *fakeBuilder) DeliverDisputable(ctx context.Context, from common.Address, id [32]byte) (*txbuild.Envelope, error) {
	return f.env("deliverDisputableListing")
}

func (f *fakeBuilder) DeliverOnchainApproval(ctx context.Context, from common.Address, id [32]byte) (*txbuild.Envelope, error) {
	return f.env("deliverOnchainApprovalListing")
}

func (f *fakeBuilder) DeliverApiApproval(ctx context.Context, from common.Address, id [32]byte, p txbuild.ApiDeliveryParams) (*txbuild.Envelope, error) {
	return f.env("deliverApiApprovalListing")
}

func (f *fakeBuilder) ResolveListing(ctx context.Context, from common.Address, id [32]byte, toBuyer bool) (*txbuild.Envelope, error) {
	return f.env("resolveListing")
}

func (f *fakeBuilder) DisputeListing(ctx context.Context, from common.Address, id [32]byte) (*txbuild.Envelope, error) {
	return f.env("disputeListing")
}

func (f *fakeBuilder) CancelListingBySeller(ctx context.Context, from common.Address, id [32]byte) (*txbuild.Envelope, error) {
	return f.env("cancelListingBySeller")
}

func (f *fakeBuilder) CancelListingByBuyer(ctx context.Context, from common.Address, id [32]byte) (*txbuild.Envelope, error) {
	return f.env("cancelListingByBuyer")
}

// fakeChain scripts the receipt verification outcome.
type fakeChain struct {
	verifyErr error
	allowance *big.Int
}

func (f *fakeChain) Network() chain.Network {
	n, _ := chain.GetNetwork("arbitrum_sepolia")
	return n
}

func (f *fakeChain) VerifyEscrowTx(ctx context.Context, txHash string) (*chain.Receipt, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return &chain.Receipt{TxHash: txHash, Status: 1, To: escrowAddr}, nil
}

func (f *fakeChain) TokenDecimals(ctx context.Context, tokenAddr common.Address) uint8 {
	return 6
}

func (f *fakeChain) Allowance(ctx context.Context, tokenAddr, owner, spender common.Address) *big.Int {
	if f.allowance == nil {
		return big.NewInt(0)
	}
	return f.allowance
}

func (f *fakeChain) IsTokenWhitelisted(ctx context.Context, tokenAddr common.Address) (bool, error) {
	return true, nil
}

func (f *fakeChain) EscrowAddress() common.Address {
	return common.HexToAddress(escrowAddr)
}

func newTestService(t *testing.T) (*Service, *fakeBuilder, *fakeChain) {
	t.Helper()
	builder := &fakeBuilder{}
	fc := &fakeChain{}
	svc := NewService(NewMemoryStore(), builder, fc, OracleConfig{
		SubscriptionID: 42,
		GasLimit:       300_000,
		TweetSource:    "return Functions.encodeUint256(1);",
	})
	return svc, builder, fc
}

func createListingReq() CreateListingRequest {
	return CreateListingRequest{
		Seller:     sellerAddr,
		Title:      "rare sticker pack",
		Price:      "100.50",
		Currency:   "USDC",
		EscrowType: "disputable",
	}
}

// openListing walks a fresh listing through confirm and finalize.
func openListing(t *testing.T, svc *Service) *Listing {
	t.Helper()
	ctx := context.Background()

	listing, tx, err := svc.CreateListing(ctx, createListingReq())
	require.NoError(t, err)
	require.NotNil(t, tx)

	_, err = svc.ConfirmListingTx(ctx, listing.ID, sellerAddr, goodTxHash)
	require.NoError(t, err)

	listing, err = svc.FinalizeListing(ctx, listing.ID, sellerAddr)
	require.NoError(t, err)
	require.Equal(t, ListingOpen, listing.Status)
	return listing
}

// paidOrder opens a listing and confirms a purchase against it.
func paidOrder(t *testing.T, svc *Service) (*Listing, *Order) {
	t.Helper()
	ctx := context.Background()

	listing := openListing(t, svc)
	order, tx, err := svc.Purchase(ctx, listing.ID, PurchaseRequest{Buyer: buyerAddr})
	require.NoError(t, err)
	require.NotNil(t, tx)
	require.Equal(t, OrderCreated, order.Status)

	order, err = svc.ConfirmPayment(ctx, order.ID, goodTxHash)
	require.NoError(t, err)
	require.Equal(t, OrderPaid, order.Status)
	return listing, order
}

func TestCreateListing(t *testing.T) {
	svc, builder, _ := newTestService(t)

	listing, tx, err := svc.CreateListing(context.Background(), createListingReq())
	require.NoError(t, err)

	assert.Equal(t, ListingInactive, listing.Status)
	assert.Equal(t, BlockchainPendingTx, listing.BlockchainStatus)
	assert.Equal(t, "100500000", listing.Amount, "100.50 at 6 decimals")
	assert.Regexp(t, `^0x[0-9a-f]{64}$`, listing.ID)
	assert.Equal(t, "createListing", builder.lastAction)
	assert.NotNil(t, tx)
}

func TestCreateListingValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	t.Run("unknown escrow type", func(t *testing.T) {
		req := createListingReq()
		req.EscrowType = "handshake"
		_, _, err := svc.CreateListing(ctx, req)
		assert.ErrorIs(t, err, ErrUnknownEscrow)
	})

	t.Run("unknown currency", func(t *testing.T) {
		req := createListingReq()
		req.Currency = "DOGE"
		_, _, err := svc.CreateListing(ctx, req)
		assert.ErrorIs(t, err, chain.ErrUnknownToken)
	})

	t.Run("unknown api approval method", func(t *testing.T) {
		req := createListingReq()
		req.EscrowType = "api_approval"
		req.ApprovalMethod = "carrier_pigeon"
		_, _, err := svc.CreateListing(ctx, req)
		assert.ErrorIs(t, err, txbuild.ErrUnknownApprovalMethod)
	})

	t.Run("excess decimal places", func(t *testing.T) {
		req := createListingReq()
		req.Price = "1.1234567"
		_, _, err := svc.CreateListing(ctx, req)
		assert.Error(t, err)
	})
}

func TestConfirmListingTx(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	listing, _, err := svc.CreateListing(ctx, createListingReq())
	require.NoError(t, err)

	_, err = svc.ConfirmListingTx(ctx, listing.ID, strangerAddr, goodTxHash)
	assert.ErrorIs(t, err, ErrUnauthorized)

	updated, err := svc.ConfirmListingTx(ctx, listing.ID, sellerAddr, goodTxHash)
	require.NoError(t, err)
	assert.Equal(t, BlockchainPendingConfirmation, updated.BlockchainStatus)
	assert.Equal(t, goodTxHash, updated.CreationTxHash)

	// Recording a hash twice is rejected.
	_, err = svc.ConfirmListingTx(ctx, listing.ID, sellerAddr, goodTxHash)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestFinalizeListingVerificationFailure(t *testing.T) {
	svc, _, fc := newTestService(t)
	ctx := context.Background()

	listing, _, err := svc.CreateListing(ctx, createListingReq())
	require.NoError(t, err)
	_, err = svc.ConfirmListingTx(ctx, listing.ID, sellerAddr, goodTxHash)
	require.NoError(t, err)

	fc.verifyErr = chain.ErrWrongDestination
	_, err = svc.FinalizeListing(ctx, listing.ID, sellerAddr)
	assert.ErrorIs(t, err, chain.ErrWrongDestination)

	// Failed verification leaves state untouched, so a retry succeeds.
	stored, err := svc.GetListing(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, ListingInactive, stored.Status)
	assert.Equal(t, BlockchainPendingConfirmation, stored.BlockchainStatus)

	fc.verifyErr = nil
	finalized, err := svc.FinalizeListing(ctx, listing.ID, sellerAddr)
	require.NoError(t, err)
	assert.Equal(t, ListingOpen, finalized.Status)
	assert.Equal(t, BlockchainConfirmed, finalized.BlockchainStatus)
}

func TestPurchaseOwnListingRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	listing := openListing(t, svc)

	_, _, err := svc.Purchase(context.Background(), listing.ID, PurchaseRequest{Buyer: sellerAddr})
	assert.ErrorIs(t, err, ErrSameParty)
}

func TestPurchaseRequiresOpenListing(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	listing, _, err := svc.CreateListing(ctx, createListingReq())
	require.NoError(t, err)

	_, _, err = svc.Purchase(ctx, listing.ID, PurchaseRequest{Buyer: buyerAddr})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestConfirmPaymentWrongDestination(t *testing.T) {
	svc, _, fc := newTestService(t)
	ctx := context.Background()

	listing := openListing(t, svc)
	order, _, err := svc.Purchase(ctx, listing.ID, PurchaseRequest{Buyer: buyerAddr})
	require.NoError(t, err)

	fc.verifyErr = chain.ErrWrongDestination
	_, err = svc.ConfirmPayment(ctx, order.ID, goodTxHash)
	assert.ErrorIs(t, err, chain.ErrWrongDestination)

	stored, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderCreated, stored.Status, "order unchanged after failed verification")
}

func TestConfirmPaymentAdvancesListing(t *testing.T) {
	svc, _, _ := newTestService(t)
	listing, order := paidOrder(t, svc)

	stored, err := svc.GetListing(context.Background(), listing.ID)
	require.NoError(t, err)
	assert.Equal(t, ListingFilled, stored.Status)
	assert.Equal(t, goodTxHash, order.EscrowTxHash)
}

func TestDeliverAuthorization(t *testing.T) {
	svc, builder, _ := newTestService(t)
	ctx := context.Background()
	_, order := paidOrder(t, svc)

	// Non-seller is rejected regardless of order status.
	_, err := svc.Deliver(ctx, order.ID, buyerAddr)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.Deliver(ctx, order.ID, strangerAddr)
	assert.ErrorIs(t, err, ErrUnauthorized)

	tx, err := svc.Deliver(ctx, order.ID, sellerAddr)
	require.NoError(t, err)
	assert.NotNil(t, tx)
	assert.Equal(t, "deliverDisputableListing", builder.lastAction)
}

func TestDeliverRequiresPaidOrder(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	listing := openListing(t, svc)
	order, _, err := svc.Purchase(ctx, listing.ID, PurchaseRequest{Buyer: buyerAddr})
	require.NoError(t, err)

	_, err = svc.Deliver(ctx, order.ID, sellerAddr)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestDeliveryNotReachableFromCreated(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	listing := openListing(t, svc)
	order, _, err := svc.Purchase(ctx, listing.ID, PurchaseRequest{Buyer: buyerAddr})
	require.NoError(t, err)

	_, err = svc.ConfirmDelivery(ctx, order.ID, goodTxHash)
	assert.ErrorIs(t, err, ErrInvalidStatus, "delivered unreachable without paid")
}

func TestAcceptanceFlow(t *testing.T) {
	svc, builder, _ := newTestService(t)
	ctx := context.Background()
	listing, order := paidOrder(t, svc)

	order, err := svc.ConfirmDelivery(ctx, order.ID, goodTxHash)
	require.NoError(t, err)
	assert.Equal(t, OrderDelivered, order.Status)
	require.NotNil(t, order.DeliveredAt)

	stored, err := svc.GetListing(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, ListingDelivered, stored.Status)

	// Only the buyer may accept.
	_, _, err = svc.Accept(ctx, order.ID, sellerAddr)
	assert.ErrorIs(t, err, ErrUnauthorized)

	order, tx, err := svc.Accept(ctx, order.ID, buyerAddr)
	require.NoError(t, err)
	assert.NotNil(t, tx)
	assert.Equal(t, OrderConfirmed, order.Status)
	assert.Equal(t, "resolveListing", builder.lastAction)

	order, err = svc.ConfirmAcceptance(ctx, order.ID, goodTxHash)
	require.NoError(t, err)
	assert.Equal(t, OrderCompleted, order.Status)

	stored, err = svc.GetListing(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, ListingReleased, stored.Status)
}

func TestDisputeFlow(t *testing.T) {
	svc, builder, _ := newTestService(t)
	ctx := context.Background()
	listing, order := paidOrder(t, svc)

	// A stranger can neither request nor confirm a dispute.
	_, err := svc.Dispute(ctx, order.ID, strangerAddr)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, _, err = svc.ConfirmDispute(ctx, order.ID, strangerAddr, "not my trade", goodTxHash)
	assert.ErrorIs(t, err, ErrUnauthorized)
	disputes, err := svc.ListDisputes(ctx, order.ID)
	require.NoError(t, err)
	assert.Empty(t, disputes, "no dispute record for rejected initiator")

	tx, err := svc.Dispute(ctx, order.ID, buyerAddr)
	require.NoError(t, err)
	assert.NotNil(t, tx)
	assert.Equal(t, "disputeListing", builder.lastAction)

	order, dispute, err := svc.ConfirmDispute(ctx, order.ID, buyerAddr, "never arrived", goodTxHash)
	require.NoError(t, err)
	assert.Equal(t, OrderDisputed, order.Status)
	assert.Equal(t, buyerAddr, dispute.Initiator)
	assert.Equal(t, DisputeOpen, dispute.Status)
	assert.Equal(t, "never arrived", dispute.Reason)

	stored, err := svc.GetListing(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, ListingDisputed, stored.Status)

	disputes, err = svc.ListDisputes(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, disputes, 1)
}

func TestDisputeBySellerFromDelivered(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, order := paidOrder(t, svc)

	_, err := svc.ConfirmDelivery(ctx, order.ID, goodTxHash)
	require.NoError(t, err)

	_, err = svc.Dispute(ctx, order.ID, sellerAddr)
	assert.NoError(t, err, "seller may dispute a delivered order")
}

func TestDisputeRequiresPaidOrDelivered(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	listing := openListing(t, svc)
	order, _, err := svc.Purchase(ctx, listing.ID, PurchaseRequest{Buyer: buyerAddr})
	require.NoError(t, err)

	_, err = svc.Dispute(ctx, order.ID, buyerAddr)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCancelListingBySeller(t *testing.T) {
	svc, builder, _ := newTestService(t)
	ctx := context.Background()
	listing := openListing(t, svc)

	_, err := svc.CancelListing(ctx, listing.ID, buyerAddr)
	assert.ErrorIs(t, err, ErrUnauthorized)

	tx, err := svc.CancelListing(ctx, listing.ID, sellerAddr)
	require.NoError(t, err)
	assert.NotNil(t, tx)
	assert.Equal(t, "cancelListingBySeller", builder.lastAction)

	canceled, err := svc.ConfirmCancelListing(ctx, listing.ID, goodTxHash)
	require.NoError(t, err)
	assert.Equal(t, ListingCanceled, canceled.Status)
}

func TestCancelFilledListingByBuyer(t *testing.T) {
	svc, builder, _ := newTestService(t)
	ctx := context.Background()
	listing, order := paidOrder(t, svc)

	// Deadline has not passed yet.
	_, err := svc.CancelListing(ctx, listing.ID, buyerAddr)
	assert.ErrorIs(t, err, ErrDeadlineNotPast)

	// Seller cannot reclaim a filled listing.
	_, err = svc.CancelListing(ctx, listing.ID, sellerAddr)
	assert.ErrorIs(t, err, ErrUnauthorized)

	svc.WithClock(func() time.Time {
		return time.Unix(int64(order.Deadline)+1, 0)
	})
	tx, err := svc.CancelListing(ctx, listing.ID, buyerAddr)
	require.NoError(t, err)
	assert.NotNil(t, tx)
	assert.Equal(t, "cancelListingByBuyer", builder.lastAction)
}

func TestBuildApproval(t *testing.T) {
	svc, _, fc := newTestService(t)
	ctx := context.Background()

	approval, err := svc.BuildApproval(ctx, ApprovalRequest{
		Owner:    buyerAddr,
		Currency: "USDC",
		Amount:   "100.50",
	})
	require.NoError(t, err)
	assert.False(t, approval.Sufficient)
	assert.Equal(t, "100500000", approval.Required)
	require.NotNil(t, approval.Transaction)

	// A sufficient allowance skips the transaction.
	fc.allowance = big.NewInt(200_000_000)
	approval, err = svc.BuildApproval(ctx, ApprovalRequest{
		Owner:    buyerAddr,
		Currency: "USDC",
		Amount:   "100.50",
	})
	require.NoError(t, err)
	assert.True(t, approval.Sufficient)
	assert.Nil(t, approval.Transaction)
}

func TestDeliverPicksEnvelopeByEscrowType(t *testing.T) {
	tests := []struct {
		escrowType string
		method     string
		wantAction string
	}{
		{"disputable", "", "deliverDisputableListing"},
		{"onchain_approval", "", "deliverOnchainApprovalListing"},
		{"api_approval", "tweet_repost", "deliverApiApprovalListing"},
	}

	for _, tt := range tests {
		t.Run(tt.escrowType, func(t *testing.T) {
			svc, builder, _ := newTestService(t)
			ctx := context.Background()

			req := createListingReq()
			req.EscrowType = tt.escrowType
			req.ApprovalMethod = tt.method
			req.TweetUsername = "@debazaar"
			req.Title = fmt.Sprintf("item %s", tt.escrowType)

			listing, _, err := svc.CreateListing(ctx, req)
			require.NoError(t, err)
			_, err = svc.ConfirmListingTx(ctx, listing.ID, sellerAddr, goodTxHash)
			require.NoError(t, err)
			_, err = svc.FinalizeListing(ctx, listing.ID, sellerAddr)
			require.NoError(t, err)

			order, _, err := svc.Purchase(ctx, listing.ID, PurchaseRequest{Buyer: buyerAddr, TweetID: "123"})
			require.NoError(t, err)
			_, err = svc.ConfirmPayment(ctx, order.ID, goodTxHash)
			require.NoError(t, err)

			_, err = svc.Deliver(ctx, order.ID, sellerAddr)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, builder.lastAction)
		})
	}
}

func TestVerifyEnumTables(t *testing.T) {
	assert.NoError(t, VerifyEnumTables())

	code, err := EscrowType("disputable").ContractCode()
	require.NoError(t, err)
	assert.Equal(t, uint8(2), code)

	code, ok := ListingCanceled.ContractCode()
	assert.True(t, ok)
	assert.Equal(t, uint8(6), code)

	_, ok = ListingInactive.ContractCode()
	assert.False(t, ok, "inactive has no on-chain state")
}
