package market

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists trade data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

const listingColumns = `id, seller, title, description, price, currency, token_address, amount,
	       escrow_type, duration_days, expiration, status, blockchain_status, creation_tx_hash,
	       approval_method, tweet_username, crosschain_rpc_url, crosschain_contract, crosschain_token_id,
	       onchain_destination, onchain_call_data, onchain_expected_result,
	       created_at, updated_at`

func (p *PostgresStore) CreateListing(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (
			id, seller, title, description, price, currency, token_address, amount,
			escrow_type, duration_days, expiration, status, blockchain_status, creation_tx_hash,
			approval_method, tweet_username, crosschain_rpc_url, crosschain_contract, crosschain_token_id,
			onchain_destination, onchain_call_data, onchain_expected_result,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19,
			$20, $21, $22,
			$23, $24
		)`,
		l.ID, l.Seller, l.Title, nullString(l.Description), l.Price, l.Currency, l.TokenAddress, l.Amount,
		string(l.EscrowType), l.DurationDays, int64(l.Expiration), string(l.Status), string(l.BlockchainStatus), nullString(l.CreationTxHash),
		nullString(l.ApprovalMethod), nullString(l.TweetUsername), nullString(l.CrosschainRPCURL), nullString(l.CrosschainContract), nullString(l.CrosschainTokenID),
		nullString(l.OnchainDestination), nullString(l.OnchainCallData), nullString(l.OnchainExpectedResult),
		l.CreatedAt, l.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)

	l, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, ErrListingNotFound
	}
	return l, err
}

func (p *PostgresStore) UpdateListing(ctx context.Context, l *Listing) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET
			status = $1, blockchain_status = $2, creation_tx_hash = $3, updated_at = $4
		WHERE id = $5`,
		string(l.Status), string(l.BlockchainStatus), nullString(l.CreationTxHash), l.UpdatedAt,
		l.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrListingNotFound
	}
	return nil
}

func (p *PostgresStore) ListListings(ctx context.Context, status ListingStatus, limit int) ([]*Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, string(status), limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanListings(rows)
}

const orderColumns = `id, listing_id, buyer, seller, amount, token_address, status, deadline,
	       escrow_tx_hash, delivery_tx_hash, resolve_tx_hash, dispute_tx_hash,
	       delivered_at, created_at, updated_at`

func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, listing_id, buyer, seller, amount, token_address, status, deadline,
			escrow_tx_hash, delivery_tx_hash, resolve_tx_hash, dispute_tx_hash,
			delivered_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15
		)`,
		o.ID, o.ListingID, o.Buyer, o.Seller, o.Amount, o.TokenAddress, string(o.Status), int64(o.Deadline),
		nullString(o.EscrowTxHash), nullString(o.DeliveryTxHash), nullString(o.ResolveTxHash), nullString(o.DisputeTxHash),
		nullTime(o.DeliveredAt), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) UpdateOrder(ctx context.Context, o *Order) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, escrow_tx_hash = $2, delivery_tx_hash = $3,
			resolve_tx_hash = $4, dispute_tx_hash = $5, delivered_at = $6, updated_at = $7
		WHERE id = $8`,
		string(o.Status), nullString(o.EscrowTxHash), nullString(o.DeliveryTxHash),
		nullString(o.ResolveTxHash), nullString(o.DisputeTxHash), nullTime(o.DeliveredAt), o.UpdatedAt,
		o.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) ListOrders(ctx context.Context, status OrderStatus, limit int) ([]*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, string(status), limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) GetActiveOrderByListing(ctx context.Context, listingID string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE listing_id = $1 AND status NOT IN ('completed', 'disputed')
		ORDER BY created_at DESC
		LIMIT 1`, listingID)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'delivered'
		  AND delivered_at < $1
		ORDER BY delivered_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, order_id, initiator, reason, status, resolution, tx_hash, created_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.OrderID, d.Initiator, nullString(d.Reason), string(d.Status),
		nullString(d.Resolution), nullString(d.TxHash), d.CreatedAt, nullTime(d.ResolvedAt),
	)
	return err
}

func (p *PostgresStore) ListDisputesByOrder(ctx context.Context, orderID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, initiator, reason, status, resolution, tx_hash, created_at, resolved_at
		FROM disputes
		WHERE order_id = $1
		ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*Dispute{}
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(s scanner) (*Listing, error) {
	l := &Listing{}
	var (
		description        sql.NullString
		escrowType         string
		expiration         int64
		status             string
		blockchainStatus   string
		creationTxHash     sql.NullString
		approvalMethod     sql.NullString
		tweetUsername      sql.NullString
		crosschainRPC      sql.NullString
		crosschainContract sql.NullString
		crosschainTokenID  sql.NullString
		onchainDest        sql.NullString
		onchainCallData    sql.NullString
		onchainExpected    sql.NullString
	)

	err := s.Scan(
		&l.ID, &l.Seller, &l.Title, &description, &l.Price, &l.Currency, &l.TokenAddress, &l.Amount,
		&escrowType, &l.DurationDays, &expiration, &status, &blockchainStatus, &creationTxHash,
		&approvalMethod, &tweetUsername, &crosschainRPC, &crosschainContract, &crosschainTokenID,
		&onchainDest, &onchainCallData, &onchainExpected,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	l.Description = description.String
	l.EscrowType = EscrowType(escrowType)
	l.Expiration = uint64(expiration)
	l.Status = ListingStatus(status)
	l.BlockchainStatus = BlockchainStatus(blockchainStatus)
	l.CreationTxHash = creationTxHash.String
	l.ApprovalMethod = approvalMethod.String
	l.TweetUsername = tweetUsername.String
	l.CrosschainRPCURL = crosschainRPC.String
	l.CrosschainContract = crosschainContract.String
	l.CrosschainTokenID = crosschainTokenID.String
	l.OnchainDestination = onchainDest.String
	l.OnchainCallData = onchainCallData.String
	l.OnchainExpectedResult = onchainExpected.String

	return l, nil
}

func scanListings(rows *sql.Rows) ([]*Listing, error) {
	var result []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		status         string
		deadline       int64
		escrowTxHash   sql.NullString
		deliveryTxHash sql.NullString
		resolveTxHash  sql.NullString
		disputeTxHash  sql.NullString
		deliveredAt    sql.NullTime
	)

	err := s.Scan(
		&o.ID, &o.ListingID, &o.Buyer, &o.Seller, &o.Amount, &o.TokenAddress, &status, &deadline,
		&escrowTxHash, &deliveryTxHash, &resolveTxHash, &disputeTxHash,
		&deliveredAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = OrderStatus(status)
	o.Deadline = uint64(deadline)
	o.EscrowTxHash = escrowTxHash.String
	o.DeliveryTxHash = deliveryTxHash.String
	o.ResolveTxHash = resolveTxHash.String
	o.DisputeTxHash = disputeTxHash.String
	if deliveredAt.Valid {
		o.DeliveredAt = &deliveredAt.Time
	}

	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		reason     sql.NullString
		status     string
		resolution sql.NullString
		txHash     sql.NullString
		resolvedAt sql.NullTime
	)

	err := s.Scan(&d.ID, &d.OrderID, &d.Initiator, &reason, &status, &resolution, &txHash, &d.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	d.Reason = reason.String
	d.Status = DisputeStatus(status)
	d.Resolution = resolution.String
	d.TxHash = txHash.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}

	return d, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
