package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/nostrmood/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Contended transitions run in transactions that lock the market row with
// SELECT ... FOR UPDATE, so concurrent settlement attempts and payment
// confirmations on one market serialize while different markets proceed
// independently.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const pgMarketColumns = `id, post_id, question, threshold, min_stake, max_stake, duration,
	creator_pubkey, created_at, expires_at, is_settled, settlement_result,
	total_yes_pool, total_no_pool, fee_percentage::TEXT`

const pgBetColumns = `id, market_id, user_pubkey, position, amount, created_at,
	invoice_id, payment_request, payment_hash, expires_at, is_paid, is_settled,
	payout, payout_status, payout_retries, payout_error, payout_tx_id, payout_invoice`

func scanPgMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var fee string
	if err := row.Scan(&m.ID, &m.PostID, &m.Question, &m.Threshold,
		&m.MinStake, &m.MaxStake, &m.Duration,
		&m.CreatorPubkey, &m.CreatedAt, &m.ExpiresAt,
		&m.IsSettled, &m.SettlementResult,
		&m.TotalYesPool, &m.TotalNoPool, &fee); err != nil {
		return nil, err
	}
	m.FeePercentage, _ = decimal.NewFromString(fee)
	return &m, nil
}

func scanPgBet(row pgx.Row) (*model.Bet, error) {
	var b model.Bet
	var invoiceID *string
	var expiresAt *time.Time
	var position, status string
	if err := row.Scan(&b.ID, &b.MarketID, &b.UserPubkey, &position, &b.Amount, &b.CreatedAt,
		&invoiceID, &b.PaymentRequest, &b.PaymentHash, &expiresAt, &b.IsPaid, &b.IsSettled,
		&b.Payout, &status, &b.PayoutRetries, &b.PayoutError, &b.PayoutTxID, &b.PayoutInvoice); err != nil {
		return nil, err
	}
	b.Position = model.Position(position)
	b.PayoutStatus = model.PayoutStatus(status)
	if invoiceID != nil {
		b.InvoiceID = *invoiceID
	}
	if expiresAt != nil {
		b.ExpiresAt = *expiresAt
	}
	return &b, nil
}

func collectPgBets(rows pgx.Rows) ([]model.Bet, error) {
	defer rows.Close()
	var bets []model.Bet
	for rows.Next() {
		b, err := scanPgBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, *b)
	}
	return bets, rows.Err()
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO prediction_markets
		   (post_id, question, threshold, min_stake, max_stake, duration,
		    creator_pubkey, created_at, expires_at, fee_percentage)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC)
		 RETURNING id`,
		m.PostID, m.Question, m.Threshold, m.MinStake, m.MaxStake, m.Duration,
		m.CreatorPubkey, m.CreatedAt, m.ExpiresAt, m.FeePercentage.String(),
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("postgres: create market: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	m, err := scanPgMarket(s.pool.QueryRow(ctx,
		`SELECT `+pgMarketColumns+` FROM prediction_markets WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("postgres: get market %d", id))
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.queryMarkets(ctx,
		`SELECT `+pgMarketColumns+` FROM prediction_markets ORDER BY id DESC`)
}

func (s *PostgresStore) ListExpiredUnsettled(ctx context.Context, now time.Time) ([]model.Market, error) {
	return s.queryMarkets(ctx,
		`SELECT `+pgMarketColumns+` FROM prediction_markets
		 WHERE NOT is_settled AND expires_at <= $1 ORDER BY expires_at`, now)
}

func (s *PostgresStore) queryMarkets(ctx context.Context, sql string, args ...any) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanPgMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) SettleMarket(ctx context.Context, id int64, result bool, fn PayoutFunc) (*model.Market, []model.Payout, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: begin settle %d: %w", id, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	m, err := scanPgMarket(tx.QueryRow(ctx,
		`SELECT `+pgMarketColumns+` FROM prediction_markets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, nil, notFound(err, fmt.Sprintf("postgres: lock market %d", id))
	}
	if m.IsSettled {
		return nil, nil, fmt.Errorf("market %d: %w", id, model.ErrAlreadySettled)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE prediction_markets SET is_settled = TRUE, settlement_result = $2 WHERE id = $1`,
		id, result); err != nil {
		return nil, nil, fmt.Errorf("postgres: mark market %d settled: %w", id, err)
	}
	res := result
	m.IsSettled = true
	m.SettlementResult = &res

	rows, err := tx.Query(ctx,
		`SELECT `+pgBetColumns+` FROM prediction_bets WHERE market_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: load bets for %d: %w", id, err)
	}
	bets, err := collectPgBets(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: scan bets for %d: %w", id, err)
	}

	payouts := fn(m, bets)
	if len(payouts) > 0 {
		batch := &pgx.Batch{}
		for _, p := range payouts {
			batch.Queue(`UPDATE prediction_bets SET payout = $2, is_settled = TRUE WHERE id = $1`,
				p.BetID, p.Amount)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return nil, nil, fmt.Errorf("postgres: record payouts for %d: %w", id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("postgres: commit settle %d: %w", id, err)
	}
	return m, payouts, nil
}

func (s *PostgresStore) CreateBet(ctx context.Context, b *model.Bet) error {
	if b.PayoutStatus == "" {
		b.PayoutStatus = model.PayoutPending
	}
	var expiresAt *time.Time
	if !b.ExpiresAt.IsZero() {
		expiresAt = &b.ExpiresAt
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO prediction_bets
		   (market_id, user_pubkey, position, amount, created_at,
		    invoice_id, payment_request, payment_hash, expires_at, payout_status)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10)
		 RETURNING id`,
		b.MarketID, b.UserPubkey, string(b.Position), b.Amount, b.CreatedAt,
		b.InvoiceID, b.PaymentRequest, b.PaymentHash, expiresAt, string(b.PayoutStatus),
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("postgres: create bet: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBet(ctx context.Context, id int64) (*model.Bet, error) {
	b, err := scanPgBet(s.pool.QueryRow(ctx,
		`SELECT `+pgBetColumns+` FROM prediction_bets WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("postgres: get bet %d", id))
	}
	return b, nil
}

func (s *PostgresStore) GetBetByInvoice(ctx context.Context, invoiceID string) (*model.Bet, error) {
	b, err := scanPgBet(s.pool.QueryRow(ctx,
		`SELECT `+pgBetColumns+` FROM prediction_bets WHERE invoice_id = $1`, invoiceID))
	if err != nil {
		return nil, notFound(err, "postgres: get bet by invoice "+invoiceID)
	}
	return b, nil
}

func (s *PostgresStore) ListBetsByMarket(ctx context.Context, marketID int64) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgBetColumns+` FROM prediction_bets WHERE market_id = $1 ORDER BY id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets for %d: %w", marketID, err)
	}
	return collectPgBets(rows)
}

func (s *PostgresStore) ConfirmBetPayment(ctx context.Context, invoiceID, paymentHash string, at time.Time) (*model.Bet, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin confirm %s: %w", invoiceID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	// Lock order is market then bet, matching SettleMarket.
	var marketID int64
	if err := tx.QueryRow(ctx,
		`SELECT market_id FROM prediction_bets WHERE invoice_id = $1`, invoiceID,
	).Scan(&marketID); err != nil {
		return nil, notFound(err, "postgres: find invoice "+invoiceID)
	}
	m, err := scanPgMarket(tx.QueryRow(ctx,
		`SELECT `+pgMarketColumns+` FROM prediction_markets WHERE id = $1 FOR UPDATE`, marketID))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("postgres: lock market %d", marketID))
	}

	b, err := scanPgBet(tx.QueryRow(ctx,
		`SELECT `+pgBetColumns+` FROM prediction_bets WHERE invoice_id = $1 FOR UPDATE`, invoiceID))
	if err != nil {
		return nil, notFound(err, "postgres: lock bet for invoice "+invoiceID)
	}
	if b.IsPaid {
		return b, fmt.Errorf("bet %d: %w", b.ID, model.ErrAlreadyPaid)
	}

	b.IsPaid = true
	b.PaymentHash = paymentHash
	if m.IsSettled || m.Expired(at) {
		b.Payout = b.Amount
		b.IsSettled = true
		_, err = tx.Exec(ctx,
			`UPDATE prediction_bets
			 SET is_paid = TRUE, payment_hash = $2, payout = amount, is_settled = TRUE
			 WHERE id = $1`, b.ID, paymentHash)
	} else {
		if _, err = tx.Exec(ctx,
			`UPDATE prediction_bets SET is_paid = TRUE, payment_hash = $2 WHERE id = $1`,
			b.ID, paymentHash); err == nil {
			pool := "total_no_pool"
			if b.Position == model.PositionYes {
				pool = "total_yes_pool"
			}
			_, err = tx.Exec(ctx,
				`UPDATE prediction_markets SET `+pool+` = `+pool+` + $2 WHERE id = $1`,
				marketID, b.Amount)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: confirm bet %d: %w", b.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit confirm %d: %w", b.ID, err)
	}
	return b, nil
}

func (s *PostgresStore) UpdatePayout(ctx context.Context, betID int64, u PayoutUpdate) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE prediction_bets
		 SET payout_status = $2,
		     payout_retries = $3,
		     payout_error = COALESCE($4, payout_error),
		     payout_tx_id = COALESCE($5, payout_tx_id),
		     is_settled = is_settled OR $6
		 WHERE id = $1`,
		betID, string(u.Status), u.Retries, u.Error, u.TxID, u.IsSettled)
	if err != nil {
		return fmt.Errorf("postgres: update payout %d: %w", betID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bet %d: %w", betID, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SetPayoutInvoice(ctx context.Context, betID int64, bolt11 string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE prediction_bets
		 SET payout_invoice = $2,
		     payout_status = CASE WHEN payout_status = 'awaiting_invoice' THEN 'pending' ELSE payout_status END
		 WHERE id = $1 AND payout_invoice IS NULL`, betID, bolt11)
	if err != nil {
		return fmt.Errorf("postgres: set payout invoice %d: %w", betID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetBet(ctx, betID); err != nil {
			return err
		}
		return fmt.Errorf("bet %d: %w", betID, model.ErrPayoutInvoiceSet)
	}
	return nil
}

func (s *PostgresStore) ResetPayout(ctx context.Context, betID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE prediction_bets
		 SET payout_status = 'pending', payout_retries = 0, payout_error = NULL
		 WHERE id = $1 AND payout_status = 'failed'`, betID)
	if err != nil {
		return fmt.Errorf("postgres: reset payout %d: %w", betID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetBet(ctx, betID); err != nil {
			return err
		}
		return fmt.Errorf("bet %d: %w", betID, model.ErrPayoutNotFailed)
	}
	return nil
}

func (s *PostgresStore) ListPendingPayouts(ctx context.Context) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgBetColumns+` FROM prediction_bets
		 WHERE is_settled AND payout > 0 AND payout_status = 'pending' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending payouts: %w", err)
	}
	return collectPgBets(rows)
}

var _ Store = (*PostgresStore)(nil)
