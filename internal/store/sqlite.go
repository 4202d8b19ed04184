package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/nostrmood/market-engine/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. Timestamps are
// stored as unix milliseconds.
//
// The pool is capped at one connection, so every transaction below runs
// with exclusive access to the database; the conditional UPDATEs are the
// check-and-set on top of that.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens a SQLite database at path with WAL mode and
// foreign keys enabled, and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := MigrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteMarketColumns = `id, post_id, question, threshold, min_stake, max_stake, duration,
	creator_pubkey, created_at, expires_at, is_settled, settlement_result,
	total_yes_pool, total_no_pool, fee_percentage`

const sqliteBetColumns = `id, market_id, user_pubkey, position, amount, created_at,
	invoice_id, payment_request, payment_hash, expires_at, is_paid, is_settled,
	payout, payout_status, payout_retries, payout_error, payout_tx_id, payout_invoice`

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMarket(row scanner) (*model.Market, error) {
	var m model.Market
	var createdAt, expiresAt int64
	var result sql.NullBool
	var fee string
	if err := row.Scan(&m.ID, &m.PostID, &m.Question, &m.Threshold,
		&m.MinStake, &m.MaxStake, &m.Duration,
		&m.CreatorPubkey, &createdAt, &expiresAt,
		&m.IsSettled, &result,
		&m.TotalYesPool, &m.TotalNoPool, &fee); err != nil {
		return nil, err
	}
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if result.Valid {
		r := result.Bool
		m.SettlementResult = &r
	}
	m.FeePercentage, _ = decimal.NewFromString(fee)
	return &m, nil
}

func scanSQLiteBet(row scanner) (*model.Bet, error) {
	var b model.Bet
	var createdAt int64
	var expiresAt sql.NullInt64
	var invoiceID, payoutErr, txID, payoutInvoice sql.NullString
	var position, status string
	if err := row.Scan(&b.ID, &b.MarketID, &b.UserPubkey, &position, &b.Amount, &createdAt,
		&invoiceID, &b.PaymentRequest, &b.PaymentHash, &expiresAt, &b.IsPaid, &b.IsSettled,
		&b.Payout, &status, &b.PayoutRetries, &payoutErr, &txID, &payoutInvoice); err != nil {
		return nil, err
	}
	b.Position = model.Position(position)
	b.PayoutStatus = model.PayoutStatus(status)
	b.CreatedAt = time.UnixMilli(createdAt).UTC()
	if expiresAt.Valid {
		b.ExpiresAt = time.UnixMilli(expiresAt.Int64).UTC()
	}
	b.InvoiceID = invoiceID.String
	b.PayoutError = nullString(payoutErr)
	b.PayoutTxID = nullString(txID)
	b.PayoutInvoice = nullString(payoutInvoice)
	return &b, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func sqliteNotFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func collectSQLiteBets(rows *sql.Rows) ([]model.Bet, error) {
	defer rows.Close()
	var bets []model.Bet
	for rows.Next() {
		b, err := scanSQLiteBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, *b)
	}
	return bets, rows.Err()
}

func (s *SQLiteStore) CreateMarket(ctx context.Context, m *model.Market) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO prediction_markets
		   (post_id, question, threshold, min_stake, max_stake, duration,
		    creator_pubkey, created_at, expires_at, fee_percentage)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.PostID, m.Question, m.Threshold, m.MinStake, m.MaxStake, m.Duration,
		m.CreatorPubkey, m.CreatedAt.UnixMilli(), m.ExpiresAt.UnixMilli(), m.FeePercentage.String())
	if err != nil {
		return fmt.Errorf("sqlite: create market: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	m, err := scanSQLiteMarket(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteMarketColumns+` FROM prediction_markets WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteNotFound(err, fmt.Sprintf("sqlite: get market %d", id))
	}
	return m, nil
}

func (s *SQLiteStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.queryMarkets(ctx,
		`SELECT `+sqliteMarketColumns+` FROM prediction_markets ORDER BY id DESC`)
}

func (s *SQLiteStore) ListExpiredUnsettled(ctx context.Context, now time.Time) ([]model.Market, error) {
	return s.queryMarkets(ctx,
		`SELECT `+sqliteMarketColumns+` FROM prediction_markets
		 WHERE is_settled = 0 AND expires_at <= ? ORDER BY expires_at`, now.UnixMilli())
}

func (s *SQLiteStore) queryMarkets(ctx context.Context, query string, args ...any) ([]model.Market, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list markets: %w", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanSQLiteMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *SQLiteStore) SettleMarket(ctx context.Context, id int64, result bool, fn PayoutFunc) (*model.Market, []model.Payout, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: begin settle %d: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE prediction_markets SET is_settled = 1, settlement_result = ?
		 WHERE id = ? AND is_settled = 0`, result, id)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: mark market %d settled: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := scanSQLiteMarket(tx.QueryRowContext(ctx,
			`SELECT `+sqliteMarketColumns+` FROM prediction_markets WHERE id = ?`, id)); err != nil {
			return nil, nil, sqliteNotFound(err, fmt.Sprintf("sqlite: get market %d", id))
		}
		return nil, nil, fmt.Errorf("market %d: %w", id, model.ErrAlreadySettled)
	}

	m, err := scanSQLiteMarket(tx.QueryRowContext(ctx,
		`SELECT `+sqliteMarketColumns+` FROM prediction_markets WHERE id = ?`, id))
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: reload market %d: %w", id, err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+sqliteBetColumns+` FROM prediction_bets WHERE market_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: load bets for %d: %w", id, err)
	}
	bets, err := collectSQLiteBets(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: scan bets for %d: %w", id, err)
	}

	payouts := fn(m, bets)
	for _, p := range payouts {
		if _, err := tx.ExecContext(ctx,
			`UPDATE prediction_bets SET payout = ?, is_settled = 1 WHERE id = ?`,
			p.Amount, p.BetID); err != nil {
			return nil, nil, fmt.Errorf("sqlite: record payout for bet %d: %w", p.BetID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("sqlite: commit settle %d: %w", id, err)
	}
	return m, payouts, nil
}

func (s *SQLiteStore) CreateBet(ctx context.Context, b *model.Bet) error {
	if b.PayoutStatus == "" {
		b.PayoutStatus = model.PayoutPending
	}
	var invoiceID sql.NullString
	if b.InvoiceID != "" {
		invoiceID = sql.NullString{String: b.InvoiceID, Valid: true}
	}
	var expiresAt sql.NullInt64
	if !b.ExpiresAt.IsZero() {
		expiresAt = sql.NullInt64{Int64: b.ExpiresAt.UnixMilli(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO prediction_bets
		   (market_id, user_pubkey, position, amount, created_at,
		    invoice_id, payment_request, payment_hash, expires_at, payout_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.MarketID, b.UserPubkey, string(b.Position), b.Amount, b.CreatedAt.UnixMilli(),
		invoiceID, b.PaymentRequest, b.PaymentHash, expiresAt, string(b.PayoutStatus))
	if err != nil {
		return fmt.Errorf("sqlite: create bet: %w", err)
	}
	b.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetBet(ctx context.Context, id int64) (*model.Bet, error) {
	b, err := scanSQLiteBet(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteBetColumns+` FROM prediction_bets WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteNotFound(err, fmt.Sprintf("sqlite: get bet %d", id))
	}
	return b, nil
}

func (s *SQLiteStore) GetBetByInvoice(ctx context.Context, invoiceID string) (*model.Bet, error) {
	b, err := scanSQLiteBet(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteBetColumns+` FROM prediction_bets WHERE invoice_id = ?`, invoiceID))
	if err != nil {
		return nil, sqliteNotFound(err, "sqlite: get bet by invoice "+invoiceID)
	}
	return b, nil
}

func (s *SQLiteStore) ListBetsByMarket(ctx context.Context, marketID int64) ([]model.Bet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteBetColumns+` FROM prediction_bets WHERE market_id = ? ORDER BY id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list bets for %d: %w", marketID, err)
	}
	return collectSQLiteBets(rows)
}

func (s *SQLiteStore) ConfirmBetPayment(ctx context.Context, invoiceID, paymentHash string, at time.Time) (*model.Bet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin confirm %s: %w", invoiceID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	b, err := scanSQLiteBet(tx.QueryRowContext(ctx,
		`SELECT `+sqliteBetColumns+` FROM prediction_bets WHERE invoice_id = ?`, invoiceID))
	if err != nil {
		return nil, sqliteNotFound(err, "sqlite: get bet by invoice "+invoiceID)
	}
	if b.IsPaid {
		return b, fmt.Errorf("bet %d: %w", b.ID, model.ErrAlreadyPaid)
	}

	m, err := scanSQLiteMarket(tx.QueryRowContext(ctx,
		`SELECT `+sqliteMarketColumns+` FROM prediction_markets WHERE id = ?`, b.MarketID))
	if err != nil {
		return nil, sqliteNotFound(err, fmt.Sprintf("sqlite: get market %d", b.MarketID))
	}

	b.IsPaid = true
	b.PaymentHash = paymentHash
	if m.IsSettled || m.Expired(at) {
		b.Payout = b.Amount
		b.IsSettled = true
		_, err = tx.ExecContext(ctx,
			`UPDATE prediction_bets SET is_paid = 1, payment_hash = ?, payout = amount, is_settled = 1
			 WHERE id = ? AND is_paid = 0`, paymentHash, b.ID)
	} else {
		if _, err = tx.ExecContext(ctx,
			`UPDATE prediction_bets SET is_paid = 1, payment_hash = ? WHERE id = ? AND is_paid = 0`,
			paymentHash, b.ID); err == nil {
			pool := "total_no_pool"
			if b.Position == model.PositionYes {
				pool = "total_yes_pool"
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE prediction_markets SET `+pool+` = `+pool+` + ? WHERE id = ?`, b.Amount, b.MarketID)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: confirm bet %d: %w", b.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit confirm %d: %w", b.ID, err)
	}
	return b, nil
}

func (s *SQLiteStore) UpdatePayout(ctx context.Context, betID int64, u PayoutUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prediction_bets
		 SET payout_status = ?,
		     payout_retries = ?,
		     payout_error = COALESCE(?, payout_error),
		     payout_tx_id = COALESCE(?, payout_tx_id),
		     is_settled = MAX(is_settled, ?)
		 WHERE id = ?`,
		string(u.Status), u.Retries, u.Error, u.TxID, u.IsSettled, betID)
	if err != nil {
		return fmt.Errorf("sqlite: update payout %d: %w", betID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bet %d: %w", betID, model.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) SetPayoutInvoice(ctx context.Context, betID int64, bolt11 string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prediction_bets
		 SET payout_invoice = ?,
		     payout_status = CASE WHEN payout_status = 'awaiting_invoice' THEN 'pending' ELSE payout_status END
		 WHERE id = ? AND payout_invoice IS NULL`, bolt11, betID)
	if err != nil {
		return fmt.Errorf("sqlite: set payout invoice %d: %w", betID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetBet(ctx, betID); err != nil {
			return err
		}
		return fmt.Errorf("bet %d: %w", betID, model.ErrPayoutInvoiceSet)
	}
	return nil
}

func (s *SQLiteStore) ResetPayout(ctx context.Context, betID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prediction_bets
		 SET payout_status = 'pending', payout_retries = 0, payout_error = NULL
		 WHERE id = ? AND payout_status = 'failed'`, betID)
	if err != nil {
		return fmt.Errorf("sqlite: reset payout %d: %w", betID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetBet(ctx, betID); err != nil {
			return err
		}
		return fmt.Errorf("bet %d: %w", betID, model.ErrPayoutNotFailed)
	}
	return nil
}

func (s *SQLiteStore) ListPendingPayouts(ctx context.Context) ([]model.Bet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteBetColumns+` FROM prediction_bets
		 WHERE is_settled = 1 AND payout > 0 AND payout_status = 'pending' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list pending payouts: %w", err)
	}
	return collectSQLiteBets(rows)
}

var _ Store = (*SQLiteStore)(nil)
