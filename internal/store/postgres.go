package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/paperledger/engine/internal/enginerr"
	"github.com/paperledger/engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// transactions and account_value_snapshots are append-only.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist. Called once at startup.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			account_id   UUID PRIMARY KEY,
			account_name TEXT NOT NULL UNIQUE,
			balance      NUMERIC(20,2) NOT NULL DEFAULT 0,
			created_at   TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS positions (
			account_id    UUID NOT NULL REFERENCES accounts(account_id),
			instrument_id TEXT NOT NULL,
			shares        BIGINT NOT NULL DEFAULT 0,
			total_cost    NUMERIC(20,2) NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (account_id, instrument_id)
		);
		CREATE TABLE IF NOT EXISTS orders (
			order_id        UUID PRIMARY KEY,
			account_id      UUID NOT NULL REFERENCES accounts(account_id),
			instrument_id   TEXT NOT NULL,
			side            TEXT NOT NULL,
			kind            TEXT NOT NULL,
			price           NUMERIC(20,6) NOT NULL,
			size            BIGINT NOT NULL,
			status          TEXT NOT NULL,
			reserved        NUMERIC(20,2) NOT NULL DEFAULT 0,
			execution_price NUMERIC(20,6),
			expires_at      TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS orders_open_idx
			ON orders (account_id, instrument_id) WHERE status = 'OPEN';
		CREATE TABLE IF NOT EXISTS transactions (
			transaction_id  UUID PRIMARY KEY,
			account_id      UUID NOT NULL REFERENCES accounts(account_id),
			instrument_id   TEXT NOT NULL,
			side            TEXT NOT NULL,
			execution_price NUMERIC(20,6) NOT NULL,
			size            BIGINT NOT NULL,
			executed_at     TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS transactions_account_time_idx
			ON transactions (account_id, executed_at);
		CREATE TABLE IF NOT EXISTS account_value_snapshots (
			account_id  UUID NOT NULL REFERENCES accounts(account_id),
			timestamp   TIMESTAMPTZ NOT NULL,
			total_value NUMERIC(20,2) NOT NULL,
			PRIMARY KEY (account_id, timestamp)
		);
		CREATE TABLE IF NOT EXISTS strategies (
			strategy_id               UUID PRIMARY KEY,
			lineage_id                UUID NOT NULL,
			account_id                UUID NOT NULL REFERENCES accounts(account_id),
			instrument_id             TEXT NOT NULL,
			side                      TEXT NOT NULL,
			thesis                    TEXT NOT NULL,
			thesis_probability        NUMERIC(5,4) NOT NULL,
			entry_max_price           NUMERIC(5,4) NOT NULL,
			entry_min_implied_edge    NUMERIC(5,4) NOT NULL,
			entry_max_capital_risk    NUMERIC(20,2) NOT NULL,
			entry_max_position_shares BIGINT NOT NULL,
			exit_take_profit_price    NUMERIC(5,4) NOT NULL,
			exit_stop_loss_price      NUMERIC(5,4) NOT NULL,
			exit_time_stop            TIMESTAMPTZ,
			valid_until               TIMESTAMPTZ,
			notes                     TEXT NOT NULL DEFAULT '',
			created_at                TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS strategies_account_idx
			ON strategies (account_id, instrument_id);
	`)
	return err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (account_id, account_name, balance, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		a.ID, a.Name, a.Balance.String(), a.CreatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return enginerr.Conflict("account", a.Name, "account name already exists")
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.scanAccount(s.pool.QueryRow(ctx,
		`SELECT account_id, account_name, balance::TEXT, created_at
		 FROM accounts WHERE account_id = $1`, id), id)
}

func (s *PostgresStore) GetAccountByName(ctx context.Context, name string) (*model.Account, error) {
	return s.scanAccount(s.pool.QueryRow(ctx,
		`SELECT account_id, account_name, balance::TEXT, created_at
		 FROM accounts WHERE account_name = $1`, name), name)
}

func (s *PostgresStore) scanAccount(row pgx.Row, key string) (*model.Account, error) {
	var a model.Account
	var balance string
	err := row.Scan(&a.ID, &a.Name, &balance, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, enginerr.NotFound("account", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", key, err)
	}
	a.Balance, _ = decimal.NewFromString(balance)
	return &a, nil
}

func (s *PostgresStore) SetBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC WHERE account_id = $1`,
		id, balance.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return enginerr.NotFound("account", id)
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, instrumentID string) (*model.Position, error) {
	var p model.Position
	var cost string
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, instrument_id, shares, total_cost::TEXT, created_at, updated_at
		 FROM positions WHERE account_id = $1 AND instrument_id = $2`,
		accountID, instrumentID).
		Scan(&p.AccountID, &p.InstrumentID, &p.Shares, &cost, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, enginerr.NotFound("position", accountID+"/"+instrumentID)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", accountID, instrumentID, err)
	}
	p.TotalCost, _ = decimal.NewFromString(cost)
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, instrument_id, shares, total_cost::TEXT, created_at, updated_at
		 FROM positions WHERE account_id = $1 ORDER BY instrument_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var cost string
		if err := rows.Scan(&p.AccountID, &p.InstrumentID, &p.Shares, &cost, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.TotalCost, _ = decimal.NewFromString(cost)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

const orderColumns = `order_id, account_id, instrument_id, side, kind,
	price::TEXT, size, status, reserved::TEXT, execution_price::TEXT, expires_at, created_at`

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, enginerr.NotFound("order", orderID)
	}
	return &orders[0], nil
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE account_id = $1 AND status = 'OPEN' ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListAllOpenOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = 'OPEN' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) FindOpenOrder(ctx context.Context, accountID, instrumentID string, side model.OrderSide) (*model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE account_id = $1 AND instrument_id = $2 AND side = $3 AND status = 'OPEN'
		   AND (expires_at IS NULL OR expires_at > now())
		 LIMIT 1`, accountID, instrumentID, string(side))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, enginerr.NotFound("order", accountID+"/"+instrumentID)
	}
	return &orders[0], nil
}

// Apply runs the whole change inside one database transaction.
func (s *PostgresStore) Apply(ctx context.Context, c Change) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if c.Account != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE accounts SET balance = $2::NUMERIC WHERE account_id = $1`,
			c.Account.ID, c.Account.Balance.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return enginerr.NotFound("account", c.Account.ID)
		}
	}
	if c.Position != nil {
		_, err := tx.Exec(ctx,
			`INSERT INTO positions (account_id, instrument_id, shares, total_cost, created_at, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)
			 ON CONFLICT (account_id, instrument_id) DO UPDATE
			 SET shares = EXCLUDED.shares, total_cost = EXCLUDED.total_cost, updated_at = EXCLUDED.updated_at`,
			c.Position.AccountID, c.Position.InstrumentID, c.Position.Shares,
			c.Position.TotalCost.String(), c.Position.CreatedAt, c.Position.UpdatedAt)
		if err != nil {
			return err
		}
	}
	if c.Order != nil {
		var execPrice *string
		if c.Order.ExecutionPrice != nil {
			v := c.Order.ExecutionPrice.String()
			execPrice = &v
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO orders (order_id, account_id, instrument_id, side, kind, price, size, status, reserved, execution_price, expires_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9::NUMERIC, $10::NUMERIC, $11, $12)
			 ON CONFLICT (order_id) DO UPDATE
			 SET status = EXCLUDED.status, execution_price = EXCLUDED.execution_price`,
			c.Order.ID, c.Order.AccountID, c.Order.InstrumentID, string(c.Order.Side),
			string(c.Order.Kind), c.Order.Price.String(), c.Order.Size,
			string(c.Order.Status), c.Order.Reserved.String(), execPrice,
			c.Order.ExpiresAt, c.Order.CreatedAt)
		if err != nil {
			return err
		}
	}
	if c.Transaction != nil {
		_, err := tx.Exec(ctx,
			`INSERT INTO transactions (transaction_id, account_id, instrument_id, side, execution_price, size, executed_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
			c.Transaction.ID, c.Transaction.AccountID, c.Transaction.InstrumentID,
			string(c.Transaction.Side), c.Transaction.ExecutionPrice.String(),
			c.Transaction.Size, c.Transaction.ExecutedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT transaction_id, account_id, instrument_id, side,
		        execution_price::TEXT, size, executed_at
		 FROM transactions WHERE account_id = $1 ORDER BY executed_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var price, side string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.InstrumentID, &side, &price, &t.Size, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Side = model.OrderSide(side)
		t.ExecutionPrice, _ = decimal.NewFromString(price)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *model.AccountValueSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO account_value_snapshots (account_id, timestamp, total_value)
		 VALUES ($1, $2, $3::NUMERIC)`,
		snap.AccountID, snap.Timestamp, snap.TotalValue.String())
	return err
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, accountID string, start, end time.Time) ([]model.AccountValueSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, timestamp, total_value::TEXT
		 FROM account_value_snapshots
		 WHERE account_id = $1 AND timestamp >= $2 AND timestamp <= $3
		 ORDER BY timestamp`, accountID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.AccountValueSnapshot
	for rows.Next() {
		var snap model.AccountValueSnapshot
		var value string
		if err := rows.Scan(&snap.AccountID, &snap.Timestamp, &value); err != nil {
			return nil, err
		}
		snap.TotalValue, _ = decimal.NewFromString(value)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

const strategyColumns = `strategy_id, lineage_id, account_id, instrument_id, side, thesis,
	thesis_probability::TEXT, entry_max_price::TEXT, entry_min_implied_edge::TEXT,
	entry_max_capital_risk::TEXT, entry_max_position_shares,
	exit_take_profit_price::TEXT, exit_stop_loss_price::TEXT, exit_time_stop,
	valid_until, notes, created_at`

func (s *PostgresStore) InsertStrategy(ctx context.Context, st *model.Strategy) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO strategies (strategy_id, lineage_id, account_id, instrument_id, side, thesis,
		     thesis_probability, entry_max_price, entry_min_implied_edge,
		     entry_max_capital_risk, entry_max_position_shares,
		     exit_take_profit_price, exit_stop_loss_price, exit_time_stop,
		     valid_until, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11, $12::NUMERIC, $13::NUMERIC, $14, $15, $16, $17)`,
		st.ID, st.LineageID, st.AccountID, st.InstrumentID, string(st.Side), st.Thesis,
		st.ThesisProbability.String(), st.EntryMaxPrice.String(), st.EntryMinImpliedEdge.String(),
		st.EntryMaxCapitalRisk.String(), st.EntryMaxPositionShares,
		st.ExitTakeProfitPrice.String(), st.ExitStopLossPrice.String(), st.ExitTimeStop,
		st.ValidUntil, st.Notes, st.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return enginerr.Conflict("strategy", st.ID, "strategy id already exists")
	}
	return err
}

func (s *PostgresStore) GetStrategy(ctx context.Context, strategyID string) (*model.Strategy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+strategyColumns+` FROM strategies WHERE strategy_id = $1`, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	strategies, err := scanStrategies(rows)
	if err != nil {
		return nil, err
	}
	if len(strategies) == 0 {
		return nil, enginerr.NotFound("strategy", strategyID)
	}
	return &strategies[0], nil
}

func (s *PostgresStore) ExpireStrategy(ctx context.Context, strategyID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE strategies SET valid_until = $2 WHERE strategy_id = $1`,
		strategyID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return enginerr.NotFound("strategy", strategyID)
	}
	return nil
}

// ReplaceStrategy closes the old version and inserts the successor in
// one transaction.
func (s *PostgresStore) ReplaceStrategy(ctx context.Context, oldID string, at time.Time, next *model.Strategy) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE strategies SET valid_until = $2 WHERE strategy_id = $1`,
		oldID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return enginerr.NotFound("strategy", oldID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO strategies (strategy_id, lineage_id, account_id, instrument_id, side, thesis,
		     thesis_probability, entry_max_price, entry_min_implied_edge,
		     entry_max_capital_risk, entry_max_position_shares,
		     exit_take_profit_price, exit_stop_loss_price, exit_time_stop,
		     valid_until, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11, $12::NUMERIC, $13::NUMERIC, $14, $15, $16, $17)`,
		next.ID, next.LineageID, next.AccountID, next.InstrumentID, string(next.Side), next.Thesis,
		next.ThesisProbability.String(), next.EntryMaxPrice.String(), next.EntryMinImpliedEdge.String(),
		next.EntryMaxCapitalRisk.String(), next.EntryMaxPositionShares,
		next.ExitTakeProfitPrice.String(), next.ExitStopLossPrice.String(), next.ExitTimeStop,
		next.ValidUntil, next.Notes, next.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return enginerr.Conflict("strategy", next.ID, "strategy id already exists")
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListActiveStrategies(ctx context.Context, accountID string, now time.Time) ([]model.Strategy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+strategyColumns+` FROM strategies
		 WHERE account_id = $1 AND (valid_until IS NULL OR valid_until > $2)
		 ORDER BY created_at DESC`, accountID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrategies(rows)
}

func (s *PostgresStore) FindActiveStrategy(ctx context.Context, accountID, instrumentID string, now time.Time) (*model.Strategy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+strategyColumns+` FROM strategies
		 WHERE account_id = $1 AND instrument_id = $2
		   AND (valid_until IS NULL OR valid_until > $3)
		 LIMIT 1`, accountID, instrumentID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	strategies, err := scanStrategies(rows)
	if err != nil {
		return nil, err
	}
	if len(strategies) == 0 {
		return nil, enginerr.NotFound("strategy", accountID+"/"+instrumentID)
	}
	return &strategies[0], nil
}

// --- scan helpers ---

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanOrders(rows pgxRows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var side, kind, status, priceS, reservedS string
		var execPriceS *string
		if err := rows.Scan(&o.ID, &o.AccountID, &o.InstrumentID, &side, &kind,
			&priceS, &o.Size, &status, &reservedS, &execPriceS, &o.ExpiresAt, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Side = model.OrderSide(side)
		o.Kind = model.OrderKind(kind)
		o.Status = model.OrderStatus(status)
		o.Price, _ = decimal.NewFromString(priceS)
		o.Reserved, _ = decimal.NewFromString(reservedS)
		if execPriceS != nil {
			p, _ := decimal.NewFromString(*execPriceS)
			o.ExecutionPrice = &p
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func scanStrategies(rows pgxRows) ([]model.Strategy, error) {
	var strategies []model.Strategy
	for rows.Next() {
		var st model.Strategy
		var side, prob, maxPrice, minEdge, maxRisk, takeProfit, stopLoss string
		if err := rows.Scan(&st.ID, &st.LineageID, &st.AccountID, &st.InstrumentID, &side,
			&st.Thesis, &prob, &maxPrice, &minEdge, &maxRisk, &st.EntryMaxPositionShares,
			&takeProfit, &stopLoss, &st.ExitTimeStop, &st.ValidUntil, &st.Notes, &st.CreatedAt); err != nil {
			return nil, err
		}
		st.Side = model.StrategySide(side)
		st.ThesisProbability, _ = decimal.NewFromString(prob)
		st.EntryMaxPrice, _ = decimal.NewFromString(maxPrice)
		st.EntryMinImpliedEdge, _ = decimal.NewFromString(minEdge)
		st.EntryMaxCapitalRisk, _ = decimal.NewFromString(maxRisk)
		st.ExitTakeProfitPrice, _ = decimal.NewFromString(takeProfit)
		st.ExitStopLossPrice, _ = decimal.NewFromString(stopLoss)
		strategies = append(strategies, st)
	}
	return strategies, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
