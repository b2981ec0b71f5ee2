package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"panelsync.org/internal/money"
)

// Options tune queries against one tenant database.
type Options struct {
	QueryTimeout    time.Duration
	PlayerRoleIDs   []int64
	DefaultCurrency string
}

// Conn implements Source over a database/sql handle. Optional columns
// (users.role_id, users.is_demo_agent, users.is_demo, deposits.currency,
// settings.currency_code) are discovered on first use.
type Conn struct {
	db   *sql.DB
	opts Options

	mu       sync.Mutex
	columns  map[string]bool // "table.column"
	currency string
}

var _ Source = (*Conn)(nil)

// NewConn wraps an open tenant database.
func NewConn(db *sql.DB, opts Options) *Conn {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "BRL"
	}
	return &Conn{db: db, opts: opts}
}

func (c *Conn) Close() error { return c.db.Close() }

func (c *Conn) query(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.QueryTimeout)
}

func (c *Conn) has(ctx context.Context, table, column string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.columns == nil {
		cols, err := c.discover(ctx)
		if err != nil {
			return false, err
		}
		c.columns = cols
	}
	return c.columns[table+"."+column], nil
}

func (c *Conn) discover(ctx context.Context) (map[string]bool, error) {
	qctx, cancel := c.query(ctx)
	defer cancel()
	rows, err := c.db.QueryContext(qctx, `
		select table_name, column_name
		from information_schema.columns
		where table_schema = database() and table_name in ('users', 'deposits', 'settings')
	`)
	if err != nil {
		return nil, fmt.Errorf("discover columns: %w", err)
	}
	defer rows.Close()
	cols := make(map[string]bool)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, err
		}
		cols[strings.ToLower(table)+"."+strings.ToLower(column)] = true
	}
	return cols, rows.Err()
}

// ListPlayers returns player accounts created after since, or with a deposit
// after since.
func (c *Conn) ListPlayers(ctx context.Context, since time.Time) ([]User, error) {
	q := strings.Builder{}
	q.WriteString(`
		select u.id, coalesce(u.name, ''), coalesce(u.email, ''), u.inviter, u.created_at
		from users u
		where (u.created_at > ? or exists (
			select 1 from deposits d where d.user_id = u.id and d.created_at > ?
		))`)
	args := []any{since, since}

	hasRole, err := c.has(ctx, "users", "role_id")
	if err != nil {
		return nil, err
	}
	if hasRole && len(c.opts.PlayerRoleIDs) > 0 {
		q.WriteString(" and u.role_id in (?" + strings.Repeat(", ?", len(c.opts.PlayerRoleIDs)-1) + ")")
		for _, id := range c.opts.PlayerRoleIDs {
			args = append(args, id)
		}
	}
	for _, col := range []string{"is_demo_agent", "is_demo"} {
		ok, err := c.has(ctx, "users", col)
		if err != nil {
			return nil, err
		}
		if ok {
			q.WriteString(" and coalesce(u." + col + ", 0) = 0")
		}
	}
	q.WriteString(" order by u.id")

	qctx, cancel := c.query(ctx)
	defer cancel()
	rows, err := c.db.QueryContext(qctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		var inviter sql.NullString
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &inviter, &u.CreatedAt); err != nil {
			return nil, err
		}
		if inviter.Valid && inviter.String != "0" {
			u.InviterID = inviter.String
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListDeposits returns deposits created after since, oldest first. Rows
// without a currency get the tenant currency.
func (c *Conn) ListDeposits(ctx context.Context, since time.Time) ([]Deposit, error) {
	currencyCol := "''"
	hasCurrency, err := c.has(ctx, "deposits", "currency")
	if err != nil {
		return nil, err
	}
	if hasCurrency {
		currencyCol = "coalesce(d.currency, '')"
	}

	qctx, cancel := c.query(ctx)
	defer cancel()
	rows, err := c.db.QueryContext(qctx, `
		select d.id, d.user_id, d.amount, `+currencyCol+`, coalesce(d.payment_id, ''), d.created_at
		from deposits d
		where d.created_at > ?
		order by d.created_at, d.id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list deposits: %w", err)
	}
	defer rows.Close()

	var out []Deposit
	for rows.Next() {
		var d Deposit
		var amount decimal.Decimal
		if err := rows.Scan(&d.ID, &d.UserID, &amount, &d.Currency, &d.PaymentID, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Amount = money.FromDecimal(amount)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range out {
		if out[i].Currency != "" {
			out[i].Currency = strings.ToUpper(out[i].Currency)
			continue
		}
		cur, err := c.Currency(ctx)
		if err != nil {
			return nil, err
		}
		out[i].Currency = cur
	}
	return out, nil
}

// InviterCode returns the referral code owned by the inviting user.
func (c *Conn) InviterCode(ctx context.Context, inviterID string) (string, bool, error) {
	qctx, cancel := c.query(ctx)
	defer cancel()
	var code sql.NullString
	err := c.db.QueryRowContext(qctx, `select inviter_code from users where id = ? limit 1`, inviterID).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("inviter code: %w", err)
	}
	if !code.Valid || strings.TrimSpace(code.String) == "" {
		return "", false, nil
	}
	return strings.TrimSpace(code.String), true, nil
}

// PaymentStatus follows deposit -> payment_id -> transactions.status.
func (c *Conn) PaymentStatus(ctx context.Context, depositID string) (int, bool, error) {
	qctx, cancel := c.query(ctx)
	defer cancel()
	var status sql.NullInt64
	err := c.db.QueryRowContext(qctx, `
		select t.status
		from deposits d
		join transactions t on t.payment_id = d.payment_id
		where d.id = ?
		limit 1
	`, depositID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("payment status: %w", err)
	}
	if !status.Valid {
		return 0, false, nil
	}
	return int(status.Int64), true, nil
}

// Currency returns settings.currency_code, or the default when the column or
// row is missing.
func (c *Conn) Currency(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.currency
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	cur := c.opts.DefaultCurrency
	ok, err := c.has(ctx, "settings", "currency_code")
	if err != nil {
		return "", err
	}
	if ok {
		qctx, cancel := c.query(ctx)
		defer cancel()
		var code sql.NullString
		err := c.db.QueryRowContext(qctx, `select currency_code from settings limit 1`).Scan(&code)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return "", fmt.Errorf("tenant currency: %w", err)
		case code.Valid && strings.TrimSpace(code.String) != "":
			cur = strings.ToUpper(strings.TrimSpace(code.String))
		}
	}

	c.mu.Lock()
	c.currency = cur
	c.mu.Unlock()
	return cur, nil
}
