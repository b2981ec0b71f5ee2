package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Connector opens MySQL connections to tenant databases.
type Connector struct {
	ConnectTimeout  time.Duration
	QueryTimeout    time.Duration
	PlayerRoleIDs   []int64
	DefaultCurrency string
}

var _ Opener = Connector{}

// Open dials the tenant database and pings it within ConnectTimeout.
func (c Connector) Open(ctx context.Context, t Tenant) (Source, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	cfg := mysql.NewConfig()
	cfg.User = t.DB.User
	cfg.Passwd = t.DB.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(t.DB.Host, strconv.Itoa(t.DB.Port))
	cfg.DBName = t.DB.Name
	cfg.Timeout = c.ConnectTimeout
	cfg.ReadTimeout = c.QueryTimeout
	cfg.WriteTimeout = c.QueryTimeout
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	drv, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", t.ID, err)
	}
	db := sql.OpenDB(drv)
	// one cycle touches a tenant sequentially
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tenant %s: connect %s: %w", t.ID, cfg.Addr, err)
	}
	return NewConn(db, Options{
		QueryTimeout:    c.QueryTimeout,
		PlayerRoleIDs:   c.PlayerRoleIDs,
		DefaultCurrency: c.DefaultCurrency,
	}), nil
}
