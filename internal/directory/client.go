// Package directory provides the minimal directory-server capability the
// export pipeline needs: a paged subtree search behind a small interface so
// the production LDAP client can be swapped for a test double.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// DefaultPageSize bounds how many entries the server returns per round trip.
const DefaultPageSize uint32 = 1000

// Sentinel errors for directory configuration failures.
var (
	ErrNoServerURL    = errors.New("directory: server URL cannot be empty")
	ErrNoBindDN       = errors.New("directory: bind DN cannot be empty")
	ErrNoBindPassword = errors.New("directory: bind password cannot be empty")
	ErrNoBaseDN       = errors.New("directory: base DN cannot be empty")
)

// Config contains the configuration for a directory connection. It is
// populated once by the CLI layer and not mutated afterwards.
type Config struct {
	ServerURL    string
	BindDN       string
	BindPassword string
	BaseDN       string
	PageSize     uint32
	DialOptions  []ldap.DialOpt
	Logger       *slog.Logger
}

// Client is the directory capability consumed by the acquisition stage.
type Client interface {
	// SearchPaged runs a paged subtree search under the configured base DN,
	// requesting only the given attributes, and returns all entries in
	// server page order.
	SearchPaged(ctx context.Context, filter string, attributes []string) ([]*ldap.Entry, error)
	Close() error
}

type ldapClient struct {
	conn     *ldap.Conn
	baseDN   string
	pageSize uint32
	logger   *slog.Logger
}

// Open validates the configuration, dials the server and binds with the
// configured identity. Any failure here is fatal for the run; no retries.
func Open(cfg *Config) (Client, error) {
	start := time.Now()

	if cfg == nil {
		return nil, errors.New("directory: config cannot be nil")
	}

	logger := slog.Default()
	if cfg.Logger != nil {
		logger = cfg.Logger
	}

	switch {
	case cfg.ServerURL == "":
		return nil, ErrNoServerURL
	case cfg.BindDN == "":
		return nil, ErrNoBindDN
	case cfg.BindPassword == "":
		return nil, ErrNoBindPassword
	case cfg.BaseDN == "":
		return nil, ErrNoBaseDN
	}

	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}

	logger.Debug("directory_connecting",
		slog.String("server", cfg.ServerURL),
		slog.String("base_dn", cfg.BaseDN))

	conn, err := ldap.DialURL(cfg.ServerURL, cfg.DialOptions...)
	if err != nil {
		logger.Error("directory_dial_failed",
			slog.String("server", cfg.ServerURL),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to dial directory server: %w", err)
	}

	if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
		conn.Close()
		logger.Error("directory_bind_failed",
			slog.String("server", cfg.ServerURL),
			slog.String("bind_dn", cfg.BindDN),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to bind: %w", err)
	}

	logger.Debug("directory_connected",
		slog.String("server", cfg.ServerURL),
		slog.Duration("duration", time.Since(start)))

	return &ldapClient{
		conn:     conn,
		baseDN:   cfg.BaseDN,
		pageSize: pageSize,
		logger:   logger,
	}, nil
}

func (c *ldapClient) SearchPaged(ctx context.Context, filter string, attributes []string) ([]*ldap.Entry, error) {
	start := time.Now()

	req := ldap.NewSearchRequest(
		c.baseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases, 0, 0, false,
		filter,
		attributes,
		nil,
	)

	pagingControl := ldap.NewControlPaging(c.pageSize)
	var entries []*ldap.Entry
	pages := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		req.Controls = []ldap.Control{pagingControl}
		response, err := c.conn.Search(req)
		if err != nil {
			c.logger.Error("directory_search_failed",
				slog.String("filter", filter),
				slog.Int("page", pages),
				slog.String("error", err.Error()),
				slog.Duration("duration", time.Since(start)))
			return nil, fmt.Errorf("paged search failed: %w", err)
		}

		entries = append(entries, response.Entries...)
		pages++

		ctrl, ok := ldap.FindControl(response.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
		if !ok || len(ctrl.Cookie) == 0 {
			// Empty cookie is the server's end-of-pages signal.
			break
		}
		pagingControl.SetCookie(ctrl.Cookie)
	}

	c.logger.Debug("directory_search_completed",
		slog.Int("entries", len(entries)),
		slog.Int("pages", pages),
		slog.Duration("duration", time.Since(start)))

	return entries, nil
}

func (c *ldapClient) Close() error {
	return c.conn.Close()
}
