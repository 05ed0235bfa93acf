package bdd

import (
	"context"
	"errors"
	"fmt"

	"github.com/chirino/messaging-service/internal/testutil/cucumber"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresTestDB implements cucumber.TestDB for Postgres with large-object media.
type PostgresTestDB struct {
	DBURL string
}

var _ cucumber.TestDB = (*PostgresTestDB)(nil)

func (p *PostgresTestDB) conn(ctx context.Context) (*pgx.Conn, error) {
	return pgx.Connect(ctx, p.DBURL)
}

func (p *PostgresTestDB) ClearAll(ctx context.Context) error {
	conn, err := p.conn(ctx)
	if err != nil {
		return fmt.Errorf("cleanup: failed to connect: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "SELECT lo_unlink(oid) FROM media_objects"); err != nil && !isUndefinedTable(err) {
		return fmt.Errorf("cleanup: failed to unlink media: %w", err)
	}
	tables := []string{
		"media_objects",
		"messages",
		"conversations",
		"block_relations",
		"profiles",
	}
	for _, table := range tables {
		if _, err := conn.Exec(ctx, "DELETE FROM "+table); err != nil {
			if isUndefinedTable(err) {
				continue
			}
			return fmt.Errorf("cleanup: failed to delete from %s: %w", table, err)
		}
	}
	return nil
}

func (p *PostgresTestDB) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	conn, err := p.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close(ctx)

	var n int64
	err = conn.QueryRow(ctx, "SELECT count(*) FROM messages WHERE conversation_id = $1::uuid", conversationID).Scan(&n)
	return n, err
}

func (p *PostgresTestDB) CountMedia(ctx context.Context) (int64, error) {
	conn, err := p.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close(ctx)

	var n int64
	if err := conn.QueryRow(ctx, "SELECT count(*) FROM media_objects").Scan(&n); err != nil {
		if isUndefinedTable(err) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
