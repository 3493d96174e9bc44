package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rpattn/sheetsync/internal/domain"
)

const uniqueViolation = "23505"

// classifyError maps driver errors onto the domain taxonomy. Server-side
// errors stay record level; anything that means the connection is gone
// becomes a transport error so the orchestrator can abort the stage.
func classifyError(action string, err error) error {
	if err == nil {
		return nil
	}

	var notRecoverable *domain.NotRecoverableError
	if errors.Is(err, domain.ErrTransport) || errors.Is(err, domain.ErrStaleRecord) ||
		errors.Is(err, domain.ErrRecordNotFound) || errors.Is(err, domain.ErrDuplicateKey) ||
		errors.As(err, &notRecoverable) {
		return err
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to %s: %w", action, domain.ErrRecordNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to %s: %w", action, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == uniqueViolation {
			return fmt.Errorf("failed to %s: %w (%s)", action, domain.ErrDuplicateKey, pgErr.ConstraintName)
		}
		return fmt.Errorf("failed to %s: %w", action, err)
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || pgconn.Timeout(err) {
		return &domain.TransportError{Component: "datastore", Err: fmt.Errorf("%s: %w", action, err)}
	}

	return fmt.Errorf("failed to %s: %w", action, err)
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, domain.ErrRecordNotFound)
}
