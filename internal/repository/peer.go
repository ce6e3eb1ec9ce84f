package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrPeerNotFound = errors.New("verified peer not found")

// VerifiedPeer is a user whose key fingerprint was compared out of band.
type VerifiedPeer struct {
	UserID      string
	Fingerprint []byte
	VerifiedAt  time.Time
}

// KeyChange is a fingerprint that was trusted for a user before they
// were verified again with a different key.
type KeyChange struct {
	UserID      string
	Fingerprint []byte
	SeenAt      time.Time
}

type PeerPersister interface {
	Save(ctx context.Context, peer VerifiedPeer) error
}

type PostgresPeerRepository struct {
	db *pgxpool.Pool
}

func NewPostgresPeerRepository(db *pgxpool.Pool) *PostgresPeerRepository {
	return &PostgresPeerRepository{db: db}
}

func VerifiedPeerToRowParams(peer VerifiedPeer) []any {
	return []any{
		peer.UserID,
		peer.Fingerprint,
		peer.VerifiedAt,
	}
}

// Save stores peer, replacing an earlier verification. When the
// fingerprint differs from the stored one the old fingerprint is kept as
// a key change.
func (r *PostgresPeerRepository) Save(ctx context.Context, peer VerifiedPeer) error {
	if peer.UserID == "" {
		return fmt.Errorf("verified peer needs a user ID")
	}
	if len(peer.Fingerprint) == 0 {
		return fmt.Errorf("verified peer %s needs a fingerprint", peer.UserID)
	}
	if peer.VerifiedAt.IsZero() {
		peer.VerifiedAt = time.Now()
	}

	const currentQuery = `
	SELECT fingerprint FROM verified_peer WHERE user_id = $1 FOR UPDATE
	`

	const keyChangeQuery = `
	INSERT INTO key_change (user_id, fingerprint)
	VALUES ($1, $2)
	`

	const peerQuery = `
	INSERT INTO verified_peer (user_id, fingerprint, verified_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (user_id) DO UPDATE SET
		fingerprint = EXCLUDED.fingerprint,
		verified_at = EXCLUDED.verified_at
	`

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Warn("failed to rollback transaction", "error", err)
		}
	}()

	var current []byte
	err = tx.QueryRow(ctx, currentQuery, peer.UserID).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to execute current fingerprint query: %w", err)
	case !bytes.Equal(current, peer.Fingerprint):
		if _, err := tx.Exec(ctx, keyChangeQuery, peer.UserID, current); err != nil {
			return fmt.Errorf("failed to execute key change query: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, peerQuery, VerifiedPeerToRowParams(peer)...); err != nil {
		return fmt.Errorf("failed to execute verified peer query: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

var _ PeerPersister = (*PostgresPeerRepository)(nil)

// MarkVerified saves fingerprint as verified now.
func (r *PostgresPeerRepository) MarkVerified(ctx context.Context, userID string, fingerprint []byte) error {
	return r.Save(ctx, VerifiedPeer{
		UserID:      userID,
		Fingerprint: fingerprint,
		VerifiedAt:  time.Now(),
	})
}

func (r *PostgresPeerRepository) Get(ctx context.Context, userID string) (VerifiedPeer, error) {
	const query = `
	SELECT user_id, fingerprint, verified_at
	FROM verified_peer
	WHERE user_id = $1
	`

	var peer VerifiedPeer
	err := r.db.QueryRow(ctx, query, userID).Scan(&peer.UserID, &peer.Fingerprint, &peer.VerifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return VerifiedPeer{}, fmt.Errorf("user %s: %w", userID, ErrPeerNotFound)
	}
	if err != nil {
		return VerifiedPeer{}, fmt.Errorf("failed to query verified peer: %w", err)
	}
	return peer, nil
}

// VerifiedFingerprint reports the fingerprint userID was verified with,
// if any.
func (r *PostgresPeerRepository) VerifiedFingerprint(ctx context.Context, userID string) ([]byte, bool, error) {
	peer, err := r.Get(ctx, userID)
	if errors.Is(err, ErrPeerNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return peer.Fingerprint, true, nil
}

func (r *PostgresPeerRepository) List(ctx context.Context) ([]VerifiedPeer, error) {
	const query = `
	SELECT user_id, fingerprint, verified_at
	FROM verified_peer
	ORDER BY verified_at DESC, user_id
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query verified peers: %w", err)
	}

	peers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (VerifiedPeer, error) {
		var peer VerifiedPeer
		err := row.Scan(&peer.UserID, &peer.Fingerprint, &peer.VerifiedAt)
		return peer, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan verified peers: %w", err)
	}
	return peers, nil
}

// Delete forgets userID. Deleting an unknown user is not an error.
func (r *PostgresPeerRepository) Delete(ctx context.Context, userID string) error {
	const query = `DELETE FROM verified_peer WHERE user_id = $1`
	if _, err := r.db.Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to delete verified peer: %w", err)
	}
	return nil
}

// KeyChanges lists the fingerprints userID was trusted with before, most
// recent first.
func (r *PostgresPeerRepository) KeyChanges(ctx context.Context, userID string) ([]KeyChange, error) {
	const query = `
	SELECT user_id, fingerprint, seen_at
	FROM key_change
	WHERE user_id = $1
	ORDER BY id DESC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query key changes: %w", err)
	}

	changes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (KeyChange, error) {
		var change KeyChange
		err := row.Scan(&change.UserID, &change.Fingerprint, &change.SeenAt)
		return change, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan key changes: %w", err)
	}
	return changes, nil
}
