package sessions

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rivora/studio-backend/internal/models"
)

var (
	// ErrSessionNotFound is returned when no session exists for the given id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrHostNotFound is returned when the session has no resolvable host user.
	ErrHostNotFound = errors.New("host user not found")
)

// MergeResult carries the artifact URLs produced by the merge routine.
type MergeResult struct {
	HostURL   string `json:"host_url"`
	GuestURL  string `json:"guest_url"`
	MergedURL string `json:"merged_url"`
}

// Repository handles session persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID returns a session by id.
func (r *Repository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	const q = `SELECT id, COALESCE(title,''), host_id, is_live,
		COALESCE(merged_video_host,''), COALESCE(merged_video_guest,''), COALESCE(merged_video_final,''),
		created_at, updated_at
		FROM sessions WHERE id = $1`
	var s models.Session
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&s.ID, &s.Title, &s.HostID, &s.IsLive,
		&s.MergedVideo.Host, &s.MergedVideo.Guest, &s.MergedVideo.FinalMerged,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// SetLive updates the session's live flag.
func (r *Repository) SetLive(ctx context.Context, id string, live bool) error {
	const q = `UPDATE sessions SET is_live = $1, updated_at = NOW() WHERE id = $2`
	tag, err := r.pool.Exec(ctx, q, live, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// CompleteMerge sets the three merged artifact URLs and flips is_live off, then
// returns the updated session joined with its host user. The update is absolute,
// so re-running it for the same session converges to the same state. If the
// session does not exist nothing is modified and ErrSessionNotFound is returned.
func (r *Repository) CompleteMerge(ctx context.Context, id string, res MergeResult) (*models.SessionWithHost, error) {
	const upd = `UPDATE sessions SET
			merged_video_host = $1,
			merged_video_guest = $2,
			merged_video_final = $3,
			is_live = FALSE,
			updated_at = NOW()
		WHERE id = $4
		RETURNING id, COALESCE(title,''), host_id, is_live,
			COALESCE(merged_video_host,''), COALESCE(merged_video_guest,''), COALESCE(merged_video_final,''),
			created_at, updated_at`

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var sh models.SessionWithHost
	err = tx.QueryRow(ctx, upd, res.HostURL, res.GuestURL, res.MergedURL, id).Scan(
		&sh.ID, &sh.Title, &sh.HostID, &sh.IsLive,
		&sh.MergedVideo.Host, &sh.MergedVideo.Guest, &sh.MergedVideo.FinalMerged,
		&sh.CreatedAt, &sh.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	if sh.HostID != nil {
		const hq = `SELECT id, email, name, created_at, updated_at FROM users WHERE id = $1`
		var u models.User
		err = tx.QueryRow(ctx, hq, *sh.HostID).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.UpdatedAt)
		if err == nil {
			sh.Host = &u
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &sh, nil
}
