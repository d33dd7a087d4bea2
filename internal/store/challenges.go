package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

var ErrChallengeNotFound = errors.New("challenge not found")

// GetChallenge fetches challenge content by ID
func (p *Postgres) GetChallenge(ctx context.Context, id string) (Challenge, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, title, text, language, created_at
		FROM challenges
		WHERE id = $1
	`, id)

	var c Challenge
	if err := row.Scan(&c.ID, &c.Title, &c.Text, &c.Language, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Challenge{}, ErrChallengeNotFound
		}
		return Challenge{}, err
	}
	return c, nil
}

// ListChallenges returns challenges sorted by creation time
func (p *Postgres) ListChallenges(ctx context.Context, limit, offset int) ([]Challenge, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, title, text, language, created_at
		FROM challenges
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Challenge
	for rows.Next() {
		var c Challenge
		if err := rows.Scan(&c.ID, &c.Title, &c.Text, &c.Language, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
