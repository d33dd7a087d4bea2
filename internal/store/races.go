package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/00quasr/sokudo-sub000/internal/race"
)

var ErrRaceNotFound = errors.New("race not found")

// CreateRace inserts a new waiting race for a challenge.
func (p *Postgres) CreateRace(ctx context.Context, challengeID string, maxPlayers int) (race.Race, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO races (id, status, challenge_id, max_players)
		VALUES ($1, 'waiting', $2, $3)
		RETURNING id, status, challenge_id, max_players, started_at, created_at, updated_at
	`, uuid.NewString(), challengeID, maxPlayers)
	return scanRace(row)
}

// GetRace fetches a race by ID
func (p *Postgres) GetRace(ctx context.Context, id string) (race.Race, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, status, challenge_id, max_players, started_at, created_at, updated_at
		FROM races
		WHERE id = $1
	`, id)
	rc, err := scanRace(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return race.Race{}, ErrRaceNotFound
	}
	return rc, err
}

// UpsertParticipant creates the participant row on join. Idempotent:
// rejoins hit the conflict path and change nothing.
func (p *Postgres) UpsertParticipant(ctx context.Context, raceID, userID string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO race_participants (race_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (race_id, user_id) DO NOTHING
	`, raceID, userID)
	return err
}

// FinalizeRace writes the terminal outcome in one transaction: race
// status plus every participant's final numbers and rank. The room calls
// this exactly once, after broadcasting the result to clients.
// Participant rows are upserted so an outcome survives even if the
// join-time insert never landed.
func (p *Postgres) FinalizeRace(ctx context.Context, fin race.Final) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE races
		SET status = $2, started_at = COALESCE(started_at, $3), updated_at = NOW()
		WHERE id = $1
	`, fin.RaceID, string(fin.Status), fin.StartedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrRaceNotFound
	}

	for _, pr := range fin.Participants {
		if _, err := tx.Exec(ctx, `
			INSERT INTO race_participants (race_id, user_id, wpm, accuracy, finished_at, rank)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (race_id, user_id) DO UPDATE
			SET wpm = EXCLUDED.wpm, accuracy = EXCLUDED.accuracy,
			    finished_at = EXCLUDED.finished_at, rank = EXCLUDED.rank
		`, fin.RaceID, pr.UserID, pr.WPM, pr.Accuracy, pr.FinishedAt, pr.Rank); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	p.log.Info("race.finalized", "id", fin.RaceID, "status", fin.Status, "participants", len(fin.Participants))
	return nil
}

// ListRaceResults returns the persisted outcome rows ordered by rank,
// unranked participants last.
func (p *Postgres) ListRaceResults(ctx context.Context, raceID string) ([]race.FinalResult, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT user_id, wpm, accuracy, finished_at, rank
		FROM race_participants
		WHERE race_id = $1
		ORDER BY rank NULLS LAST, user_id
	`, raceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []race.FinalResult
	for rows.Next() {
		var fr race.FinalResult
		if err := rows.Scan(&fr.UserID, &fr.WPM, &fr.Accuracy, &fr.FinishedAt, &fr.Rank); err != nil {
			return nil, err
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}

func scanRace(row pgx.Row) (race.Race, error) {
	var rc race.Race
	var status string
	if err := row.Scan(&rc.ID, &status, &rc.ChallengeID, &rc.MaxPlayers, &rc.StartedAt, &rc.CreatedAt, &rc.UpdatedAt); err != nil {
		return race.Race{}, err
	}
	rc.Status = race.Status(status)
	return rc, nil
}
