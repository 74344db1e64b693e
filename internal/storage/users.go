package storage

import (
	"context"
	"database/sql"
	"errors"
)

// Per-user progress tables: xp totals, named counters ("stats"), named
// bests ("records") and per-guild settings. All are keyed by
// (user, guild); upserts keep callers free of exists-checks.

func (s *Store) AddUserXP(ctx context.Context, user, guild, delta int64) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_xp(user, guild, xp) VALUES(?,?,?)
		 ON CONFLICT(user, guild) DO UPDATE SET xp = MAX(0, xp + excluded.xp)`,
		user, guild, delta)
	if err != nil {
		return 0, err
	}
	return s.UserXP(ctx, user, guild)
}

func (s *Store) UserXP(ctx context.Context, user, guild int64) (int64, error) {
	var xp int64
	err := s.db.QueryRowContext(ctx,
		`SELECT xp FROM user_xp WHERE user = ? AND guild = ?`, user, guild).Scan(&xp)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return xp, err
}

// AddUserStat adds delta to a named counter; negative deltas floor at
// zero (you cannot have started -1 sprints).
func (s *Store) AddUserStat(ctx context.Context, user, guild int64, name string, delta int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_stats(user, guild, name, value) VALUES(?,?,?,MAX(0,?))
		 ON CONFLICT(user, guild, name) DO UPDATE SET value = MAX(0, value + ?)`,
		user, guild, name, delta, delta)
	return err
}

func (s *Store) UserStat(ctx context.Context, user, guild int64, name string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM user_stats WHERE user = ? AND guild = ? AND name = ?`,
		user, guild, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// UserRecord returns a personal best; ok is false if none exists yet.
func (s *Store) UserRecord(ctx context.Context, user, guild int64, name string) (float64, bool, error) {
	var v float64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM user_records WHERE user = ? AND guild = ? AND name = ?`,
		user, guild, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (s *Store) UpdateUserRecord(ctx context.Context, user, guild int64, name string, value float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_records(user, guild, name, value) VALUES(?,?,?,?)
		 ON CONFLICT(user, guild, name) DO UPDATE SET value=excluded.value`,
		user, guild, name, value)
	return err
}

func (s *Store) SetUserSetting(ctx context.Context, user, guild int64, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_settings(user, guild, name, value) VALUES(?,?,?,?)
		 ON CONFLICT(user, guild, name) DO UPDATE SET value=excluded.value`,
		user, guild, name, value)
	return err
}

func (s *Store) UserSetting(ctx context.Context, user, guild int64, name string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM user_settings WHERE user = ? AND guild = ? AND name = ?`,
		user, guild, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// UsersWithSetting lists users in a guild holding a setting value,
// e.g. everyone who opted into sprint notifications.
func (s *Store) UsersWithSetting(ctx context.Context, guild int64, name, value string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user FROM user_settings WHERE guild = ? AND name = ? AND value = ? ORDER BY user ASC`,
		guild, name, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var u int64
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) SetGuildSetting(ctx context.Context, guild int64, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guild_settings(guild, name, value) VALUES(?,?,?)
		 ON CONFLICT(guild, name) DO UPDATE SET value=excluded.value`,
		guild, name, value)
	return err
}

func (s *Store) GuildSetting(ctx context.Context, guild int64, name string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM guild_settings WHERE guild = ? AND name = ?`, guild, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}
