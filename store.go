/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package cruze

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	errNotFound  = errors.New("not found")
	errDuplicate = errors.New("duplicate username or email")
)

// store keeps the users and their profiles in a SQL database. All queries
// are written with '?' placeholders and rebound for the driver in use.
type store struct {
	db      *sql.DB
	driver  string
	timeout time.Duration
	logger  zerolog.Logger
}

func openStore(ctx context.Context, s *Datasource, logger zerolog.Logger) (*store, error) {
	db, err := dsconnect(ctx, s)
	if err != nil {
		return nil, err
	}
	st := &store{
		db:      db,
		driver:  dsDriver(s),
		timeout: dsTimeout(s),
		logger:  logger,
	}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *store) close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("error closing datasource")
	}
}

func (s *store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

func (s *store) q(query string) string {
	return rebind(s.driver, query)
}

//------------------------------------------------------------------------------
// schema

// Times are stored as microseconds since the epoch, and the date of birth as
// YYYY-MM-DD text, so that both drivers share the same schema.
const schemaTmpl = `
CREATE TABLE IF NOT EXISTS users (
	id           %[1]s PRIMARY KEY,
	username     VARCHAR(150) NOT NULL UNIQUE,
	password     VARCHAR(128) NOT NULL,
	first_name   VARCHAR(150) NOT NULL,
	last_name    VARCHAR(150) NOT NULL,
	email        VARCHAR(254) NOT NULL UNIQUE,
	is_active    BOOLEAN NOT NULL DEFAULT TRUE,
	is_staff     BOOLEAN NOT NULL DEFAULT FALSE,
	is_superuser BOOLEAN NOT NULL DEFAULT FALSE,
	last_login   BIGINT,
	date_joined  BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS user_profiles (
	id              %[1]s PRIMARY KEY,
	user_id         BIGINT NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
	dob             VARCHAR(10) NOT NULL,
	car             BOOLEAN NOT NULL DEFAULT FALSE,
	num_seats       INTEGER CHECK (num_seats >= 0 AND num_seats <= 32767),
	last_suspension BIGINT,
	suspended_until BIGINT
);
CREATE INDEX IF NOT EXISTS user_profiles_suspended_until ON user_profiles (suspended_until)
`

func (s *store) migrate(ctx context.Context) error {
	serial := "INTEGER"
	if s.driver == driverPostgres {
		serial = "BIGSERIAL"
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	for _, stmt := range strings.Split(fmt.Sprintf(schemaTmpl, serial), ";") {
		if stmt = strings.TrimSpace(stmt); len(stmt) == 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

//------------------------------------------------------------------------------
// conversions

func toMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}

func toSeats(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

const selectProfile = `SELECT p.id, p.dob, p.car, p.num_seats, p.last_suspension,
	p.suspended_until, u.id, u.username, u.password, u.first_name, u.last_name,
	u.email, u.is_active, u.is_staff, u.is_superuser, u.last_login, u.date_joined
	FROM user_profiles p JOIN users u ON u.id = p.user_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	var (
		p                      Profile
		dob                    string
		seats, lastSusp, until sql.NullInt64
		lastLogin              sql.NullInt64
		dateJoined             int64
	)
	err := row.Scan(&p.ID, &dob, &p.Car, &seats, &lastSusp, &until,
		&p.User.ID, &p.User.Username, &p.User.Password, &p.User.FirstName,
		&p.User.LastName, &p.User.Email, &p.User.IsActive, &p.User.IsStaff,
		&p.User.IsSuperuser, &lastLogin, &dateJoined)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	} else if err != nil {
		return nil, err
	}
	if t, err := time.Parse(dateLayout, dob); err == nil {
		p.DOB = Date{t}
	} else {
		return nil, fmt.Errorf("profile %d: bad dob %q: %w", p.ID, dob, err)
	}
	if seats.Valid {
		n := int(seats.Int64)
		p.NumSeats = &n
	}
	p.LastSuspension = fromMicros(lastSusp)
	p.SuspendedUntil = fromMicros(until)
	p.User.LastLogin = fromMicros(lastLogin)
	p.User.DateJoined = time.UnixMicro(dateJoined).UTC()
	return &p, nil
}

//------------------------------------------------------------------------------
// queries

func (s *store) getProfile(ctx context.Context, id int64) (*Profile, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return scanProfile(s.db.QueryRowContext(ctx, s.q(selectProfile+` WHERE p.id = ?`), id))
}

func (s *store) getProfileByUsername(ctx context.Context, username string) (*Profile, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return scanProfile(s.db.QueryRowContext(ctx, s.q(selectProfile+` WHERE u.username = ?`), username))
}

func (s *store) countProfiles(ctx context.Context) (count int, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_profiles`).Scan(&count)
	return
}

// listProfiles returns a page of profiles ordered by id.
func (s *store) listProfiles(ctx context.Context, offset, limit int) ([]*Profile, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.q(selectProfile+` ORDER BY p.id LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*Profile, 0, limit)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// taken reports whether another user (not excludeID) already has the value
// for the given column, which is one of username or email.
func (s *store) taken(ctx context.Context, column, value string, excludeID int64) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var n int
	query := `SELECT COUNT(*) FROM users WHERE ` + column + ` = ? AND id <> ?`
	if err := s.db.QueryRowContext(ctx, s.q(query), value, excludeID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// createProfile inserts the user and the profile, and sets their ids. The
// password of the user must already be hashed.
func (s *store) createProfile(ctx context.Context, p *Profile) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		u := &p.User
		err := tx.QueryRowContext(ctx, s.q(`INSERT INTO users (username, password,
			first_name, last_name, email, is_active, is_staff, is_superuser,
			last_login, date_joined) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			u.Username, u.Password, u.FirstName, u.LastName, u.Email, u.IsActive,
			u.IsStaff, u.IsSuperuser, toMicros(u.LastLogin), u.DateJoined.UnixMicro()).Scan(&u.ID)
		if err != nil {
			return mapUnique(err)
		}
		err = tx.QueryRowContext(ctx, s.q(`INSERT INTO user_profiles (user_id, dob,
			car, num_seats, last_suspension, suspended_until) VALUES (?, ?, ?, ?, ?, ?)
			RETURNING id`), u.ID, p.DOB.String(), p.Car, toSeats(p.NumSeats),
			toMicros(p.LastSuspension), toMicros(p.SuspendedUntil)).Scan(&p.ID)
		return err
	})
}

// updateProfile writes all the writable fields of the profile and its user.
func (s *store) updateProfile(ctx context.Context, p *Profile) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		u := &p.User
		res, err := tx.ExecContext(ctx, s.q(`UPDATE users SET username = ?, password = ?,
			first_name = ?, last_name = ?, email = ? WHERE id = ?`),
			u.Username, u.Password, u.FirstName, u.LastName, u.Email, u.ID)
		if err != nil {
			return mapUnique(err)
		}
		if err := checkAffected(res); err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx, s.q(`UPDATE user_profiles SET dob = ?, car = ?,
			num_seats = ? WHERE id = ?`), p.DOB.String(), p.Car, toSeats(p.NumSeats), p.ID)
		if err != nil {
			return err
		}
		return checkAffected(res)
	})
}

// deleteProfile deletes the profile and its user.
func (s *store) deleteProfile(ctx context.Context, id int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var userID int64
		err := tx.QueryRowContext(ctx, s.q(`SELECT user_id FROM user_profiles WHERE id = ?`), id).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound
		} else if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM user_profiles WHERE id = ?`), id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`DELETE FROM users WHERE id = ?`), userID)
		return err
	})
}

func (s *store) setLastLogin(ctx context.Context, userID int64, t time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET last_login = ? WHERE id = ?`),
		t.UnixMicro(), userID)
	return err
}

//------------------------------------------------------------------------------
// suspensions

// suspend sets the time until which the profile is suspended.
func (s *store) suspend(ctx context.Context, id int64, until time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE user_profiles SET suspended_until = ? WHERE id = ?`),
		until.UnixMicro(), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// liftSuspension clears the suspension of the profile and records now as the
// time of the last suspension.
func (s *store) liftSuspension(ctx context.Context, id int64, now time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE user_profiles SET suspended_until = NULL,
		last_suspension = ? WHERE id = ?`), now.UnixMicro(), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// liftElapsedSuspensions lifts every suspension that ended before now, and
// returns the number of profiles updated.
func (s *store) liftElapsedSuspensions(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ts := now.UnixMicro()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE user_profiles SET suspended_until = NULL,
		last_suspension = ? WHERE suspended_until IS NOT NULL AND suspended_until < ?`), ts, ts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

//------------------------------------------------------------------------------
// helpers

// exec runs a script of one or more SQL statements, without parameters.
func (s *store) exec(ctx context.Context, script string) (int64, error) {
	res, err := s.db.ExecContext(ctx, script)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *store) withTx(ctx context.Context, cb func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := cb(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			s.logger.Warn().Err(rerr).Msg("rollback failed")
		}
		return err
	}
	return tx.Commit()
}

func checkAffected(res sql.Result) error {
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errNotFound
	}
	return nil
}

func mapUnique(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", errDuplicate, err)
	}
	return err
}
