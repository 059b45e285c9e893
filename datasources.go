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
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/stdlib"
	"modernc.org/sqlite"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"

	defaultSQLitePath  = "cruze.db"
	defaultBusyTimeout = 5 * time.Second
)

// dsconnect opens a connection pool to the datasource and checks that it is
// reachable.
func dsconnect(ctx context.Context, s *Datasource) (db *sql.DB, err error) {
	switch s.Driver {
	case "", driverSQLite:
		db, err = sql.Open("sqlite", ds2sqlite(s))
		if err != nil {
			return nil, fmt.Errorf("sqlite: open failed: %w", err)
		}
	case driverPostgres:
		cfg, err := ds2cfg(s)
		if err != nil {
			return nil, err
		}
		var opts []stdlib.OptionOpenDB
		if len(s.Role) > 0 {
			opts = append(opts, stdlib.OptionAfterConnect(setRole(s.Role)))
		}
		db = stdlib.OpenDB(*cfg, opts...)
	default: // should not happen with valid config
		return nil, fmt.Errorf("unknown driver %q", s.Driver)
	}

	// pool params
	if p := s.Pool; p != nil {
		if p.MaxConns != nil && *p.MaxConns > 0 {
			db.SetMaxOpenConns(*p.MaxConns)
		}
		if p.MaxIdleConns != nil && *p.MaxIdleConns >= 0 {
			db.SetMaxIdleConns(*p.MaxIdleConns)
		}
		if p.MaxIdleTime != nil && *p.MaxIdleTime > 0 {
			db.SetConnMaxIdleTime(time.Duration(*p.MaxIdleTime * float64(time.Second)))
		}
		if p.MaxConnectedTime != nil && *p.MaxConnectedTime > 0 {
			db.SetConnMaxLifetime(time.Duration(*p.MaxConnectedTime * float64(time.Second)))
		}
	}

	// check connectivity
	if t := dsTimeout(s); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping failed: %w", dsDriver(s), err)
	}
	return db, nil
}

func dsDriver(s *Datasource) string {
	if s.Driver == "" {
		return driverSQLite
	}
	return s.Driver
}

func dsTimeout(s *Datasource) time.Duration {
	if s.Timeout != nil && *s.Timeout > 0 {
		return time.Duration(*s.Timeout * float64(time.Second))
	}
	return 0
}

// ds2sqlite returns the DSN for a SQLite datasource. The pragmas are part of
// the DSN so that they apply to every connection in the pool.
func ds2sqlite(s *Datasource) string {
	path := s.Path
	if len(path) == 0 {
		path = defaultSQLitePath
	}
	busy := dsTimeout(s)
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	params := url.Values{}
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "foreign_keys(ON)")
	return "file:" + path + "?" + params.Encode()
}

func ds2cfg(s *Datasource) (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(ds2url(s))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func setRole(role string) func(context.Context, *pgx.Conn) error {
	// note: the "SET ROLE" does not take a bind parameter, so $1 type
	// arguments cannot be used. However, at this point role is guaranteed
	// not to contain any special characters.
	return func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "SET ROLE "+role); err != nil {
			return fmt.Errorf("failed to set role %q: %w", role, err)
		}
		return nil
	}
}

// ds2url renders the postgres settings of s as a keyword-only URL. Every
// setting travels as a query parameter so that nothing needs escaping into
// the userinfo or host parts.
func ds2url(s *Datasource) string {
	params := make(url.Values, len(s.Params)+10)
	for k, v := range s.Params {
		params.Set(k, v)
	}
	for kw, v := range map[string]string{
		"host":        s.Host,
		"user":        s.User,
		"password":    s.Password,
		"dbname":      s.Database,
		"passfile":    s.Passfile,
		"sslmode":     s.SSLMode,
		"sslcert":     s.SSLCert,
		"sslkey":      s.SSLKey,
		"sslrootcert": s.SSLRootCert,
	} {
		if v != "" {
			params.Set(kw, v)
		}
	}
	if s.Timeout != nil && *s.Timeout > 0 {
		params.Set("connect_timeout", strconv.Itoa(int(math.Round(*s.Timeout))))
	}
	return "postgres://?" + params.Encode()
}

//------------------------------------------------------------------------------
// dialect

// rebind converts the '?' placeholders in query into the $1, $2.. form used
// by postgres. Queries must not contain '?' inside string literals.
func rebind(driver, query string) string {
	if driver != driverPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if c := query[i]; c == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
		} else {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

const (
	pgUniqueViolation    = "23505"
	sqliteConstraint     = 19 // SQLITE_CONSTRAINT, primary result code
	sqliteResultCodeMask = 0xff
)

// isUniqueViolation reports whether err was caused by a UNIQUE constraint
// of the database.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code()&sqliteResultCodeMask == sqliteConstraint &&
			strings.Contains(sqErr.Error(), "UNIQUE")
	}
	return false
}
