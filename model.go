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
	"fmt"
	"strings"
)

// SchemaVersion is the configuration schema this build understands.
const SchemaVersion = "1.0.0"

//------------------------------------------------------------------------------
// server

// APIServerConfig holds everything an APIServer needs to know. The cruze
// command reads it from a JSON or YAML file.
type APIServerConfig struct {
	// Version is the schema version the file was written against. Required.
	// It must be 1.0.0, which may be shortened to `1` or `1.0`.
	Version string `json:"version"`

	// Listen is the address to serve on, as `IP`, `IP:port` or `:port`. The
	// port defaults to 8000 and an empty IP means all interfaces. Hostnames
	// are rejected.
	// Examples: `127.0.0.1:8000`, `[::1]:8000`, `:9000`, `0.0.0.0`
	Listen string `json:"listen,omitempty"`

	// CommonPrefix mounts the whole API below a path like `/api/v1`. It must
	// start with a slash and must not end with one.
	CommonPrefix string `json:"commonPrefix,omitempty"`

	// CORS, when set, lets browser apps on other origins call the API.
	CORS *CORS `json:"cors,omitempty"`

	// Compression enables gzip and deflate content encoding of responses,
	// if the client indicates support for it.
	Compression bool `json:"compression,omitempty"`

	// Debug enables debug logging of every request served.
	Debug bool `json:"debug,omitempty"`

	// Datasource is the database that holds the accounts. If nothing is
	// specified, a SQLite database called `cruze.db` in the current
	// directory is used.
	Datasource Datasource `json:"datasource"`

	// Token configures the issue and verification of bearer tokens.
	Token TokenConfig `json:"token"`

	// Accounts configures the `/users/` resource.
	Accounts AccountsConfig `json:"accounts"`

	// RateLimit, if set, limits the number of requests per client IP to the
	// token endpoints.
	RateLimit *RateLimit `json:"rateLimit,omitempty"`

	// Jobs are maintenance tasks run on a cron schedule.
	Jobs []Job `json:"jobs,omitempty"`
}

// Validate checks the configuration and lists every problem found.
func (c *APIServerConfig) Validate() (r []ValidationResult) {
	return c.validate()
}

// IsValid folds the errors reported by Validate into a single error, or
// returns nil if there are none. Warnings are dropped.
func (c *APIServerConfig) IsValid() error {
	var msgs []string
	for _, vr := range c.Validate() {
		if vr.Warn {
			continue
		}
		msgs = append(msgs, vr.Message)
	}
	if n := len(msgs); n > 0 {
		return fmt.Errorf("%d errors: %s", n, strings.Join(msgs, "; "))
	}
	return nil
}

// ValidationResult is a single finding of Validate.
type ValidationResult struct {
	Warn    bool // false for errors
	Message string
}

//------------------------------------------------------------------------------
// cors

// CORS configures cross-origin access through github.com/rs/cors.
type CORS struct {
	// AllowedOrigins is a list of origins a cross-domain request can be
	// executed from. `*` allows all origins. An origin may contain one
	// wildcard, like `http://*.school.edu`. Default value is [`*`].
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`

	// AllowedMethods is a list of methods the client is allowed to use with
	// cross-domain requests. Default value is [`HEAD`, `GET`, `POST`], which
	// leaves out the methods used to update and delete accounts.
	AllowedMethods []string `json:"allowedMethods,omitempty"`

	// AllowedHeaders is list of non simple headers the client is allowed to
	// use. `Authorization`, `X-Username` and `User-Id` must be listed here
	// for browsers to send bearer tokens. `Origin` is always appended.
	AllowedHeaders []string `json:"allowedHeaders,omitempty"`

	// ExposedHeaders are response headers scripts may read.
	ExposedHeaders []string `json:"exposedHeaders,omitempty"`

	// AllowCredentials lets browsers attach credentials to requests.
	AllowCredentials bool `json:"allowCredentials,omitempty"`

	// MaxAge is how many seconds browsers may cache a preflight answer.
	MaxAge *int `json:"maxAge,omitempty"`

	// Debug enables logging of CORS-related decisions.
	Debug bool `json:"debug,omitempty"`
}

//------------------------------------------------------------------------------
// datasource

// Datasource defines the database that stores the accounts. Two drivers are
// supported, `sqlite` (the default) and `postgres`.
//
// For `sqlite`, only Path, Timeout and Pool are used. For `postgres`, the
// remaining fields are the equivalent of a connection URI. The libpq
// environment variables (PGHOST, PGPORT, PGDATABASE, PGUSER, PGPASSWORD,
// PGPASSFILE, PGSSLMODE etc.) are also understood.
type Datasource struct {
	// Driver is one of `sqlite` or `postgres`. Defaults to `sqlite`.
	Driver string `json:"driver,omitempty"`

	// Path is the file name of the SQLite database. It will be created if it
	// does not exist. Defaults to `cruze.db`.
	Path string `json:"path,omitempty"`

	// Host is the Postgres server address, with an optional `:port`, or a
	// Unix socket directory.
	Host string `json:"host,omitempty"`

	// Database, User, Password and Passfile have their libpq meanings.
	// Prefer Passfile over a plain text Password.
	Database string `json:"dbname,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Passfile string `json:"passfile,omitempty"`

	// SSLMode is one of `disable`, `allow`, `prefer`, `require`, `verify-ca`
	// or `verify-full`. The other SSL fields are client certificate, key and
	// CA bundle paths.
	SSLMode     string `json:"sslmode,omitempty"`
	SSLCert     string `json:"sslcert,omitempty"`
	SSLKey      string `json:"sslkey,omitempty"`
	SSLRootCert string `json:"sslrootcert,omitempty"`

	// Params are extra run-time parameters, like `application_name`.
	Params map[string]string `json:"params,omitempty"`

	// Timeout specifies a timeout in seconds, for establishing the
	// connection and for each query. For SQLite it is the busy timeout.
	// Ignored if <= 0.
	Timeout *float64 `json:"timeout,omitempty"`

	// Role is assumed with SET ROLE on every new connection.
	Role string `json:"role,omitempty"`

	// Pool configures the connection pooling parameters.
	Pool *ConnPool `json:"pool,omitempty"`
}

// ConnPool tunes the database/sql connection pool. Durations are seconds.
type ConnPool struct {
	// MaxConns sets the maximum number of open connections to the database.
	// If specified, must be > 0.
	MaxConns *int `json:"maxConns,omitempty"`

	// MaxIdleConns sets the maximum number of idle connections kept in the
	// pool. If specified, must be >= 0.
	MaxIdleConns *int `json:"maxIdleConns,omitempty"`

	// MaxIdleTime and MaxConnectedTime close connections that have been
	// idle, or open, for that long. Must be > 0 if given.
	MaxIdleTime      *float64 `json:"maxIdleTime,omitempty"`
	MaxConnectedTime *float64 `json:"maxConnectedTime,omitempty"`
}

//------------------------------------------------------------------------------
// token

// TokenConfig specifies how bearer tokens are signed and verified. All
// durations are in seconds.
type TokenConfig struct {
	// SecretKey is the key used to sign tokens. Required unless PrivateKey
	// is set. If empty, the CRUZE_SECRET_KEY environment variable is used
	// by the cruze command.
	SecretKey string `json:"secretKey,omitempty"`

	// PrivateKey, if set, is used instead of SecretKey.
	PrivateKey string `json:"privateKey,omitempty"`

	// Algorithm is one of `HS256` (the default), `HS384` or `HS512`.
	Algorithm string `json:"algorithm,omitempty"`

	// Verify enables the checking of claims (and not just the signature) of
	// incoming tokens. Defaults to true.
	Verify *bool `json:"verify,omitempty"`

	// VerifyExpiration enables the checking of the `exp` claim. Defaults to
	// true.
	VerifyExpiration *bool `json:"verifyExpiration,omitempty"`

	// VerifyNotBefore enables the checking of the `nbf` claim. Defaults to
	// true.
	VerifyNotBefore *bool `json:"verifyNotBefore,omitempty"`

	// Expiration is the lifetime of a token. Defaults to 7 days.
	Expiration *float64 `json:"expiration,omitempty"`

	// NotBefore is added to the issue time to get the `nbf` claim. Defaults
	// to 0.
	NotBefore *float64 `json:"notBefore,omitempty"`

	// Leeway is the allowed clock skew when checking time claims.
	Leeway *float64 `json:"leeway,omitempty"`

	// Issuer is the value of the `iss` claim. Defaults to `cruze`.
	Issuer string `json:"issuer,omitempty"`

	// Audience, if set, is the value of the `aud` claim.
	Audience string `json:"audience,omitempty"`

	// AllowRefresh enables the `/auth/token/refresh/` endpoint.
	AllowRefresh bool `json:"allowRefresh,omitempty"`

	// RefreshExpiration is the time since the original issue of a token
	// after which it can no longer be refreshed. Defaults to 7 days.
	RefreshExpiration *float64 `json:"refreshExpiration,omitempty"`
}

//------------------------------------------------------------------------------
// accounts

// AccountsConfig configures the `/users/` resource.
type AccountsConfig struct {
	// PasswordMinLength is the minimum length of passwords. Defaults to 8.
	PasswordMinLength *int `json:"passwordMinLength,omitempty"`

	// UsernameMinLength is the minimum length of usernames. Defaults to 4.
	UsernameMinLength *int `json:"usernameMinLength,omitempty"`

	// PasswordIterations is the PBKDF2 iteration count for newly hashed
	// passwords. Defaults to 260000. Existing hashes keep their count.
	PasswordIterations *int `json:"passwordIterations,omitempty"`

	// PageSize is the number of profiles in each page of the list. Defaults
	// to 10.
	PageSize *int `json:"pageSize,omitempty"`

	// Cache the list and detail responses for these many seconds. The
	// APIServer should be started with a RuntimeInterface that supports
	// caching for this to work. Any write makes older entries stale.
	// Ignored if <= 0.
	Cache *float64 `json:"cache,omitempty"`
}

// RateLimit limits the requests from a single IP to Requests per Window
// seconds.
type RateLimit struct {
	Requests int     `json:"requests"`
	Window   float64 `json:"window"`
}

//------------------------------------------------------------------------------
// scheduled jobs

// Job is a maintenance task run by the server on a cron schedule.
type Job struct {
	// Name is a unique dotted identifier, like `lift.hourly`. Required.
	Name string `json:"name"`

	// Type is one of `lift-suspensions` or `exec`, and must be specified.
	// `lift-suspensions` lifts all suspensions that have elapsed. `exec`
	// runs the SQL statements in Script against the datasource.
	Type string `json:"type"`

	// Schedule is a 5-field cron expression or a descriptor such as
	// `@hourly` or `@every 30m`.
	Schedule string `json:"schedule"`

	// Script is the SQL statements to run for `exec` type jobs.
	Script string `json:"script,omitempty"`

	// Debug logs every run at debug level.
	Debug bool `json:"debug,omitempty"`

	// Timeout bounds each run, in seconds. Ignored if <= 0.
	Timeout *float64 `json:"timeout,omitempty"`
}
