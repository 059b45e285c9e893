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
	"net"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/cruze-app/cruze/jwt"

	"github.com/robfig/cron/v3"
	"golang.org/x/mod/semver"
)

//------------------------------------------------------------------------------

func addWarn(r []ValidationResult, format string, args ...any) []ValidationResult {
	return append(r, ValidationResult{Warn: true, Message: fmt.Sprintf(format, args...)})
}

func addError(r []ValidationResult, format string, args ...any) []ValidationResult {
	return append(r, ValidationResult{Message: fmt.Sprintf(format, args...)})
}

//------------------------------------------------------------------------------
// server

var (
	rxPort   = regexp.MustCompile(`:[0-9]+$`)
	rxPrefix = regexp.MustCompile(`^(/[A-Za-z0-9_.-]+)+$`)
)

const defaultPort = ":8000"

func (c *APIServerConfig) validate() (r []ValidationResult) {
	v := "v" + c.Version
	switch {
	case !semver.IsValid(v):
		r = addError(r, "version %q is not a semantic version", c.Version)
	case semver.Canonical(v) != "v"+SchemaVersion:
		r = addError(r, "version %q is not supported, want %s", c.Version, SchemaVersion)
	}

	if c.Listen != "" {
		r = append(r, validateListen(c.Listen)...)
	}
	if c.CommonPrefix != "" && !rxPrefix.MatchString(c.CommonPrefix) {
		r = addError(r, "common prefix %q: must look like /api/v1", c.CommonPrefix)
	}
	if c.CORS != nil {
		r = append(r, c.CORS.validate()...)
	}
	r = append(r, c.Datasource.validate()...)
	r = append(r, c.Token.validate()...)
	r = append(r, c.Accounts.validate()...)
	if c.RateLimit != nil {
		r = append(r, c.RateLimit.validate()...)
	}

	seen := make(map[string]bool, len(c.Jobs))
	for i := range c.Jobs {
		j := &c.Jobs[i]
		if seen[j.Name] {
			r = addError(r, "job %q: name is not unique", j.Name)
		}
		seen[j.Name] = true
		r = append(r, j.validate()...)
	}
	return
}

func validateListen(listen string) (r []ValidationResult) {
	addr := listen
	if !rxPort.MatchString(addr) {
		addr += defaultPort
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addError(r, "listen %q: %v", listen, err)
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n >= 65535 {
		r = addError(r, "listen %q: port %q out of range", listen, port)
	}
	if host != "" && net.ParseIP(host) == nil {
		r = addError(r, "listen %q: %q is not an IP address", listen, host)
	}
	return
}

//------------------------------------------------------------------------------
// server -> cors

var corsMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
	http.MethodOptions: true,
}

func (c *CORS) validate() (r []ValidationResult) {
	for _, o := range c.AllowedOrigins {
		if strings.Count(o, "*") > 1 {
			r = addError(r, "cors: origin %q has more than one wildcard", o)
		}
	}
	for _, m := range c.AllowedMethods {
		if !corsMethods[m] {
			r = addError(r, "cors: unknown method %q", m)
		}
	}
	if c.MaxAge != nil && *c.MaxAge <= 0 {
		r = addWarn(r, "cors: maxAge %d ignored, not positive", *c.MaxAge)
	}
	return
}

//------------------------------------------------------------------------------
// datasource

var (
	rxName    = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*(\.[A-Za-z0-9_][A-Za-z0-9_-]*)*$`)
	rxPqParam = regexp.MustCompile(`^[a-z]+(_[a-z]+)*$`)
	rxRole    = regexp.MustCompile(`^[A-Za-z\200-\377_][A-Za-z\200-\377_0-9\$]*$`)
)

func (d *Datasource) validate() (r []ValidationResult) {
	switch d.Driver {
	case "", driverSQLite:
		if len(d.Host) > 0 || len(d.Database) > 0 || len(d.User) > 0 || len(d.Role) > 0 {
			r = addWarn(r, "datasource: postgres settings will be ignored for sqlite")
		}
	case driverPostgres:
		if len(d.Path) > 0 {
			r = addWarn(r, "datasource: path %q will be ignored for postgres", d.Path)
		}
		for k := range d.Params {
			if !rxPqParam.MatchString(k) {
				r = addError(r, "datasource: invalid param %q", k)
			}
		}
		if len(d.Role) > 0 && !rxRole.MatchString(d.Role) {
			r = addError(r, "datasource: invalid role %q", d.Role)
		}
		for name, path := range map[string]string{
			"sslcert": d.SSLCert, "sslkey": d.SSLKey, "sslrootcert": d.SSLRootCert,
		} {
			if path != "" && !fileExists(path) {
				r = addError(r, "datasource: %s file %q not found", name, path)
			}
		}
	default:
		r = addError(r, "datasource: driver %q is not %s or %s", d.Driver,
			driverSQLite, driverPostgres)
	}
	if d.Timeout != nil && *d.Timeout <= 0 {
		r = addWarn(r, "datasource: timeout %g ignored, not positive", *d.Timeout)
	}
	if d.Pool != nil {
		r = append(r, d.Pool.validate()...)
	}
	return
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

//------------------------------------------------------------------------------
// datasource -> pool

func (p *ConnPool) validate() (r []ValidationResult) {
	if p.MaxConns != nil && *p.MaxConns <= 0 {
		r = addError(r, "pool: maxConns %d must be >0", *p.MaxConns)
	}
	if p.MaxIdleConns != nil && *p.MaxIdleConns < 0 {
		r = addError(r, "pool: maxIdleConns %d must be >=0", *p.MaxIdleConns)
	}
	if p.MaxConns != nil && p.MaxIdleConns != nil && *p.MaxConns < *p.MaxIdleConns {
		r = addWarn(r, "pool: maxIdleConns %d exceeds maxConns %d",
			*p.MaxIdleConns, *p.MaxConns)
	}
	for name, v := range map[string]*float64{
		"maxIdleTime": p.MaxIdleTime, "maxConnectedTime": p.MaxConnectedTime,
	} {
		if v != nil && *v <= 0 {
			r = addError(r, "pool: %s %g must be >0", name, *v)
		}
	}
	return
}

//------------------------------------------------------------------------------
// token

const minSecretKeyLength = 32

func (t *TokenConfig) validate() (r []ValidationResult) {
	if k := t.signingKey(); len(k) == 0 {
		r = addError(r, "token: one of secretKey or privateKey must be specified")
	} else if len(k) < minSecretKeyLength {
		r = addWarn(r, "token: signing key is only %d bytes long, should be at least %d",
			len(k), minSecretKeyLength)
	}
	if len(t.Algorithm) > 0 {
		if alg, ok := jwt.AlgorithmByName(t.Algorithm); !ok || alg == jwt.None {
			r = addError(r, "token: invalid algorithm %q, must be one of 'HS256', 'HS384' or 'HS512'",
				t.Algorithm)
		}
	}
	check := func(name string, v *float64, allowZero bool) {
		if v == nil {
			return
		}
		if *v < 0 || (*v == 0 && !allowZero) {
			r = addError(r, "token: invalid %s %g", name, *v)
		}
	}
	check("expiration", t.Expiration, false)
	check("notBefore", t.NotBefore, true)
	check("leeway", t.Leeway, true)
	check("refreshExpiration", t.RefreshExpiration, false)
	if t.RefreshExpiration != nil && !t.AllowRefresh {
		r = addWarn(r, "token: refreshExpiration is set but allowRefresh is not, will be ignored")
	}
	if t.Verify != nil && !*t.Verify {
		r = addWarn(r, "token: verify is false, claims of tokens will not be checked")
	}
	return
}

//------------------------------------------------------------------------------
// accounts

func (a *AccountsConfig) validate() (r []ValidationResult) {
	check := func(name string, v *int) {
		if v != nil && *v <= 0 {
			r = addError(r, "accounts: %s %d must be >0", name, *v)
		}
	}
	check("passwordMinLength", a.PasswordMinLength)
	check("usernameMinLength", a.UsernameMinLength)
	check("passwordIterations", a.PasswordIterations)
	check("pageSize", a.PageSize)
	if a.Cache != nil && *a.Cache <= 0 {
		r = addWarn(r, "accounts: cache %g is <=0, will be ignored", *a.Cache)
	}
	if a.UsernameMinLength != nil && *a.UsernameMinLength > maxNameLength {
		r = addError(r, "accounts: usernameMinLength %d must be <=%d",
			*a.UsernameMinLength, maxNameLength)
	}
	return
}

func (rl *RateLimit) validate() (r []ValidationResult) {
	if rl.Requests <= 0 {
		r = addError(r, "rateLimit: requests %d must be >0", rl.Requests)
	}
	if rl.Window <= 0 {
		r = addError(r, "rateLimit: window %g must be >0", rl.Window)
	}
	return
}

//------------------------------------------------------------------------------
// job

var stdCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (j *Job) validate() (r []ValidationResult) {
	if !rxName.MatchString(j.Name) {
		r = addError(r, "job %q: invalid name", j.Name)
	}
	switch j.Type {
	case jobExec:
		if strings.TrimSpace(j.Script) == "" {
			r = addError(r, "job %q: exec job has no script", j.Name)
		}
	case jobLiftSuspensions:
		if j.Script != "" {
			r = addWarn(r, "job %q: script ignored for %s", j.Name, jobLiftSuspensions)
		}
	default:
		r = addError(r, "job %q: type %q is not %s or %s", j.Name, j.Type,
			jobLiftSuspensions, jobExec)
	}
	if _, err := stdCronParser.Parse(j.Schedule); err != nil {
		r = addError(r, "job %q: schedule: %v", j.Name, err)
	}
	if j.Timeout != nil && *j.Timeout <= 0 {
		r = addWarn(r, "job %q: timeout %g ignored, not positive", j.Name, *j.Timeout)
	}
	return
}
