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
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cruze-app/cruze/jwt"
)

const (
	defaultIssuer            = "cruze"
	defaultExpiration        = 7 * 24 * time.Hour
	defaultRefreshExpiration = 7 * 24 * time.Hour

	claimOrigIat = "orig_iat"
)

//------------------------------------------------------------------------------
// settings

func seconds(v *float64, def time.Duration) time.Duration {
	if v != nil && *v >= 0 {
		return time.Duration(*v * float64(time.Second))
	}
	return def
}

func boolOr(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}

// signingKey returns the private key if set, else the secret key.
func (t *TokenConfig) signingKey() string {
	if len(t.PrivateKey) > 0 {
		return t.PrivateKey
	}
	return t.SecretKey
}

func (t *TokenConfig) algorithm() jwt.Algorithm {
	if alg, ok := jwt.AlgorithmByName(t.Algorithm); ok && alg != jwt.None {
		return alg
	}
	return jwt.HS256
}

func (t *TokenConfig) issuer() string {
	if len(t.Issuer) > 0 {
		return t.Issuer
	}
	return defaultIssuer
}

// tokenFor returns the token of the given profile. For tokens that can be
// refreshed, origIat is the time the first token in the chain was issued.
func (a *APIServer) tokenFor(p *Profile, origIat *time.Time) *jwt.Token {
	tc := &a.cfg.Token
	payload := jwt.NewClaimset(jwt.Iss(tc.issuer()), jwt.Sub(p.ID))
	if len(tc.Audience) > 0 {
		payload.Add(jwt.Aud(tc.Audience))
	}
	payload.Add(
		jwt.Nbf{Delta: seconds(tc.NotBefore, 0)},
		jwt.Exp{Delta: seconds(tc.Expiration, defaultExpiration)},
		jwt.Iat{},
	)
	if origIat != nil {
		payload.Add(jwt.At{Claim: claimOrigIat, Time: *origIat})
	}
	if boolOr(tc.VerifyExpiration, true) {
		payload.Require("exp")
	}
	return jwt.NewToken(a.alg, payload)
}

func (a *APIServer) verifyOptions() *jwt.VerifyOptions {
	tc := &a.cfg.Token
	return &jwt.VerifyOptions{
		SkipClaims:     !boolOr(tc.Verify, true),
		SkipExpiration: !boolOr(tc.VerifyExpiration, true),
		SkipNotBefore:  !boolOr(tc.VerifyNotBefore, true),
		Leeway:         seconds(tc.Leeway, 0),
	}
}

// issueToken builds a signed token for the profile.
func (a *APIServer) issueToken(p *Profile, now time.Time, origIat *time.Time) (string, error) {
	if a.cfg.Token.AllowRefresh && origIat == nil {
		origIat = &now
	}
	return a.tokenFor(p, origIat).Build(a.key, a.alg, now)
}

//------------------------------------------------------------------------------
// handlers

const (
	msgMustInclude   = "Must include `username` and `password`."
	msgBadLogin      = "Unable to log in with provided credentials."
	msgDisabled      = "User account is disabled."
	msgNoUser        = "User doesn't exist."
	msgOrigIat       = "orig_iat field is required."
	msgRefreshExpiry = "Refresh has expired."
)

// serveObtainToken exchanges a username and password for a token.
func (a *APIServer) serveObtainToken(resp http.ResponseWriter, req *http.Request) {
	logger := a.requestLogger(req)
	data, aerr := decodeBody(req, logger)
	if aerr != nil {
		writeError(resp, aerr, logger)
		return
	}
	username, _ := stringField(data, "username")
	username = strings.TrimSpace(username)
	password, _ := stringField(data, "password")
	if len(username) == 0 || len(password) == 0 {
		writeError(resp, errValidation(nonFieldErrors(msgMustInclude)), logger)
		return
	}

	profile, err := a.st.getProfileByUsername(req.Context(), username)
	if errors.Is(err, errNotFound) {
		// spend the same time as a real check
		checkPassword(password, a.dummyHash())
		logger.Debug().Str("username", username).Msg("login failed: no such user")
		writeError(resp, errValidation(nonFieldErrors(msgBadLogin)), logger)
		return
	} else if err != nil {
		internalError(resp, err, "failed to lookup user", logger)
		return
	}
	if !checkPassword(password, profile.User.Password) {
		logger.Debug().Str("username", username).Msg("login failed: bad password")
		writeError(resp, errValidation(nonFieldErrors(msgBadLogin)), logger)
		return
	}
	if !profile.User.IsActive {
		writeError(resp, errValidation(nonFieldErrors(msgDisabled)), logger)
		return
	}

	now := time.Now()
	if err := a.st.setLastLogin(req.Context(), profile.User.ID, now); err != nil {
		internalError(resp, err, "failed to update last login", logger)
		return
	}
	a.invalidateCache()

	token, err := a.issueToken(profile, now, nil)
	if err != nil {
		internalError(resp, err, "failed to build token", logger)
		return
	}
	logger.Info().Str("username", username).Int64("profile", profile.ID).Msg("token issued")
	a.reportMetric("tokens", 1, "kind=obtain")
	writeJSON(resp, http.StatusOK, map[string]string{"token": token}, logger)
}

// serveRefreshToken exchanges a valid token for a new one with a later
// expiry. The original issue time is carried over, and tokens first issued
// more than refreshExpiration ago are refused.
func (a *APIServer) serveRefreshToken(resp http.ResponseWriter, req *http.Request) {
	logger := a.requestLogger(req)
	data, aerr := decodeBody(req, logger)
	if aerr != nil {
		writeError(resp, aerr, logger)
		return
	}
	token, err := stringField(data, "token")
	if err != nil {
		fe := make(fieldErrors)
		if errors.Is(err, errNoValue) {
			fe.add("token", msgRequired)
		} else {
			fe.add("token", err.Error())
		}
		writeError(resp, errValidation(fe), logger)
		return
	}
	fail := func(msg string) {
		writeError(resp, errValidation(nonFieldErrors(msg)), logger)
	}

	_, payload, _, err := jwt.Clean(token)
	if err != nil {
		fail(tokenErrorDetail(err))
		return
	}
	id, ok := subjectID(payload["sub"])
	if !ok {
		fail("Invalid payload.")
		return
	}
	profile, err := a.st.getProfile(req.Context(), id)
	if errors.Is(err, errNotFound) {
		fail(msgNoUser)
		return
	} else if err != nil {
		internalError(resp, err, "failed to lookup user", logger)
		return
	}
	if !profile.User.IsActive {
		fail(msgDisabled)
		return
	}
	if err := jwt.Compare(token, a.tokenFor(profile, nil), a.key, a.alg, a.verifyOptions()); err != nil {
		fail(tokenErrorDetail(err))
		return
	}

	v, present := payload[claimOrigIat]
	if !present {
		fail(msgOrigIat)
		return
	}
	origIat, ok := jwt.NumericDate(v)
	if !ok {
		fail(msgOrigIat)
		return
	}
	now := time.Now()
	if now.Sub(origIat) > seconds(a.cfg.Token.RefreshExpiration, defaultRefreshExpiration) {
		fail(msgRefreshExpiry)
		return
	}

	newToken, err := a.issueToken(profile, now, &origIat)
	if err != nil {
		internalError(resp, err, "failed to build token", logger)
		return
	}
	a.reportMetric("tokens", 1, "kind=refresh")
	writeJSON(resp, http.StatusOK, map[string]string{"token": newToken}, logger)
}
