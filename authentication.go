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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/cruze-app/cruze/jwt"
)

const (
	authKeyword = "Bearer"
	authRealm   = "api"
)

type ctxKey int

const principalKey ctxKey = 0

// principal is the authenticated user of a request.
type principal struct {
	profile *Profile
	token   string
}

// currentUser returns the authenticated profile of the request, or nil for
// anonymous requests.
func currentUser(req *http.Request) *Profile {
	if p, ok := req.Context().Value(principalKey).(*principal); ok && p != nil {
		return p.profile
	}
	return nil
}

// authenticate is a middleware that authenticates requests which carry a
// bearer token. Requests without one proceed anonymously. Requests with an
// invalid one are rejected with a 401.
func (a *APIServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		p, aerr := a.authenticateRequest(req)
		if aerr != nil {
			logger := a.requestLogger(req)
			logger.Debug().Interface("error", aerr.body).Str("ip", clientIP(req)).
				Msg("authentication failed")
			a.reportMetric("authfail", 1)
			writeError(resp, aerr, logger)
			return
		}
		if p != nil {
			req = req.WithContext(context.WithValue(req.Context(), principalKey, p))
		}
		next.ServeHTTP(resp, req)
	})
}

func (a *APIServer) authenticateRequest(req *http.Request) (*principal, *apiError) {
	auth := strings.Fields(req.Header.Get("Authorization"))
	if len(auth) == 0 || !strings.EqualFold(auth[0], authKeyword) {
		return nil, nil
	}
	if len(auth) == 1 {
		return nil, errAuthFailed("Invalid token header. No credentials provided.")
	} else if len(auth) > 2 {
		return nil, errAuthFailed("Invalid token header. Token string should not contain spaces.")
	}
	token := auth[1]

	profile, aerr := a.tokenUser(req, token)
	if aerr != nil {
		return nil, aerr
	}
	if err := jwt.Compare(token, a.tokenFor(profile, nil), a.key, a.alg, a.verifyOptions()); err != nil {
		return nil, errAuthFailed(tokenErrorDetail(err))
	}
	return &principal{profile: profile, token: token}, nil
}

// tokenUser returns the profile named by the X-Username or User-Id headers,
// or else by the subject of the token. Unknown and inactive users fail.
func (a *APIServer) tokenUser(req *http.Request, token string) (*Profile, *apiError) {
	var (
		profile *Profile
		err     error
	)
	ctx := req.Context()
	if username := req.Header.Get("X-Username"); len(username) > 0 {
		profile, err = a.st.getProfileByUsername(ctx, username)
	} else if userID := req.Header.Get("User-Id"); len(userID) > 0 {
		id, perr := strconv.ParseInt(userID, 10, 64)
		if perr != nil {
			return nil, errAuthFailed(detailInvalidUser)
		}
		profile, err = a.st.getProfile(ctx, id)
	} else {
		_, payload, _, cerr := jwt.Clean(token)
		if cerr != nil {
			return nil, errAuthFailed(tokenErrorDetail(cerr))
		}
		id, ok := subjectID(payload["sub"])
		if !ok {
			return nil, errAuthFailed(detailInvalidUser)
		}
		profile, err = a.st.getProfile(ctx, id)
	}
	if errors.Is(err, errNotFound) {
		return nil, errAuthFailed(detailInvalidUser)
	} else if err != nil {
		a.logger.Error().Err(err).Msg("failed to lookup user for token")
		return nil, errDetail(http.StatusInternalServerError, "A server error occurred.")
	}
	if !profile.User.IsActive {
		return nil, errAuthFailed(detailInvalidUser)
	}
	return profile, nil
}

// subjectID returns the profile id in a "sub" claim.
func subjectID(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		id, err := t.Int64()
		return id, err == nil
	case string:
		id, err := strconv.ParseInt(t, 10, 64)
		return id, err == nil
	}
	return 0, false
}

func tokenErrorDetail(err error) string {
	switch {
	case errors.Is(err, jwt.ErrExpired):
		return "Signature has expired."
	case errors.Is(err, jwt.ErrNotYetValid):
		return "Token is not yet valid."
	case errors.Is(err, jwt.ErrInvalidSignature):
		return "Error decoding signature."
	case errors.Is(err, jwt.ErrMalformed):
		return "Error decoding token."
	case errors.Is(err, jwt.ErrMissingClaim), errors.Is(err, jwt.ErrInvalidClaim):
		var ce *jwt.ClaimError
		if errors.As(err, &ce) {
			return "Invalid token claim: " + ce.Claim + "."
		}
		return "Invalid token claim."
	}
	return "Invalid token."
}
