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
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// page is one page of the list of profiles.
type page struct {
	Count    int        `json:"count"`
	Next     *string    `json:"next"`
	Previous *string    `json:"previous"`
	Results  []*Profile `json:"results"`
}

// absoluteURL returns the URL of the request with the query replaced.
func absoluteURL(req *http.Request, path string, query url.Values) string {
	scheme := "http"
	if proto := req.Header.Get("X-Forwarded-Proto"); proto == "https" || proto == "http" {
		scheme = proto
	} else if req.TLS != nil {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: req.Host, Path: path}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func pageURL(req *http.Request, n int) *string {
	q := req.URL.Query()
	if n == 1 {
		q.Del("page")
	} else {
		q.Set("page", strconv.Itoa(n))
	}
	s := absoluteURL(req, req.URL.Path, q)
	return &s
}

// serveUserList serves a page of profiles. The page is selected with the
// "page" query parameter, a number or "last".
func (a *APIServer) serveUserList(resp http.ResponseWriter, req *http.Request) {
	logger := a.requestLogger(req)
	ctx := req.Context()

	count, err := a.st.countProfiles(ctx)
	if err != nil {
		internalError(resp, err, "failed to count profiles", logger)
		return
	}
	size := a.cfg.Accounts.pageSize()
	numPages := (count + size - 1) / size
	if numPages == 0 {
		numPages = 1
	}
	n := 1
	if p := req.URL.Query().Get("page"); p == "last" {
		n = numPages
	} else if len(p) > 0 {
		if n, err = strconv.Atoi(p); err != nil || n < 1 || n > numPages {
			writeError(resp, errDetail(http.StatusNotFound, detailInvalidPage), logger)
			return
		}
	}

	results, err := a.st.listProfiles(ctx, (n-1)*size, size)
	if err != nil {
		internalError(resp, err, "failed to list profiles", logger)
		return
	}
	out := page{Count: count, Results: results}
	if n < numPages {
		out.Next = pageURL(req, n+1)
	}
	if n > 1 {
		out.Previous = pageURL(req, n-1)
	}
	writeJSON(resp, http.StatusOK, out, logger)
}

// serveUserCreate creates a user and its profile. Anyone can sign up.
func (a *APIServer) serveUserCreate(resp http.ResponseWriter, req *http.Request) {
	logger := a.requestLogger(req)
	data, aerr := decodeBody(req, logger)
	if aerr != nil {
		writeError(resp, aerr, logger)
		return
	}

	var in profileInput
	if fe := a.bindProfile(data, &in, false, true); len(fe) > 0 {
		writeError(resp, errValidation(fe), logger)
		return
	}
	if aerr := a.checkUnique(req.Context(), &in.profile.User, 0, logger); aerr != nil {
		writeError(resp, aerr, logger)
		return
	}

	p := &in.profile
	hash, err := makePassword(in.password, a.cfg.Accounts.passwordIterations())
	if err != nil {
		internalError(resp, err, "failed to hash password", logger)
		return
	}
	p.User.Password = hash
	p.User.IsActive = true
	p.User.DateJoined = time.Now().UTC()
	if err := a.st.createProfile(req.Context(), p); errors.Is(err, errDuplicate) {
		writeError(resp, errValidation(nonFieldErrors(msgUserUsed)), logger)
		return
	} else if err != nil {
		internalError(resp, err, "failed to create profile", logger)
		return
	}
	a.invalidateCache()

	logger.Info().Int64("profile", p.ID).Str("username", p.User.Username).Msg("user created")
	writeJSON(resp, http.StatusCreated, p, logger)
}

// checkUnique returns a validation error if the username or email of u is
// used by a user other than excludeID.
func (a *APIServer) checkUnique(ctx context.Context, u *User, excludeID int64, logger zerolog.Logger) *apiError {
	fe := make(fieldErrors)
	for _, c := range []struct{ column, value, msg string }{
		{"username", u.Username, msgUsernameUsed},
		{"email", u.Email, msgEmailUsed},
	} {
		taken, err := a.st.taken(ctx, c.column, c.value, excludeID)
		if err != nil {
			logger.Error().Err(err).Str("column", c.column).Msg("failed to check uniqueness")
			return errDetail(http.StatusInternalServerError, "A server error occurred.")
		}
		if taken {
			fe.add(c.column, c.msg)
		}
	}
	if len(fe) > 0 {
		return errValidation(fieldErrors{"user": fe})
	}
	return nil
}

// lookupProfile returns the profile named in the URL, writing a 404 if there
// is no such profile.
func (a *APIServer) lookupProfile(resp http.ResponseWriter, req *http.Request, logger zerolog.Logger) *Profile {
	id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(resp, errDetail(http.StatusNotFound, detailNotFound), logger)
		return nil
	}
	p, err := a.st.getProfile(req.Context(), id)
	if errors.Is(err, errNotFound) {
		writeError(resp, errDetail(http.StatusNotFound, detailNotFound), logger)
		return nil
	} else if err != nil {
		internalError(resp, err, "failed to get profile", logger)
		return nil
	}
	return p
}

// checkPermissions runs the request level checks, looks up the profile and
// then runs the object level checks. It returns nil after writing the error
// response if any of them fail.
func (a *APIServer) checkPermissions(resp http.ResponseWriter, req *http.Request,
	logger zerolog.Logger, reqChecks ...func(*http.Request) *apiError) *Profile {

	for _, check := range reqChecks {
		if aerr := check(req); aerr != nil {
			writeError(resp, aerr, logger)
			return nil
		}
	}
	p := a.lookupProfile(resp, req, logger)
	if p == nil {
		return nil
	}
	if aerr := isAdminOrIsSelf(req, p); aerr != nil {
		writeError(resp, aerr, logger)
		return nil
	}
	return p
}

func (a *APIServer) serveUserDetail(resp http.ResponseWriter, req *http.Request) {
	logger := a.requestLogger(req)
	if p := a.lookupProfile(resp, req, logger); p != nil {
		writeJSON(resp, http.StatusOK, p, logger)
	}
}

// serveUserUpdate handles PUT (all required fields) and PATCH (any subset
// of fields). A new password is hashed before storing.
func (a *APIServer) serveUserUpdate(resp http.ResponseWriter, req *http.Request) {
	logger := a.requestLogger(req)
	existing := a.checkPermissions(resp, req, logger, isAuthenticated, a.isNotSuspended)
	if existing == nil {
		return
	}
	data, aerr := decodeBody(req, logger)
	if aerr != nil {
		writeError(resp, aerr, logger)
		return
	}

	in := profileInput{profile: *existing}
	partial := req.Method == http.MethodPatch
	if fe := a.bindProfile(data, &in, partial, false); len(fe) > 0 {
		writeError(resp, errValidation(fe), logger)
		return
	}
	if aerr := a.checkUnique(req.Context(), &in.profile.User, existing.User.ID, logger); aerr != nil {
		writeError(resp, aerr, logger)
		return
	}
	p := &in.profile
	if len(in.password) > 0 {
		hash, err := makePassword(in.password, a.cfg.Accounts.passwordIterations())
		if err != nil {
			internalError(resp, err, "failed to hash password", logger)
			return
		}
		p.User.Password = hash
	}
	if err := a.st.updateProfile(req.Context(), p); errors.Is(err, errDuplicate) {
		writeError(resp, errValidation(nonFieldErrors(msgUserUsed)), logger)
		return
	} else if errors.Is(err, errNotFound) {
		writeError(resp, errDetail(http.StatusNotFound, detailNotFound), logger)
		return
	} else if err != nil {
		internalError(resp, err, "failed to update profile", logger)
		return
	}
	a.invalidateCache()

	logger.Info().Int64("profile", p.ID).Bool("password", len(in.password) > 0).Msg("user updated")
	writeJSON(resp, http.StatusOK, p, logger)
}

func (a *APIServer) serveUserDelete(resp http.ResponseWriter, req *http.Request) {
	logger := a.requestLogger(req)
	p := a.checkPermissions(resp, req, logger, isAuthenticated, a.isNotSuspended)
	if p == nil {
		return
	}
	if err := a.st.deleteProfile(req.Context(), p.ID); errors.Is(err, errNotFound) {
		writeError(resp, errDetail(http.StatusNotFound, detailNotFound), logger)
		return
	} else if err != nil {
		internalError(resp, err, "failed to delete profile", logger)
		return
	}
	a.invalidateCache()

	logger.Info().Int64("profile", p.ID).Str("username", p.User.Username).Msg("user deleted")
	resp.WriteHeader(http.StatusNoContent)
}

//------------------------------------------------------------------------------
// suspensions

// serveSuspend suspends a user until the given time. Staff only.
func (a *APIServer) serveSuspend(resp http.ResponseWriter, req *http.Request) {
	logger := a.requestLogger(req)
	p := a.checkPermissions(resp, req, logger, isAuthenticated, isStaff, a.isNotSuspended)
	if p == nil {
		return
	}
	data, aerr := decodeBody(req, logger)
	if aerr != nil {
		writeError(resp, aerr, logger)
		return
	}
	fe := make(fieldErrors)
	var until time.Time
	if v, ok := data["until"]; !ok {
		fe.add("until", msgRequired)
	} else if t, msg := parseDatetime(v); msg != "" {
		fe.add("until", msg)
	} else if !t.After(time.Now()) {
		fe.add("until", "Ensure this value is in the future.")
	} else {
		until = t.UTC()
	}
	if len(fe) > 0 {
		writeError(resp, errValidation(fe), logger)
		return
	}

	if err := a.st.suspend(req.Context(), p.ID, until); err != nil {
		internalError(resp, err, "failed to suspend user", logger)
		return
	}
	a.invalidateCache()
	until = time.UnixMicro(until.UnixMicro()).UTC()
	p.SuspendedUntil = &until

	logger.Info().Int64("profile", p.ID).Time("until", until).
		Int64("by", currentUser(req).ID).Msg("user suspended")
	writeJSON(resp, http.StatusOK, p, logger)
}

// serveUnsuspend lifts the suspension of a user. Staff only.
func (a *APIServer) serveUnsuspend(resp http.ResponseWriter, req *http.Request) {
	logger := a.requestLogger(req)
	p := a.checkPermissions(resp, req, logger, isAuthenticated, isStaff, a.isNotSuspended)
	if p == nil {
		return
	}
	now := time.Now()
	if err := a.st.liftSuspension(req.Context(), p.ID, now); err != nil {
		internalError(resp, err, "failed to lift suspension", logger)
		return
	}
	a.invalidateCache()
	now = time.UnixMicro(now.UnixMicro()).UTC()
	p.SuspendedUntil = nil
	p.LastSuspension = &now

	logger.Info().Int64("profile", p.ID).Int64("by", currentUser(req).ID).Msg("suspension lifted")
	writeJSON(resp, http.StatusOK, p, logger)
}
