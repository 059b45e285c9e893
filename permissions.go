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
	"net/http"
	"time"
)

func isSafeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// Permission checks return nil to allow the request, or the error response to
// deny it. Checks on the request run before the object is looked up, checks
// on the object run after.

func isAuthenticated(req *http.Request) *apiError {
	if currentUser(req) == nil {
		return errAuthFailed(detailNotAuthenticated)
	}
	return nil
}

// isStaff allows only staff users. It must follow isAuthenticated.
func isStaff(req *http.Request) *apiError {
	if u := currentUser(req); u == nil || !u.User.IsStaff {
		return errDetail(http.StatusForbidden, detailPermissionDenied)
	}
	return nil
}

// isNotSuspended denies writes by suspended users. A suspension that has
// ended is lifted on the way, and the request is allowed. Anonymous requests
// are left for the other checks to decide.
func (a *APIServer) isNotSuspended(req *http.Request) *apiError {
	if isSafeMethod(req.Method) {
		return nil
	}
	u := currentUser(req)
	if u == nil || u.SuspendedUntil == nil {
		return nil
	}
	now := time.Now()
	if !u.SuspendedUntil.Before(now) {
		return errDetail(http.StatusForbidden, detailSuspended)
	}
	logger := a.requestLogger(req)
	if err := a.st.liftSuspension(req.Context(), u.ID, now); err != nil {
		logger.Error().Err(err).Int64("profile", u.ID).
			Msg("failed to lift elapsed suspension")
		return errDetail(http.StatusInternalServerError, "A server error occurred.")
	}
	a.invalidateCache()
	u.SuspendedUntil = nil
	u.LastSuspension = &now
	logger.Info().Int64("profile", u.ID).Msg("elapsed suspension lifted")
	return nil
}

// isAdminOrIsSelf allows reads to anyone, and writes only to the user owning
// the profile or to staff and superusers.
func isAdminOrIsSelf(req *http.Request, obj *Profile) *apiError {
	if isSafeMethod(req.Method) {
		return nil
	}
	u := currentUser(req)
	if u == nil {
		return errAuthFailed(detailNotAuthenticated)
	}
	if u.User.ID == obj.User.ID || u.User.IsStaff || u.User.IsSuperuser {
		return nil
	}
	return errDetail(http.StatusForbidden, detailPermissionDenied)
}
