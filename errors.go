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
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

// Error responses use the shapes of the REST toolkit that Cruze clients were
// written against: {"detail": "..."} for authentication, permission and
// lookup failures, and a map of field names to messages for validation
// failures.

const (
	detailNotAuthenticated = "Authentication credentials were not provided."
	detailPermissionDenied = "You do not have permission to perform this action."
	detailNotFound         = "Not found."
	detailInvalidPage      = "Invalid page."
	detailSuspended        = "Your account is suspended."
	detailInvalidUser      = "Provided credentials invalid."
)

// apiError is an HTTP error response.
type apiError struct {
	status int
	body   any

	// challenge adds a WWW-Authenticate header, for 401 responses
	challenge bool
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %v", e.status, e.body)
}

func errDetail(status int, detail string) *apiError {
	return &apiError{status: status, body: map[string]string{"detail": detail}}
}

func errAuthFailed(detail string) *apiError {
	e := errDetail(http.StatusUnauthorized, detail)
	e.challenge = true
	return e
}

func errValidation(fe fieldErrors) *apiError {
	return &apiError{status: http.StatusBadRequest, body: fe}
}

func writeJSON(resp http.ResponseWriter, status int, v any, logger zerolog.Logger) {
	b, err := json.Marshal(v)
	if err != nil {
		// should not happen
		logger.Error().Err(err).Msg("failed to encode response")
		http.Error(resp, "internal error", http.StatusInternalServerError)
		return
	}
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(status)
	if _, err := resp.Write(b); err != nil {
		logger.Error().Err(err).Msg("error writing response")
	}
}

func writeError(resp http.ResponseWriter, e *apiError, logger zerolog.Logger) {
	if e.challenge {
		resp.Header().Set("WWW-Authenticate", `Bearer realm="`+authRealm+`"`)
	}
	writeJSON(resp, e.status, e.body, logger)
}

// internalError logs err and writes a generic 500 response.
func internalError(resp http.ResponseWriter, err error, msg string, logger zerolog.Logger) {
	logger.Error().Err(err).Msg(msg)
	writeError(resp, errDetail(http.StatusInternalServerError, "A server error occurred."), logger)
}
