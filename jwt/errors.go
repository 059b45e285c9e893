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

package jwt

import (
	"errors"
	"fmt"
)

// kindError is a sentinel error that also matches its parent sentinels when
// used with errors.Is.
type kindError struct {
	msg     string
	parents []error
}

func (e *kindError) Error() string {
	return e.msg
}

func (e *kindError) Is(target error) bool {
	for _, p := range e.parents {
		if p == target || errors.Is(p, target) {
			return true
		}
	}
	return false
}

// ErrToken is matched (using errors.Is) by every error returned by this
// package for a token that cannot be used.
var ErrToken = errors.New("jwt: token error")

var (
	// ErrMalformed is returned when a token string cannot be split or decoded.
	ErrMalformed error = &kindError{"jwt: malformed token", []error{ErrToken}}

	// ErrInvalidSignature is returned when the signature of a token does not
	// match its contents.
	ErrInvalidSignature error = &kindError{"jwt: invalid token signature", []error{ErrToken}}

	// ErrInvalidClaim is returned when a claim has an unexpected value.
	ErrInvalidClaim error = &kindError{"jwt: invalid claim", []error{ErrToken}}

	// ErrMissingClaim is returned when a required claim is not present. It
	// also matches ErrInvalidClaim.
	ErrMissingClaim error = &kindError{"jwt: missing claim", []error{ErrInvalidClaim}}

	// ErrExpired is returned when the token is used at or after its "exp"
	// time. It also matches ErrInvalidClaim.
	ErrExpired error = &kindError{"jwt: token is expired", []error{ErrInvalidClaim}}

	// ErrNotYetValid is returned when the token is used before its "nbf"
	// time. It also matches ErrInvalidClaim.
	ErrNotYetValid error = &kindError{"jwt: token is not valid yet", []error{ErrInvalidClaim}}

	// ErrKeyNotAllowed is returned when a key is supplied to the "none"
	// algorithm.
	ErrKeyNotAllowed error = &kindError{"jwt: key not allowed with algorithm \"none\"", []error{ErrToken}}
)

// ClaimError describes a claim that failed validation.
type ClaimError struct {
	Claim string
	Err   error // one of the ErrXXX sentinels
	Msg   string
}

func (e *ClaimError) Error() string {
	if len(e.Msg) > 0 {
		return fmt.Sprintf("%v: %q: %s", e.Err, e.Claim, e.Msg)
	}
	return fmt.Sprintf("%v: %q", e.Err, e.Claim)
}

func (e *ClaimError) Unwrap() error {
	return e.Err
}

func claimErr(name string, err error, msg string) error {
	return &ClaimError{Claim: name, Err: err, Msg: msg}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
