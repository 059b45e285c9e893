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
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Claim is a single name/value pair of a claimset. When building a token, the
// value is computed by Value; when verifying a token, the value found in the
// token (if any) is checked by Validate.
type Claim interface {
	Name() string
	Value(now time.Time) any
	Validate(v any, present bool, opts *VerifyOptions) error
}

//------------------------------------------------------------------------------
// header claims

// Typ is the required "typ" header claim, always "JWT".
type Typ struct{}

func (Typ) Name() string { return "typ" }

func (Typ) Value(now time.Time) any { return "JWT" }

func (c Typ) Validate(v any, present bool, opts *VerifyOptions) error {
	return validateExact(c.Name(), "JWT", v, present)
}

// Alg is the required "alg" header claim, naming the signing algorithm.
type Alg struct {
	Algorithm Algorithm
}

func (Alg) Name() string { return "alg" }

func (c Alg) Value(now time.Time) any {
	return c.Algorithm.Name()
}

func (c Alg) Validate(v any, present bool, opts *VerifyOptions) error {
	return validateExact(c.Name(), c.Algorithm.Name(), v, present)
}

//------------------------------------------------------------------------------
// exact-match claims

type exactClaim struct {
	name  string
	value any
}

func (c *exactClaim) Name() string { return c.name }

func (c *exactClaim) Value(now time.Time) any { return c.value }

func (c *exactClaim) Validate(v any, present bool, opts *VerifyOptions) error {
	return validateExact(c.name, c.value, v, present)
}

// Iss is the "iss" (issuer) claim.
func Iss(issuer string) Claim {
	return &exactClaim{name: "iss", value: issuer}
}

// Sub is the "sub" (subject) claim.
func Sub(subject any) Claim {
	return &exactClaim{name: "sub", value: subject}
}

// Custom is an application specific claim that must match exactly.
func Custom(name string, value any) Claim {
	return &exactClaim{name: name, value: value}
}

type audClaim struct {
	exactClaim
}

// Aud is the "aud" (audience) claim. When validating, a token audience that
// is an array is accepted if any of its elements matches.
func Aud(audience any) Claim {
	return &audClaim{exactClaim{name: "aud", value: audience}}
}

func (c *audClaim) Validate(v any, present bool, opts *VerifyOptions) error {
	if arr, ok := v.([]any); ok && present {
		for _, e := range arr {
			if jsonEqual(c.value, e) {
				return nil
			}
		}
		return claimErr(c.name, ErrInvalidClaim, "audience not accepted")
	}
	return c.exactClaim.Validate(v, present, opts)
}

func validateExact(name string, expected, v any, present bool) error {
	if !present || v == nil {
		return claimErr(name, ErrMissingClaim, "")
	}
	if !jsonEqual(expected, v) {
		return claimErr(name, ErrInvalidClaim, fmt.Sprintf("unexpected value '%v'", v))
	}
	return nil
}

// jsonEqual compares two values by their JSON representation, so that for
// example int64(5), float64(5) and json.Number("5") are all equal.
func jsonEqual(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

//------------------------------------------------------------------------------
// time claims

// Nbf is the "nbf" (not before) claim. Built tokens carry now+Delta.
type Nbf struct {
	Delta time.Duration
}

func (Nbf) Name() string { return "nbf" }

func (c Nbf) Value(now time.Time) any {
	return now.Add(c.Delta).Unix()
}

func (c Nbf) Validate(v any, present bool, opts *VerifyOptions) error {
	if !present || (opts != nil && opts.SkipNotBefore) {
		return nil
	}
	t, ok := numericDate(v)
	if !ok {
		return claimErr(c.Name(), ErrInvalidClaim, "not a numeric date")
	}
	if seconds(opts.now())+opts.leeway() < t {
		return claimErr(c.Name(), ErrNotYetValid, "")
	}
	return nil
}

// Exp is the "exp" (expiration time) claim. Built tokens carry now+Delta.
type Exp struct {
	Delta time.Duration
}

func (Exp) Name() string { return "exp" }

func (c Exp) Value(now time.Time) any {
	return now.Add(c.Delta).Unix()
}

func (c Exp) Validate(v any, present bool, opts *VerifyOptions) error {
	if !present || (opts != nil && opts.SkipExpiration) {
		return nil
	}
	t, ok := numericDate(v)
	if !ok {
		return claimErr(c.Name(), ErrInvalidClaim, "not a numeric date")
	}
	if seconds(opts.now())-opts.leeway() >= t {
		return claimErr(c.Name(), ErrExpired, "")
	}
	return nil
}

// Iat is the "iat" (issued at) claim.
type Iat struct{}

func (Iat) Name() string { return "iat" }

func (Iat) Value(now time.Time) any {
	return now.Unix()
}

func (c Iat) Validate(v any, present bool, opts *VerifyOptions) error {
	if !present {
		return nil
	}
	if _, ok := numericDate(v); !ok {
		return claimErr(c.Name(), ErrInvalidClaim, "not a numeric date")
	}
	return nil
}

// At is a time claim with a fixed value, like "orig_iat" of a refreshed
// token. It is only checked for being a numeric date.
type At struct {
	Claim string
	Time  time.Time
}

func (c At) Name() string { return c.Claim }

func (c At) Value(now time.Time) any {
	return c.Time.Unix()
}

func (c At) Validate(v any, present bool, opts *VerifyOptions) error {
	if !present {
		return nil
	}
	if _, ok := numericDate(v); !ok {
		return claimErr(c.Claim, ErrInvalidClaim, "not a numeric date")
	}
	return nil
}

// NumericDate converts a decoded claim value into a time.
func NumericDate(v any) (time.Time, bool) {
	f, ok := numericDate(v)
	if !ok {
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}

func numericDate(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
