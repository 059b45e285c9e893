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
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Token is a header claimset and a payload claimset. The same Token value is
// used to build token strings and to verify them.
type Token struct {
	Header  *Claimset
	Payload *Claimset
}

// NewToken returns a token with the standard header ("typ" and "alg" for the
// given algorithm) and the given payload.
func NewToken(alg Algorithm, payload *Claimset) *Token {
	return &Token{
		Header:  NewClaimset(Typ{}, Alg{Algorithm: alg}),
		Payload: payload,
	}
}

// VerifyOptions control the verification of a token. A nil *VerifyOptions is
// the same as a zero value: verify everything, at the current time, with no
// leeway.
type VerifyOptions struct {
	// SkipClaims verifies only the signature.
	SkipClaims bool

	// SkipExpiration does not check the "exp" claim.
	SkipExpiration bool

	// SkipNotBefore does not check the "nbf" claim.
	SkipNotBefore bool

	// Leeway is allowed for clock skew when checking time claims.
	Leeway time.Duration

	// Now is the time of verification. If zero, time.Now() is used.
	Now time.Time
}

func (o *VerifyOptions) now() time.Time {
	if o == nil || o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

func (o *VerifyOptions) leeway() float64 {
	if o == nil {
		return 0
	}
	return o.Leeway.Seconds()
}

// join returns the signing input "header.payload".
func (t *Token) join(now time.Time) (string, error) {
	h, err := t.Header.Encode(now)
	if err != nil {
		return "", err
	}
	p, err := t.Payload.Encode(now)
	if err != nil {
		return "", err
	}
	return h + "." + p, nil
}

// Build serializes and signs the token, returning "header.payload.signature".
// Time claims are computed relative to now.
func (t *Token) Build(key []byte, alg Algorithm, now time.Time) (string, error) {
	input, err := t.join(now)
	if err != nil {
		return "", err
	}
	sig, err := alg.Sign([]byte(input), key)
	if err != nil {
		return "", err
	}
	return input + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks that token was signed with key using alg, and unless
// disabled in opts, that the claims of its header and payload are valid
// according to the claimsets of t.
func (t *Token) Verify(token string, key []byte, alg Algorithm, opts *VerifyOptions) error {
	input, sig, err := CleanCrypto(token)
	if err != nil {
		return err
	}
	if !alg.Verify([]byte(input), key, sig) {
		return ErrInvalidSignature
	}
	if opts != nil && opts.SkipClaims {
		return nil
	}
	header, payload, err := CleanClaimsets(input)
	if err != nil {
		return err
	}
	vo := VerifyOptions{}
	if opts != nil {
		vo = *opts
	}
	vo.Now = vo.now()
	if err := t.Header.Validate(header, &vo); err != nil {
		return err
	}
	return t.Payload.Validate(payload, &vo)
}

// Compare is the same as instance.Verify(token, key, alg, opts).
func Compare(token string, instance *Token, key []byte, alg Algorithm, opts *VerifyOptions) error {
	return instance.Verify(token, key, alg, opts)
}

//------------------------------------------------------------------------------
// splitting and decoding

// SplitCrypto splits a token into its signing input ("header.payload") and
// its (still encoded) signature.
func SplitCrypto(token string) (input, sig string, err error) {
	pos := strings.LastIndexByte(token, '.')
	if pos < 0 {
		return "", "", malformed("token should separate header, payload and signature by '.'")
	}
	input, sig = token[:pos], token[pos+1:]
	if strings.Count(input, ".") != 1 {
		return "", "", malformed("token should have exactly 3 segments")
	}
	return
}

// SplitClaimsets splits a signing input into its (still encoded) header and
// payload.
func SplitClaimsets(input string) (header, payload string, err error) {
	pos := strings.IndexByte(input, '.')
	if pos < 0 || strings.IndexByte(input[pos+1:], '.') >= 0 {
		return "", "", malformed("claimsets should be separated by a single '.'")
	}
	return input[:pos], input[pos+1:], nil
}

// Split splits a token into its 3 encoded segments.
func Split(token string) (header, payload, sig string, err error) {
	input, sig, err := SplitCrypto(token)
	if err != nil {
		return
	}
	header, payload, err = SplitClaimsets(input)
	return
}

// CleanCrypto splits a token into its signing input and its decoded
// signature.
func CleanCrypto(token string) (input string, sig []byte, err error) {
	input, s, err := SplitCrypto(token)
	if err != nil {
		return "", nil, err
	}
	if sig, err = decodeSegment(s); err != nil {
		return "", nil, malformed("bad signature encoding")
	}
	return input, sig, nil
}

// CleanClaimsets decodes the header and payload of a signing input. Numbers
// are decoded as json.Number values.
func CleanClaimsets(input string) (header, payload map[string]any, err error) {
	h, p, err := SplitClaimsets(input)
	if err != nil {
		return nil, nil, err
	}
	if header, err = decodeClaimset(h); err != nil {
		return nil, nil, malformed("bad header: %v", err)
	}
	if payload, err = decodeClaimset(p); err != nil {
		return nil, nil, malformed("bad payload: %v", err)
	}
	return
}

// Clean decodes all 3 segments of a token. This does not verify the token in
// any way.
func Clean(token string) (header, payload map[string]any, sig []byte, err error) {
	input, sig, err := CleanCrypto(token)
	if err != nil {
		return nil, nil, nil, err
	}
	header, payload, err = CleanClaimsets(input)
	if err != nil {
		return nil, nil, nil, err
	}
	return header, payload, sig, nil
}

// decodeSegment decodes base64url data, with or without padding.
func decodeSegment(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func decodeClaimset(s string) (map[string]any, error) {
	raw, err := decodeSegment(s)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("not a JSON object")
	}
	return out, nil
}
