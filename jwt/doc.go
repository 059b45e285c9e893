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

// Package jwt creates, signs and verifies JSON Web Tokens as described in
// RFC 7519.
//
// A token is made of two claimsets, a header and a payload, each of which is
// an ordered list of claims. Tokens are built by serializing both claimsets,
// base64url-encoding them and signing the result with an [Algorithm]:
//
//	payload := jwt.NewClaimset(jwt.Iss("cruze"), jwt.Sub(42), jwt.Exp{Delta: time.Hour})
//	tok := jwt.NewToken(jwt.HS256, payload)
//	s, err := tok.Build(key, jwt.HS256, time.Now())
//
// Verification always uses the algorithm supplied by the caller, never the
// one named in the token header. The same [Token] (or one with equivalent
// claimsets) is used to verify the claims of an incoming token string:
//
//	err := jwt.Compare(s, tok, key, jwt.HS256, nil)
package jwt
