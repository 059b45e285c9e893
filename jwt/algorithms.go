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
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

// Algorithm signs messages and verifies signatures. Implementations must be
// safe for concurrent use.
type Algorithm interface {
	// Name is the value of the "alg" header claim, like "HS256".
	Name() string

	// Sign returns the signature of msg using key.
	Sign(msg, key []byte) ([]byte, error)

	// Verify reports whether sig is the signature of msg using key.
	Verify(msg, key, sig []byte) bool
}

// HMAC signs using HMAC over the given hash function.
type HMAC struct {
	name string
	hash func() hash.Hash
}

var (
	HS256 = &HMAC{name: "HS256", hash: sha256.New}
	HS384 = &HMAC{name: "HS384", hash: sha512.New384}
	HS512 = &HMAC{name: "HS512", hash: sha512.New}
)

func (h *HMAC) Name() string {
	return h.name
}

func (h *HMAC) Sign(msg, key []byte) ([]byte, error) {
	mac := hmac.New(h.hash, key)
	mac.Write(msg)
	return mac.Sum(nil), nil
}

func (h *HMAC) Verify(msg, key, sig []byte) bool {
	expected, err := h.Sign(msg, key)
	if err != nil {
		return false
	}
	return hmac.Equal(sig, expected)
}

func (h *HMAC) String() string {
	return h.name
}

// None is the unsecured "none" algorithm. It produces empty signatures and
// does not verify any signature, so a token built with it is never valid.
var None Algorithm = noneAlgorithm{}

type noneAlgorithm struct{}

func (noneAlgorithm) Name() string {
	return "none"
}

func (noneAlgorithm) Sign(msg, key []byte) ([]byte, error) {
	if len(key) > 0 {
		return nil, ErrKeyNotAllowed
	}
	return []byte{}, nil
}

func (noneAlgorithm) Verify(msg, key, sig []byte) bool {
	return false
}

func (noneAlgorithm) String() string {
	return "none"
}

// AlgorithmByName returns the algorithm with the given "alg" name.
func AlgorithmByName(name string) (Algorithm, bool) {
	switch name {
	case "HS256":
		return HS256, true
	case "HS384":
		return HS384, true
	case "HS512":
		return HS512, true
	case "none":
		return None, true
	}
	return nil, false
}
