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
	"fmt"
	"time"
)

// Claimset is an ordered list of claims, serialized as a JSON object. The
// header and payload of a token are both claimsets.
type Claimset struct {
	claims   []Claim
	required map[string]bool
}

// NewClaimset creates a claimset with the given claims. If more than one
// claim has the same name, the last one wins.
func NewClaimset(claims ...Claim) *Claimset {
	c := &Claimset{}
	return c.Add(claims...)
}

// Add adds claims to the claimset, replacing existing claims of the same
// name. It returns the claimset itself.
func (c *Claimset) Add(claims ...Claim) *Claimset {
outer:
	for _, claim := range claims {
		for i := range c.claims {
			if c.claims[i].Name() == claim.Name() {
				c.claims[i] = claim
				continue outer
			}
		}
		c.claims = append(c.claims, claim)
	}
	return c
}

// Require marks the named claims as required, so that Validate fails if the
// data does not contain them, even for claims (like "exp") that are otherwise
// optional.
func (c *Claimset) Require(names ...string) *Claimset {
	if c.required == nil {
		c.required = make(map[string]bool)
	}
	for _, n := range names {
		c.required[n] = true
	}
	return c
}

// Claims returns the claims of this claimset, in order.
func (c *Claimset) Claims() []Claim {
	return append([]Claim(nil), c.claims...)
}

// Get returns the claim with the given name.
func (c *Claimset) Get(name string) (Claim, bool) {
	for _, claim := range c.claims {
		if claim.Name() == name {
			return claim, true
		}
	}
	return nil, false
}

// Map returns the claims and their values at time now.
func (c *Claimset) Map(now time.Time) map[string]any {
	m := make(map[string]any, len(c.claims))
	for _, claim := range c.claims {
		m[claim.Name()] = claim.Value(now)
	}
	return m
}

// JSON serializes the claimset as a JSON object, with the members in the
// order of the claims.
func (c *Claimset) JSON(now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, claim := range c.claims {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(claim.Name())
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(claim.Value(now))
		if err != nil {
			return nil, fmt.Errorf("claim %q: %w", claim.Name(), err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Encode serializes the claimset and base64url-encodes it, without padding.
func (c *Claimset) Encode(now time.Time) (string, error) {
	j, err := c.JSON(now)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(j), nil
}

// Validate checks each claim of the claimset against the decoded data. The
// first failing claim is returned as a *ClaimError.
func (c *Claimset) Validate(data map[string]any, opts *VerifyOptions) error {
	if opts == nil {
		opts = &VerifyOptions{}
	}
	for _, claim := range c.claims {
		name := claim.Name()
		v, present := data[name]
		if !present && c.required[name] {
			return claimErr(name, ErrMissingClaim, "")
		}
		if err := claim.Validate(v, present, opts); err != nil {
			return err
		}
	}
	return nil
}
