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

package jwt_test

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/cruze-app/cruze/jwt"
	"github.com/stretchr/testify/require"
)

func newTestClaimset() *jwt.Claimset {
	return jwt.NewClaimset(
		jwt.Iss("issuer"),
		jwt.Sub("subject"),
		jwt.Aud("audience"),
		jwt.Nbf{},
		jwt.Exp{Delta: 7 * 24 * time.Hour},
	)
}

func TestClaimsetEncode(t *testing.T) {
	r := require.New(t)

	now := time.Now()
	c := newTestClaimset()
	enc, err := c.Encode(now)
	r.Nil(err)
	j, err := c.JSON(now)
	r.Nil(err)
	dec, err := base64.RawURLEncoding.DecodeString(enc)
	r.Nil(err)
	r.Equal(j, dec)

	var m map[string]any
	r.Nil(json.Unmarshal(j, &m))
	r.Equal("issuer", m["iss"])
	r.Equal("subject", m["sub"])
	r.Equal("audience", m["aud"])
	r.Equal(float64(now.Unix()), m["nbf"])
	r.Equal(float64(now.Add(7*24*time.Hour).Unix()), m["exp"])
}

func TestClaimsetOrder(t *testing.T) {
	r := require.New(t)

	now := time.Unix(1700000000, 0)
	c := jwt.NewClaimset(jwt.Sub("s"), jwt.Iss("i"), jwt.Custom("a", 1))
	j, err := c.JSON(now)
	r.Nil(err)
	r.Equal(`{"sub":"s","iss":"i","a":1}`, string(j))

	// replacing a claim keeps its place
	c.Add(jwt.Iss("other"))
	j, err = c.JSON(now)
	r.Nil(err)
	r.Equal(`{"sub":"s","iss":"other","a":1}`, string(j))

	j, err = jwt.NewToken(jwt.HS256, jwt.NewClaimset()).Header.JSON(now)
	r.Nil(err)
	r.Equal(`{"typ":"JWT","alg":"HS256"}`, string(j))
}

func TestClaimsetValid(t *testing.T) {
	r := require.New(t)

	now := time.Now()
	c := newTestClaimset()
	j, err := c.JSON(now)
	r.Nil(err)
	var data map[string]any
	r.Nil(json.Unmarshal(j, &data))
	data["nbf"] = float64(now.Add(-5 * time.Second).Unix())
	data["exp"] = float64(now.Add(7 * 24 * time.Hour).Unix())
	r.Nil(c.Validate(data, nil))

	// replace issuer value
	data["iss"] = "other_issuer"
	err = c.Validate(data, nil)
	r.ErrorIs(err, jwt.ErrInvalidClaim)
	var ce *jwt.ClaimError
	r.ErrorAs(err, &ce)
	r.Equal("iss", ce.Claim)

	// time claims are optional unless required
	data["iss"] = "issuer"
	delete(data, "exp")
	r.Nil(c.Validate(data, nil))
	c.Require("exp")
	r.ErrorIs(c.Validate(data, nil), jwt.ErrMissingClaim)
}

func TestClaimsetAdd(t *testing.T) {
	r := require.New(t)

	c := jwt.NewClaimset(jwt.Iss("a"), jwt.Sub(1))
	c.Add(jwt.Iss("b"), jwt.Custom("x", true))
	claims := c.Claims()
	r.Len(claims, 3)
	r.Equal("iss", claims[0].Name())
	r.Equal("sub", claims[1].Name())
	r.Equal("x", claims[2].Name())

	iss, ok := c.Get("iss")
	r.True(ok)
	r.Equal("b", iss.Value(time.Now()))
	_, ok = c.Get("aud")
	r.False(ok)

	m := c.Map(time.Now())
	r.Equal(map[string]any{"iss": "b", "sub": 1, "x": true}, m)
}
