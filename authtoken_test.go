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

package cruze_test

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/cruze-app/cruze/jwt"
	"github.com/stretchr/testify/require"
)

const cfgTestToken = `{
	"version": "1",
	"listen": "127.0.0.1:60000",
	"token": { "secretKey": "0123456789abcdef0123456789abcdef", "audience": "cruze-app" },
	"accounts": { "passwordIterations": 1000 }
}`

// payloadOf returns the decoded payload of a token.
func payloadOf(r *require.Assertions, token string) map[string]any {
	_, payload, _, err := jwt.Clean(token)
	r.Nil(err)
	return payload
}

func numClaim(r *require.Assertions, v any) int64 {
	n, ok := v.(json.Number)
	r.True(ok, "claim was %v", v)
	i, err := n.Int64()
	r.Nil(err)
	return i
}

// makeToken builds a token signed with the test key, for the given claims.
func makeToken(r *require.Assertions, key string, now time.Time, claims ...jwt.Claim) string {
	token, err := jwt.NewToken(jwt.HS256, jwt.NewClaimset(claims...)).Build([]byte(key), jwt.HS256, now)
	r.Nil(err)
	return token
}

func nonField(r *require.Assertions, body []byte) []string {
	return decode[map[string][]string](r, body)["non_field_errors"]
}

func TestTokenObtain(t *testing.T) {
	r := require.New(t)

	var rec recorder
	cfg := loadTestCfg(t, r, cfgTestToken)
	s := startServerFull(r, cfg, &rec)
	defer stopServer(r, s)

	alice := signup(r, "alice")

	t0 := time.Now().Unix()
	token := login(r, "alice", "alice-password")
	r.Equal(2, strings.Count(token, "."))
	r.NotContains(token, "=")
	r.Equal(1, rec.count("tokens", "kind=obtain"))

	header, payload, _, err := jwt.Clean(token)
	r.Nil(err)
	r.Equal("JWT", header["typ"])
	r.Equal("HS256", header["alg"])
	r.Equal("cruze", payload["iss"])
	r.Equal("cruze-app", payload["aud"])
	r.Equal(alice.ID, numClaim(r, payload["sub"]))
	iat := numClaim(r, payload["iat"])
	r.InDelta(t0, iat, 2)
	r.Equal(iat, numClaim(r, payload["nbf"]))
	r.Equal(iat+7*24*3600, numClaim(r, payload["exp"]))
	r.NotContains(payload, "orig_iat")

	// the token works
	_, resp := doGet(r, base+"/users/", withToken(token))
	r.Equal(http.StatusOK, resp.StatusCode)

	// last login was recorded
	body, _ := doGet(r, userURL(alice.ID))
	p := decode[map[string]any](r, body)
	r.NotNil(p["user"].(map[string]any)["last_login"])

	// form data and surrounding spaces in the username
	body, resp = doPostForm(r, base+"/auth/token/", url.Values{
		"username": {" alice "},
		"password": {"alice-password"},
	})
	r.Equal(http.StatusOK, resp.StatusCode, "body was %q", string(body))
}

func TestTokenObtainErrors(t *testing.T) {
	r := require.New(t)

	cfg := loadTestCfg(t, r, cfgTestToken)
	s := startServer(r, cfg)
	defer stopServer(r, s)

	signup(r, "alice")

	for _, creds := range []map[string]any{
		{"username": "alice", "password": "wrong-password"},
		{"username": "nobody", "password": "alice-password"},
		{"username": "ALICE", "password": "alice-password"},
	} {
		body, resp := doPostJSON(r, base+"/auth/token/", creds)
		r.Equal(http.StatusBadRequest, resp.StatusCode)
		r.Equal([]string{"Unable to log in with provided credentials."}, nonField(r, body))
	}

	for _, creds := range []map[string]any{
		{"username": "alice"},
		{"password": "alice-password"},
		{"username": "", "password": "alice-password"},
		{"username": "alice", "password": nil},
		{},
	} {
		body, resp := doPostJSON(r, base+"/auth/token/", creds)
		r.Equal(http.StatusBadRequest, resp.StatusCode)
		r.Equal([]string{"Must include `username` and `password`."}, nonField(r, body))
	}
}

func TestTokenAuthentication(t *testing.T) {
	r := require.New(t)

	cfg := loadTestCfg(t, r, cfgTestToken)
	s := startServer(r, cfg)
	defer stopServer(r, s)

	alice := signup(r, "alice")
	bobby := signup(r, "bobby")
	token := login(r, "alice", "alice-password")
	now := time.Now()

	check := func(auth, msg string, opts ...reqOpt) {
		opts = append(opts, withHeader("Authorization", auth))
		body, resp := doGet(r, base+"/users/", opts...)
		r.Equal(http.StatusUnauthorized, resp.StatusCode, "auth %q", auth)
		r.Equal(`Bearer realm="api"`, resp.Header.Get("WWW-Authenticate"))
		r.Equal(msg, detail(r, body), "auth %q", auth)
	}
	ok := func(auth string, opts ...reqOpt) {
		opts = append(opts, withHeader("Authorization", auth))
		body, resp := doGet(r, base+"/users/", opts...)
		r.Equal(http.StatusOK, resp.StatusCode, "body was %q", string(body))
	}

	ok("Bearer " + token)
	ok("bearer " + token)
	ok("  BEARER   " + token + " ")
	ok("Basic dXNlcjpwYXNz") // not ours, anonymous
	ok("Bearer "+token, withHeader("X-Username", "alice"))
	ok("Bearer "+token, withHeader("User-Id", jsonInt(alice.ID)))

	check("Bearer", "Invalid token header. No credentials provided.")
	check("Bearer a b", "Invalid token header. Token string should not contain spaces.")
	check("Bearer abc", "Error decoding token.")
	check("Bearer a.b.c", "Error decoding token.")

	// tampered
	parts := strings.Split(token, ".")
	check("Bearer "+parts[0]+"."+parts[1]+".AAAA", "Error decoding signature.")

	// padding is accepted
	ok("Bearer " + parts[0] + "." + parts[1] + "." + parts[2] + strings.Repeat("=", (4-len(parts[2])%4)%4))

	// someone else
	check("Bearer "+token, "Invalid token claim: sub.", withHeader("X-Username", "bobby"))
	check("Bearer "+token, "Invalid token claim: sub.", withHeader("User-Id", jsonInt(bobby.ID)))
	check("Bearer "+token, "Provided credentials invalid.", withHeader("X-Username", "nobody"))
	check("Bearer "+token, "Provided credentials invalid.", withHeader("User-Id", "abc"))

	claims := func(iss string, sub int64, aud string) []jwt.Claim {
		return []jwt.Claim{jwt.Iss(iss), jwt.Sub(sub), jwt.Aud(aud),
			jwt.Nbf{}, jwt.Exp{Delta: time.Hour}, jwt.Iat{}}
	}

	// forged with the right key is fine, with another not
	ok("Bearer " + makeToken(r, testKey, now, claims("cruze", alice.ID, "cruze-app")...))
	check("Bearer "+makeToken(r, "fedcba9876543210fedcba9876543210", now, claims("cruze", alice.ID, "cruze-app")...),
		"Error decoding signature.")

	// claims
	check("Bearer "+makeToken(r, testKey, now, claims("other", alice.ID, "cruze-app")...),
		"Invalid token claim: iss.")
	check("Bearer "+makeToken(r, testKey, now, claims("cruze", alice.ID, "other-app")...),
		"Invalid token claim: aud.")
	check("Bearer "+makeToken(r, testKey, now, claims("cruze", 9999, "cruze-app")...),
		"Provided credentials invalid.")
	check("Bearer "+makeToken(r, testKey, now, jwt.Iss("cruze"), jwt.Aud("cruze-app")),
		"Provided credentials invalid.")
	check("Bearer "+makeToken(r, testKey, now, jwt.Iss("cruze"), jwt.Sub(alice.ID), jwt.Aud("cruze-app")),
		"Invalid token claim: exp.")

	// times
	check("Bearer "+makeToken(r, testKey, now.Add(-2*time.Hour), claims("cruze", alice.ID, "cruze-app")...),
		"Signature has expired.")
	check("Bearer "+makeToken(r, testKey, now.Add(time.Hour), claims("cruze", alice.ID, "cruze-app")...),
		"Token is not yet valid.")

	// writes need a valid token too
	body, resp := doRequest(r, http.MethodPatch, userURL(alice.ID),
		map[string]any{"car": false}, withHeader("Authorization", "Bearer abc"))
	r.Equal(http.StatusUnauthorized, resp.StatusCode)
	r.Equal("Error decoding token.", detail(r, body))
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

const cfgTestTokenOptions = `{
	"version": "1",
	"listen": "127.0.0.1:60000",
	"token": {
		"secretKey": "0123456789abcdef0123456789abcdef",
		"algorithm": "HS512",
		"issuer": "cruze-test",
		"expiration": 1,
		"leeway": 0
	},
	"accounts": { "passwordIterations": 1000 }
}`

func TestTokenOptions(t *testing.T) {
	r := require.New(t)

	cfg := loadTestCfg(t, r, cfgTestTokenOptions)
	s := startServer(r, cfg)
	defer stopServer(r, s)

	signup(r, "alice")
	token := login(r, "alice", "alice-password")
	header, payload, _, err := jwt.Clean(token)
	r.Nil(err)
	r.Equal("HS512", header["alg"])
	r.Equal("cruze-test", payload["iss"])
	r.NotContains(payload, "aud")
	r.Equal(numClaim(r, payload["iat"])+1, numClaim(r, payload["exp"]))

	_, resp := doGet(r, base+"/users/", withToken(token))
	r.Equal(http.StatusOK, resp.StatusCode)

	// a token with another algorithm is refused
	p := payloadOf(r, token)
	forged := makeToken(r, testKey, time.Now(), jwt.Iss("cruze-test"), jwt.Sub(p["sub"]),
		jwt.Nbf{}, jwt.Exp{Delta: time.Hour}, jwt.Iat{})
	body, resp := doGet(r, base+"/users/", withToken(forged))
	r.Equal(http.StatusUnauthorized, resp.StatusCode)
	r.Equal("Error decoding signature.", detail(r, body))

	time.Sleep(2100 * time.Millisecond)
	body, resp = doGet(r, base+"/users/", withToken(token))
	r.Equal(http.StatusUnauthorized, resp.StatusCode)
	r.Equal("Signature has expired.", detail(r, body))
}

const cfgTestTokenNoVerify = `{
	"version": "1",
	"listen": "127.0.0.1:60000",
	"token": {
		"secretKey": "0123456789abcdef0123456789abcdef",
		"verifyExpiration": false,
		"verifyNotBefore": false
	},
	"accounts": { "passwordIterations": 1000 }
}`

func TestTokenNoVerify(t *testing.T) {
	r := require.New(t)

	cfg := loadTestCfg(t, r, cfgTestTokenNoVerify)
	s := startServer(r, cfg)
	defer stopServer(r, s)

	alice := signup(r, "alice")
	now := time.Now()
	for _, at := range []time.Time{now.Add(-48 * time.Hour), now.Add(48 * time.Hour)} {
		token := makeToken(r, testKey, at, jwt.Iss("cruze"), jwt.Sub(alice.ID),
			jwt.Nbf{}, jwt.Exp{Delta: time.Hour}, jwt.Iat{})
		_, resp := doGet(r, base+"/users/", withToken(token))
		r.Equal(http.StatusOK, resp.StatusCode)
	}

	// exp is not required
	token := makeToken(r, testKey, now, jwt.Iss("cruze"), jwt.Sub(alice.ID))
	_, resp := doGet(r, base+"/users/", withToken(token))
	r.Equal(http.StatusOK, resp.StatusCode)
}

const cfgTestTokenRefresh = `{
	"version": "1",
	"listen": "127.0.0.1:60000",
	"token": {
		"secretKey": "0123456789abcdef0123456789abcdef",
		"allowRefresh": true,
		"refreshExpiration": 3600
	},
	"accounts": { "passwordIterations": 1000 }
}`

func TestTokenRefresh(t *testing.T) {
	r := require.New(t)

	var rec recorder
	cfg := loadTestCfg(t, r, cfgTestTokenRefresh)
	s := startServerFull(r, cfg, &rec)
	defer stopServer(r, s)

	alice := signup(r, "alice")
	token := login(r, "alice", "alice-password")
	payload := payloadOf(r, token)
	origIat := numClaim(r, payload["orig_iat"])
	r.Equal(numClaim(r, payload["iat"]), origIat)

	time.Sleep(1100 * time.Millisecond)
	body, resp := doPostJSON(r, base+"/auth/token/refresh/", map[string]any{"token": token})
	r.Equal(http.StatusOK, resp.StatusCode, "body was %q", string(body))
	newToken := decode[map[string]string](r, body)["token"]
	r.NotEqual(token, newToken)
	newPayload := payloadOf(r, newToken)
	r.Equal(origIat, numClaim(r, newPayload["orig_iat"]))
	r.Greater(numClaim(r, newPayload["exp"]), numClaim(r, payload["exp"]))
	r.Equal(1, rec.count("tokens", "kind=refresh"))

	_, resp = doGet(r, base+"/users/", withToken(newToken))
	r.Equal(http.StatusOK, resp.StatusCode)

	// errors
	fail := func(data map[string]any, msg string) {
		body, resp := doPostJSON(r, base+"/auth/token/refresh/", data)
		r.Equal(http.StatusBadRequest, resp.StatusCode, "body was %q", string(body))
		r.Equal([]string{msg}, nonField(r, body))
	}
	body, resp = doPostJSON(r, base+"/auth/token/refresh/", map[string]any{})
	r.Equal(http.StatusBadRequest, resp.StatusCode)
	r.Equal(`{"token":["This field is required."]}`, string(body))

	now := time.Now()
	std := func(sub int64) []jwt.Claim {
		return []jwt.Claim{jwt.Iss("cruze"), jwt.Sub(sub), jwt.Nbf{}, jwt.Exp{Delta: time.Hour}, jwt.Iat{}}
	}
	fail(map[string]any{"token": "abc"}, "Error decoding token.")
	parts := strings.Split(token, ".")
	fail(map[string]any{"token": parts[0] + "." + parts[1] + ".AAAA"}, "Error decoding signature.")
	fail(map[string]any{"token": makeToken(r, testKey, now, std(9999)...)}, "User doesn't exist.")
	fail(map[string]any{"token": makeToken(r, testKey, now, jwt.Iss("cruze"))}, "Invalid payload.")
	fail(map[string]any{"token": makeToken(r, testKey, now, std(alice.ID)...)}, "orig_iat field is required.")
	fail(map[string]any{"token": makeToken(r, testKey, now,
		append(std(alice.ID), jwt.At{Claim: "orig_iat", Time: now.Add(-2 * time.Hour)})...)}, "Refresh has expired.")
	fail(map[string]any{"token": makeToken(r, testKey, now.Add(-2*time.Hour),
		append(std(alice.ID), jwt.At{Claim: "orig_iat", Time: now})...)}, "Signature has expired.")

	// within the refresh window
	body, resp = doPostJSON(r, base+"/auth/token/refresh/", map[string]any{"token": makeToken(r, testKey, now,
		append(std(alice.ID), jwt.At{Claim: "orig_iat", Time: now.Add(-30 * time.Minute)})...)})
	r.Equal(http.StatusOK, resp.StatusCode, "body was %q", string(body))
}
