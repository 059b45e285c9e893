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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cruze-app/cruze"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const base = "http://127.0.0.1:60000"

// testKey is a valid secret key for test configurations.
const testKey = "0123456789abcdef0123456789abcdef"

var httpc = &http.Client{
	Timeout:   10 * time.Second,
	Transport: &http.Transport{DisableKeepAlives: true},
}

type reqOpt func(*http.Request)

func withToken(token string) reqOpt {
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func withHeader(key, value string) reqOpt {
	return func(req *http.Request) {
		req.Header.Set(key, value)
	}
}

// doRequest makes a request with an optional body: a map is sent as JSON,
// url.Values as a form and a string as raw JSON.
// multipartForm is sent as multipart/form-data by doRequest.
type multipartForm url.Values

func doRequest(r *require.Assertions, method, u string, data any, opts ...reqOpt) (body []byte, resp *http.Response) {
	var (
		reqBody io.Reader
		ct      string
	)
	switch d := data.(type) {
	case nil:
	case map[string]any:
		b, err := json.Marshal(d)
		r.Nil(err)
		reqBody, ct = bytes.NewReader(b), "application/json; charset=utf-8"
	case url.Values:
		reqBody, ct = strings.NewReader(d.Encode()), "application/x-www-form-urlencoded"
	case multipartForm:
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for k, vs := range d {
			for _, v := range vs {
				r.Nil(mw.WriteField(k, v))
			}
		}
		r.Nil(mw.Close())
		reqBody, ct = &buf, mw.FormDataContentType()
	case string:
		reqBody, ct = strings.NewReader(d), "application/json"
	default:
		panic("bad call to doRequest")
	}
	req, err := http.NewRequest(method, u, reqBody)
	r.Nil(err)
	if ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	for _, o := range opts {
		o(req)
	}
	resp, err = httpc.Do(req)
	r.Nil(err)
	r.NotNil(resp)
	body, err = io.ReadAll(resp.Body)
	r.Nil(err)
	resp.Body.Close()
	return
}

func doGet(r *require.Assertions, u string, opts ...reqOpt) (body []byte, resp *http.Response) {
	return doRequest(r, http.MethodGet, u, nil, opts...)
}

func doPostForm(r *require.Assertions, u string, data url.Values, opts ...reqOpt) (body []byte, resp *http.Response) {
	return doRequest(r, http.MethodPost, u, data, opts...)
}

func doPostJSON(r *require.Assertions, u string, data map[string]any, opts ...reqOpt) (body []byte, resp *http.Response) {
	return doRequest(r, http.MethodPost, u, data, opts...)
}

func decode[T any](r *require.Assertions, body []byte) T {
	var v T
	r.Nil(json.Unmarshal(body, &v), "body was %q", string(body))
	return v
}

// detail returns the "detail" message of an error response.
func detail(r *require.Assertions, body []byte) string {
	return decode[map[string]string](r, body)["detail"]
}

func mkptr[T any](v T) *T {
	return &v
}

func loadCfg(r *require.Assertions, s string) *cruze.APIServerConfig {
	var cfg cruze.APIServerConfig
	err := json.Unmarshal([]byte(s), &cfg)
	r.Nil(err)
	r.Nil(cfg.IsValid())
	return &cfg
}

// loadTestCfg loads a configuration and points it at a fresh sqlite
// database.
func loadTestCfg(t *testing.T, r *require.Assertions, s string) *cruze.APIServerConfig {
	cfg := loadCfg(r, s)
	cfg.Datasource.Driver = "sqlite"
	cfg.Datasource.Path = filepath.Join(t.TempDir(), "cruze.db")
	return cfg
}

type metric struct {
	name   string
	labels []string
	value  float64
}

// recorder collects the metrics reported by a server.
type recorder struct {
	mu      sync.Mutex
	metrics []metric
}

func (rec *recorder) report(name string, labels []string, value float64) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.metrics = append(rec.metrics, metric{name, append([]string(nil), labels...), value})
}

func (rec *recorder) count(name string, labels ...string) (n int) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
outer:
	for _, m := range rec.metrics {
		if m.name != name {
			continue
		}
		for _, l := range labels {
			found := false
			for _, ml := range m.labels {
				if ml == l {
					found = true
					break
				}
			}
			if !found {
				continue outer
			}
		}
		n++
	}
	return
}

func startServer(r *require.Assertions, cfg *cruze.APIServerConfig) *cruze.APIServer {
	s, err := cruze.NewAPIServer(cfg, nil)
	r.NotNil(s, "error was %v", err)
	r.Nil(err)
	r.Nil(s.Start())
	return s
}

// testCache is the in-process cache the tests run servers with.
type testCache struct {
	m sync.Map
}

func (c *testCache) set(key uint64, value []byte) {
	if len(value) == 0 {
		c.m.Delete(key)
	} else {
		c.m.Store(key, value)
	}
}

func (c *testCache) get(key uint64) (value []byte, found bool) {
	if v, ok := c.m.Load(key); ok && v != nil {
		return v.([]byte), true
	}
	return nil, false
}

func (c *testCache) len() (n int) {
	c.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return
}

func startServerFull(r *require.Assertions, cfg *cruze.APIServerConfig, rec *recorder, dest ...io.Writer) *cruze.APIServer {
	return startServerCache(r, cfg, rec, &testCache{}, dest...)
}

func startServerCache(r *require.Assertions, cfg *cruze.APIServerConfig, rec *recorder, cache *testCache, dest ...io.Writer) *cruze.APIServer {
	var logger zerolog.Logger
	if len(dest) > 0 {
		logger = zerolog.New(dest[0])
	} else {
		logger = zerolog.Nop()
	}
	rti := &cruze.RuntimeInterface{
		Logger:   &logger,
		CacheSet: cache.set,
		CacheGet: cache.get,
	}
	if rec != nil {
		rti.ReportMetric = rec.report
	}
	s, err := cruze.NewAPIServer(cfg, rti)
	r.NotNil(s, "error was %v", err)
	r.Nil(err)
	r.Nil(s.Start())
	return s
}

func stopServer(r *require.Assertions, s *cruze.APIServer) {
	r.Nil(s.Stop(5 * time.Second))
}

//------------------------------------------------------------------------------
// accounts

func signupData(username string) map[string]any {
	return map[string]any{
		"user": map[string]any{
			"username":   username,
			"password":   username + "-password",
			"first_name": strings.ToUpper(username[:1]) + username[1:],
			"last_name":  "Tester",
			"email":      username + "@example.com",
		},
		"dob":       "2001-02-03",
		"car":       true,
		"num_seats": 3,
	}
}

// signup creates a user with the password username+"-password".
func signup(r *require.Assertions, username string) cruze.Profile {
	body, resp := doPostJSON(r, base+"/users/", signupData(username))
	r.Equal(http.StatusCreated, resp.StatusCode, "body was %q", string(body))
	return decode[cruze.Profile](r, body)
}

func login(r *require.Assertions, username, password string) string {
	body, resp := doPostJSON(r, base+"/auth/token/", map[string]any{
		"username": username,
		"password": password,
	})
	r.Equal(http.StatusOK, resp.StatusCode, "body was %q", string(body))
	token := decode[map[string]string](r, body)["token"]
	r.NotEmpty(token)
	return token
}

// mkAdmin creates a superuser directly in the datasource, before the server
// is started.
func mkAdmin(r *require.Assertions, cfg *cruze.APIServerConfig, username string) *cruze.Profile {
	p, err := cruze.CreateSuperuser(context.Background(), cfg, cruze.Superuser{
		Username:  username,
		Email:     username + "@cruze.app",
		Password:  username + "-password",
		FirstName: "Admin",
		LastName:  "User",
		DOB:       "1980-01-01",
	}, zerolog.Nop())
	r.Nil(err)
	r.NotNil(p)
	return p
}
