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
	"errors"
	"io"
	"os"
	"testing"

	"github.com/cruze-app/cruze"
	"github.com/stretchr/testify/require"
)

// eachCfg decodes every config in a file of concatenated JSON objects.
func eachCfg(t *testing.T, path string, fn func(cfg *cruze.APIServerConfig)) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	dec := json.NewDecoder(f)
	for n := 1; ; n++ {
		var cfg cruze.APIServerConfig
		err := dec.Decode(&cfg)
		if errors.Is(err, io.EOF) {
			return
		}
		require.NoError(t, err, "%s: config #%d", path, n)
		fn(&cfg)
	}
}

func TestValidateConfigError(t *testing.T) {
	eachCfg(t, "_test/invalid_cfgs.jsons", func(cfg *cruze.APIServerConfig) {
		err := cfg.IsValid()
		require.Error(t, err, "invalid config passes: %+v", *cfg)
		t.Logf("error (expected): %v", err)
	})
}

func TestValidateConfigWarn(t *testing.T) {
	eachCfg(t, "_test/warn_cfgs.jsons", func(cfg *cruze.APIServerConfig) {
		results := cfg.Validate()
		require.NotEmpty(t, results, "at least 1 warning was expected")
		for _, vr := range results {
			require.True(t, vr.Warn, vr.Message)
			require.NotEmpty(t, vr.Message)
		}
		require.NoError(t, cfg.IsValid())
	})
}

func TestValidateConfigOK(t *testing.T) {
	r := require.New(t)

	cfg := cruze.APIServerConfig{
		Version:      "1.0",
		Listen:       "127.0.0.1:8000",
		CommonPrefix: "/api/v1",
		CORS: &cruze.CORS{
			AllowedOrigins: []string{"https://*.school.edu"},
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			MaxAge:         mkptr(600),
		},
		Datasource: cruze.Datasource{
			Driver:  "sqlite",
			Path:    "cruze.db",
			Timeout: mkptr(5.0),
		},
		Token: cruze.TokenConfig{
			SecretKey:         "0123456789abcdef0123456789abcdef",
			Algorithm:         "HS512",
			Expiration:        mkptr(3600.0),
			NotBefore:         mkptr(0.0),
			AllowRefresh:      true,
			RefreshExpiration: mkptr(86400.0),
		},
		Accounts: cruze.AccountsConfig{
			PageSize: mkptr(25),
			Cache:    mkptr(30.0),
		},
		RateLimit: &cruze.RateLimit{Requests: 10, Window: 60},
		Jobs: []cruze.Job{
			{Name: "lift.hourly", Type: "lift-suspensions", Schedule: "@hourly"},
			{Name: "vacuum", Type: "exec", Schedule: "0 3 * * *", Script: "VACUUM"},
		},
	}
	r.Empty(cfg.Validate())
	r.Nil(cfg.IsValid())
}
