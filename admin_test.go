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
	"context"
	"net/http"
	"testing"

	"github.com/cruze-app/cruze"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestCreateSuperuser(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	_, err := cruze.CreateSuperuser(ctx, nil, cruze.Superuser{}, zerolog.Nop())
	r.Error(err)

	cfg := loadTestCfg(t, r, cfgTestUsers)
	su := cruze.Superuser{
		Username:  "root",
		Email:     "root@localhost",
		Password:  "root-password",
		FirstName: "Admin",
		LastName:  "User",
		DOB:       "1970-01-01",
	}
	p, err := cruze.CreateSuperuser(ctx, cfg, su, zerolog.Nop())
	r.NoError(err)
	r.Positive(p.ID)
	r.True(p.User.IsStaff)
	r.True(p.User.IsSuperuser)
	r.True(p.User.IsActive)
	r.Equal("1970-01-01", p.DOB.String())

	// again
	_, err = cruze.CreateSuperuser(ctx, cfg, su, zerolog.Nop())
	r.ErrorContains(err, "A user with that username already exists.")

	// validated like any other user
	bad := su
	bad.Username = "root2"
	bad.Email = "root2@localhost"
	bad.Password = "short"
	_, err = cruze.CreateSuperuser(ctx, cfg, bad, zerolog.Nop())
	r.ErrorContains(err, "Ensure this field has at least 8 characters.")
	bad.Password = "root2-password"
	bad.DOB = "yesterday"
	_, err = cruze.CreateSuperuser(ctx, cfg, bad, zerolog.Nop())
	r.ErrorContains(err, "dob")

	// visible through the API, and can log in
	s := startServer(r, cfg)
	defer stopServer(r, s)
	body, resp := doGet(r, userURL(p.ID))
	r.Equal(http.StatusOK, resp.StatusCode)
	r.True(decode[cruze.Profile](r, body).User.IsSuperuser)
	login(r, "root", "root-password")
}
