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

package cruze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Superuser holds the details of an administrator account.
type Superuser struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
	DOB       string // YYYY-MM-DD
}

// CreateSuperuser creates a staff and superuser account (with its profile) in
// the datasource of cfg, migrating the schema if required. The fields are
// validated the same way as for accounts created over the API.
func CreateSuperuser(ctx context.Context, cfg *APIServerConfig, su Superuser, logger zerolog.Logger) (*Profile, error) {
	if cfg == nil {
		return nil, errors.New("invalid configuration: is nil")
	}
	a := &APIServer{cfg: cfg, logger: logger}
	data := map[string]any{
		"user": map[string]any{
			"username":   su.Username,
			"email":      su.Email,
			"password":   su.Password,
			"first_name": su.FirstName,
			"last_name":  su.LastName,
		},
		"dob": su.DOB,
	}
	var in profileInput
	if fe := a.bindProfile(data, &in, false, true); len(fe) > 0 {
		b, _ := json.Marshal(fe)
		return nil, fmt.Errorf("invalid superuser: %s", b)
	}

	st, err := openStore(ctx, &cfg.Datasource, logger)
	if err != nil {
		return nil, err
	}
	defer st.close()
	a.st = st
	if aerr := a.checkUnique(ctx, &in.profile.User, 0, logger); aerr != nil {
		b, _ := json.Marshal(aerr.body)
		return nil, fmt.Errorf("invalid superuser: %s", b)
	}

	p := &in.profile
	if p.User.Password, err = makePassword(in.password, cfg.Accounts.passwordIterations()); err != nil {
		return nil, err
	}
	p.User.IsActive = true
	p.User.IsStaff = true
	p.User.IsSuperuser = true
	p.User.DateJoined = time.Now().UTC()
	if err := st.createProfile(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create superuser: %w", err)
	}
	logger.Info().Int64("profile", p.ID).Str("username", p.User.Username).Msg("superuser created")
	return p, nil
}
