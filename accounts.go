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
	"encoding/json"
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// User is a login account. Password holds the encoded hash and is never
// serialized.
type User struct {
	ID          int64      `json:"id"`
	Username    string     `json:"username"`
	Password    string     `json:"-"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	Email       string     `json:"email"`
	IsActive    bool       `json:"is_active"`
	IsStaff     bool       `json:"is_staff"`
	IsSuperuser bool       `json:"is_superuser"`
	LastLogin   *time.Time `json:"last_login"`
	DateJoined  time.Time  `json:"date_joined"`
}

// Profile is the carpool profile of a student, one per User. Deleting a
// profile deletes its user.
type Profile struct {
	ID             int64      `json:"id"`
	User           User       `json:"user"`
	DOB            Date       `json:"dob"`
	Car            bool       `json:"car"`
	NumSeats       *int       `json:"num_seats"`
	LastSuspension *time.Time `json:"last_suspension"`
	SuspendedUntil *time.Time `json:"suspended_until"`
}

// Suspended reports whether the profile is suspended at the given time.
func (p *Profile) Suspended(now time.Time) bool {
	return p.SuspendedUntil != nil && !p.SuspendedUntil.Before(now)
}

// Date is a calendar date, serialized as YYYY-MM-DD.
type Date struct {
	time.Time
}

const dateLayout = "2006-01-02"

func (d Date) String() string {
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

//------------------------------------------------------------------------------
// settings

const (
	defaultPasswordMinLength  = 8
	defaultUsernameMinLength  = 4
	defaultPasswordIterations = 260000
	defaultPageSize           = 10

	maxNameLength  = 150
	maxEmailLength = 254
	maxNumSeats    = 32767
)

func intOr(v *int, def int) int {
	if v != nil && *v > 0 {
		return *v
	}
	return def
}

func (c *AccountsConfig) passwordMinLength() int {
	return intOr(c.PasswordMinLength, defaultPasswordMinLength)
}

func (c *AccountsConfig) usernameMinLength() int {
	return intOr(c.UsernameMinLength, defaultUsernameMinLength)
}

func (c *AccountsConfig) passwordIterations() int {
	return intOr(c.PasswordIterations, defaultPasswordIterations)
}

func (c *AccountsConfig) pageSize() int {
	return intOr(c.PageSize, defaultPageSize)
}

func (c *AccountsConfig) cacheTTL() time.Duration {
	if c.Cache != nil && *c.Cache > 0 {
		return time.Duration(*c.Cache * float64(time.Second))
	}
	return 0
}

//------------------------------------------------------------------------------
// field errors

const (
	msgRequired     = "This field is required."
	msgNull         = "This field may not be null."
	msgBlank        = "This field may not be blank."
	msgString       = "Not a valid string."
	msgBoolean      = "Must be a valid boolean."
	msgInteger      = "A valid integer is required."
	msgEmail        = "Enter a valid email address."
	msgDate         = "Date has wrong format. Use one of these formats instead: YYYY-MM-DD."
	msgDatetime     = "Datetime has wrong format. Use one of these formats instead: YYYY-MM-DDThh:mm[:ss[.uuuuuu]][+HH:MM|-HH:MM|Z]."
	msgUsername     = "Enter a valid username. This value may contain only letters, numbers, and @/./+/-/_ characters."
	msgUsernameUsed = "A user with that username already exists."
	msgEmailUsed    = "A user with that email already exists."
	msgUserUsed     = "A user with that username or email already exists."
)

// fieldErrors maps field names to a list of messages, or to a nested
// fieldErrors for nested objects.
type fieldErrors map[string]any

func (fe fieldErrors) add(field, msg string) {
	if l, ok := fe[field].([]string); ok {
		fe[field] = append(l, msg)
	} else {
		fe[field] = []string{msg}
	}
}

func nonFieldErrors(msg string) fieldErrors {
	return fieldErrors{"non_field_errors": []string{msg}}
}

func typeName(v any) string {
	switch t := v.(type) {
	case string:
		return "str"
	case bool:
		return "bool"
	case json.Number:
		if strings.ContainsAny(t.String(), ".eE") {
			return "float"
		}
		return "int"
	case float64:
		return "float"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	case nil:
		return "NoneType"
	}
	return fmt.Sprintf("%T", v)
}

func invalidObject(v any) fieldErrors {
	return nonFieldErrors(fmt.Sprintf("Invalid data. Expected a dictionary, but got %s.", typeName(v)))
}

//------------------------------------------------------------------------------
// field parsers

// each parser returns "" on success, or the error message

func parseString(v any, trim bool) (string, string) {
	var s string
	switch t := v.(type) {
	case nil:
		return "", msgNull
	case string:
		s = t
	case json.Number:
		s = t.String()
	default:
		return "", msgString
	}
	if trim {
		s = strings.TrimSpace(s)
	}
	return s, ""
}

func checkLength(s string, min, max int) string {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return msgBlank
	}
	if max > 0 && n > max {
		return fmt.Sprintf("Ensure this field has no more than %d characters.", max)
	}
	if min > 0 && n < min {
		return fmt.Sprintf("Ensure this field has at least %d characters.", min)
	}
	return ""
}

var trueValues = map[string]bool{"true": true, "1": true, "yes": true, "y": true, "on": true, "t": true}
var falseValues = map[string]bool{"false": true, "0": true, "no": true, "n": true, "off": true, "f": true}

func parseBool(v any) (bool, string) {
	switch t := v.(type) {
	case nil:
		return false, msgNull
	case bool:
		return t, ""
	case json.Number:
		if s := t.String(); s == "1" {
			return true, ""
		} else if s == "0" {
			return false, ""
		}
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if trueValues[s] {
			return true, ""
		} else if falseValues[s] {
			return false, ""
		}
	}
	return false, msgBoolean
}

// parseSeats parses the optional number of seats. A nil result with no
// message means null.
func parseSeats(v any) (*int, string) {
	var s string
	switch t := v.(type) {
	case nil:
		return nil, ""
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
		if s == "" {
			return nil, ""
		}
	default:
		return nil, msgInteger
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		// accept integral floats like 4.0
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != float64(int(f)) {
			return nil, msgInteger
		}
		n = int(f)
	}
	if n < 0 {
		return nil, "Ensure this value is greater than or equal to 0."
	}
	if n > maxNumSeats {
		return nil, fmt.Sprintf("Ensure this value is less than or equal to %d.", maxNumSeats)
	}
	return &n, ""
}

func parseDate(v any) (Date, string) {
	s, msg := parseString(v, true)
	if msg != "" {
		if msg == msgString {
			msg = msgDate
		}
		return Date{}, msg
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, msgDate
	}
	return Date{t}, ""
}

func parseDatetime(v any) (time.Time, string) {
	s, msg := parseString(v, true)
	if msg != "" {
		if msg == msgString {
			msg = msgDatetime
		}
		return time.Time{}, msg
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, ""
		}
	}
	return time.Time{}, msgDatetime
}

var rxUsername = regexp.MustCompile(`^[\pL\pN_.@+-]+$`)

func checkEmail(s string) string {
	if msg := checkLength(s, 0, maxEmailLength); msg != "" {
		return msg
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || addr.Name != "" {
		return msgEmail
	}
	domain := s[strings.LastIndexByte(s, '@')+1:]
	if domain != "localhost" && !strings.Contains(domain, ".") {
		return msgEmail
	}
	return ""
}

//------------------------------------------------------------------------------
// binding

// profileInput is the validated content of a create or update request.
// Password, if set, is in plain text.
type profileInput struct {
	profile  Profile
	password string
}

// bindProfile validates data against the fields of a profile, applying the
// values onto in.profile. With partial set, absent fields keep their value,
// otherwise every required field must be present. The password is required
// only when creating.
func (a *APIServer) bindProfile(data map[string]any, in *profileInput, partial, creating bool) fieldErrors {
	fe := make(fieldErrors)
	p := &in.profile

	// nested user
	if v, ok := data["user"]; !ok {
		if !partial {
			fe.add("user", msgRequired)
		}
	} else if v == nil {
		fe.add("user", msgNull)
	} else if ud, ok := v.(map[string]any); !ok {
		fe["user"] = invalidObject(v)
	} else if ufe := a.bindUser(ud, in, partial, creating); len(ufe) > 0 {
		fe["user"] = ufe
	}

	// dob
	if v, ok := data["dob"]; ok {
		if d, msg := parseDate(v); msg != "" {
			fe.add("dob", msg)
		} else {
			p.DOB = d
		}
	} else if !partial {
		fe.add("dob", msgRequired)
	}

	// car
	if v, ok := data["car"]; ok {
		if b, msg := parseBool(v); msg != "" {
			fe.add("car", msg)
		} else {
			p.Car = b
		}
	} else if !partial {
		p.Car = false
	}

	// num_seats
	if v, ok := data["num_seats"]; ok {
		if n, msg := parseSeats(v); msg != "" {
			fe.add("num_seats", msg)
		} else {
			p.NumSeats = n
		}
	} else if !partial {
		p.NumSeats = nil
	}

	return fe
}

func (a *APIServer) bindUser(data map[string]any, in *profileInput, partial, creating bool) fieldErrors {
	fe := make(fieldErrors)
	u := &in.profile.User

	str := func(name string, required, trim bool, check func(string) string, set func(string)) {
		v, ok := data[name]
		if !ok {
			if required && !partial {
				fe.add(name, msgRequired)
			}
			return
		}
		s, msg := parseString(v, trim)
		if msg == "" {
			msg = check(s)
		}
		if msg != "" {
			fe.add(name, msg)
			return
		}
		set(s)
	}

	str("username", true, true, func(s string) string {
		if msg := checkLength(s, a.cfg.Accounts.usernameMinLength(), maxNameLength); msg != "" {
			return msg
		}
		if !rxUsername.MatchString(s) {
			return msgUsername
		}
		return ""
	}, func(s string) { u.Username = s })

	str("password", creating, false, func(s string) string {
		return checkLength(s, a.cfg.Accounts.passwordMinLength(), 0)
	}, func(s string) { in.password = s })

	name := func(s string) string { return checkLength(s, 0, maxNameLength) }
	str("first_name", true, true, name, func(s string) { u.FirstName = s })
	str("last_name", true, true, name, func(s string) { u.LastName = s })
	str("email", true, true, checkEmail, func(s string) { u.Email = s })

	return fe
}
