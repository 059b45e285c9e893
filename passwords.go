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
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Passwords are stored as "pbkdf2_sha256$<iterations>$<salt>$<hash>", with
// the hash in standard base64. This is the format used by Django, so that
// existing hashes can be imported as is.

const (
	pbkdf2Algorithm = "pbkdf2_sha256"
	saltLength      = 22
	saltChars       = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var errBadPasswordHash = errors.New("invalid password hash")

func makeSalt() (string, error) {
	var sb strings.Builder
	limit := big.NewInt(int64(len(saltChars)))
	for i := 0; i < saltLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		sb.WriteByte(saltChars[n.Int64()])
	}
	return sb.String(), nil
}

func pbkdf2Hash(password, salt string, iterations int) string {
	dk := pbkdf2.Key([]byte(password), []byte(salt), iterations, sha256.Size, sha256.New)
	return base64.StdEncoding.EncodeToString(dk)
}

// makePassword returns the encoded hash of password.
func makePassword(password string, iterations int) (string, error) {
	salt, err := makeSalt()
	if err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return fmt.Sprintf("%s$%d$%s$%s", pbkdf2Algorithm, iterations, salt,
		pbkdf2Hash(password, salt, iterations)), nil
}

func splitPassword(encoded string) (iterations int, salt, hash string, err error) {
	parts := strings.SplitN(encoded, "$", 4)
	if len(parts) != 4 || parts[0] != pbkdf2Algorithm {
		err = errBadPasswordHash
		return
	}
	iterations, err = strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		err = errBadPasswordHash
		return
	}
	return iterations, parts[2], parts[3], nil
}

// checkPassword reports whether password matches the encoded hash. An
// unparseable hash (like the "!" of an unusable password) never matches.
func checkPassword(password, encoded string) bool {
	iterations, salt, hash, err := splitPassword(encoded)
	if err != nil {
		return false
	}
	computed := pbkdf2Hash(password, salt, iterations)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}
