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
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

const maxBodySize = 1 << 20

func getCT(req *http.Request) (out string) {
	out = req.Header.Get("Content-Type")
	if pos := strings.IndexByte(out, ';'); pos > 0 {
		out = out[:pos]
	}
	return strings.TrimSpace(strings.ToLower(out))
}

// decodeBody reads a JSON object or form data from the request body. Nested
// fields in form data are written as "user.email". An empty body is an empty
// object.
func decodeBody(req *http.Request, logger zerolog.Logger) (map[string]any, *apiError) {
	// transparently decompress
	body := io.Reader(req.Body)
	if ce := req.Header.Get("Content-Encoding"); ce == "gzip" {
		r, err := gzip.NewReader(req.Body)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize gzip reader")
			return nil, errDetail(http.StatusBadRequest, "Malformed request.")
		}
		defer r.Close()
		body = r
	} else if ce == "deflate" {
		r := flate.NewReader(req.Body)
		defer r.Close()
		body = r
	}
	b, err := io.ReadAll(io.LimitReader(body, maxBodySize+1))
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read request body")
		return nil, errDetail(http.StatusBadRequest, "Malformed request.")
	}
	if len(b) > maxBodySize {
		return nil, errDetail(http.StatusRequestEntityTooLarge, "Request body too large.")
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return map[string]any{}, nil
	}

	switch ct := getCT(req); ct {
	case "application/json", "":
		return decodeJSON(b)
	case "application/x-www-form-urlencoded":
		req.Body = io.NopCloser(bytes.NewReader(b))
		req.Header.Del("Content-Encoding")
		if err := req.ParseForm(); err != nil {
			return nil, errDetail(http.StatusBadRequest, "Malformed form data.")
		}
		return decodeForm(req.PostForm)
	case "multipart/form-data":
		req.Body = io.NopCloser(bytes.NewReader(b))
		req.Header.Del("Content-Encoding")
		if err := req.ParseMultipartForm(maxBodySize); err != nil {
			logger.Debug().Err(err).Msg("failed to parse multipart form")
			return nil, errDetail(http.StatusBadRequest, "Malformed form data.")
		}
		defer req.MultipartForm.RemoveAll()
		return decodeForm(req.MultipartForm.Value)
	default:
		return nil, errDetail(http.StatusUnsupportedMediaType,
			fmt.Sprintf("Unsupported media type %q in request.", ct))
	}
}

func decodeJSON(b []byte) (map[string]any, *apiError) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errDetail(http.StatusBadRequest, "JSON parse error - "+err.Error())
	}
	if dec.More() {
		return nil, errDetail(http.StatusBadRequest, "JSON parse error - extra data after object")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errValidation(invalidObject(v))
	}
	return m, nil
}

// decodeForm turns form values into the shape of a JSON body. Only the first
// value of a key is used. A key like "user.email" becomes a field of a
// nested "user" object, and then "user" itself may not be a plain value.
func decodeForm(form map[string][]string) (map[string]any, *apiError) {
	out := make(map[string]any)
	for k, vs := range form {
		if len(vs) == 0 {
			continue
		}
		outer, inner, nested := strings.Cut(k, ".")
		if !nested || outer == "" {
			continue
		}
		obj, ok := out[outer].(map[string]any)
		if !ok {
			obj = make(map[string]any)
			out[outer] = obj
		}
		obj[inner] = vs[0]
	}
	fe := fieldErrors{}
	for k, vs := range form {
		if len(vs) == 0 || (strings.Contains(k, ".") && !strings.HasPrefix(k, ".")) {
			continue
		}
		if _, ok := out[k].(map[string]any); ok {
			fe.add(k, fmt.Sprintf("Invalid data. Expected a dictionary, but got %s.",
				typeName(vs[0])))
			continue
		}
		out[k] = vs[0]
	}
	if len(fe) > 0 {
		return nil, errValidation(fe)
	}
	return out, nil
}

var errNoValue = errors.New("no value")

// stringField returns a string field of the decoded body.
func stringField(data map[string]any, name string) (string, error) {
	v, ok := data[name]
	if !ok || v == nil {
		return "", errNoValue
	}
	s, msg := parseString(v, false)
	if msg != "" {
		return "", errors.New(msg)
	}
	return s, nil
}
