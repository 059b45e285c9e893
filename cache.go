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
	"encoding/binary"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5/middleware"
)

var (
	startOfValue = []byte{2}
	endOfValue   = []byte{3}
)

// makeCacheKey returns a non-cryptographic 64-bit hash value over the given
// values.
func makeCacheKey(values ...string) uint64 {
	d := xxhash.New()
	for _, v := range values {
		d.Write(startOfValue)
		d.WriteString(v)
		d.Write(endOfValue)
	}
	return d.Sum64()
}

// invalidateCache makes all current cache entries stale. Each entry records
// the generation it was stored under, and the next store to the same key
// overwrites it.
func (a *APIServer) invalidateCache() {
	a.gen.Add(1)
}

func (a *APIServer) useCache() bool {
	return a.cfg.Accounts.cacheTTL() > 0 && a.rti != nil &&
		a.rti.CacheSet != nil && a.rti.CacheGet != nil
}

const cacheHeaderLen = 16

// cacheEntry lays out a cached response: big-endian store time in unix
// nanoseconds, big-endian cache generation, then the body.
func cacheEntry(now time.Time, gen uint64) *bytes.Buffer {
	buf := &bytes.Buffer{}
	var hdr [cacheHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(now.UnixNano()))
	binary.BigEndian.PutUint64(hdr[8:16], gen)
	buf.Write(hdr[:])
	return buf
}

// freshEntry returns the body of a cache entry if it was stored under gen
// no longer than ttl nanoseconds ago.
func freshEntry(val []byte, gen, ttl uint64, now time.Time) ([]byte, bool) {
	if len(val) < cacheHeaderLen {
		return nil, false
	}
	if binary.BigEndian.Uint64(val[8:16]) != gen {
		return nil, false
	}
	if uint64(now.UnixNano())-binary.BigEndian.Uint64(val[0:8]) > ttl {
		return nil, false
	}
	return val[cacheHeaderLen:], true
}

// cached wraps a GET handler. Successful responses are stored in the cache
// for the configured time, and served from there until they expire or a
// write happens. There is one key per URL, so stale entries are replaced
// rather than left behind.
func (a *APIServer) cached(h http.HandlerFunc) http.HandlerFunc {
	return func(resp http.ResponseWriter, req *http.Request) {
		if !a.useCache() {
			h(resp, req)
			return
		}
		logger := a.requestLogger(req)
		ttl := uint64(a.cfg.Accounts.cacheTTL())
		gen := a.gen.Load()

		// the host and scheme are part of the key, since the body carries
		// absolute URLs
		key := makeCacheKey(req.Host, req.Header.Get("X-Forwarded-Proto"),
			strconv.FormatBool(req.TLS != nil), req.URL.Path, req.URL.RawQuery)
		if val, ok := a.rti.CacheGet(key); ok {
			if body, fresh := freshEntry(val, gen, ttl, time.Now()); fresh {
				logger.Debug().Uint64("cachekey", key).Msg("cache hit, serving from cache")
				resp.Header().Set("Content-Type", "application/json")
				resp.Header().Set("Content-Length", strconv.Itoa(len(body)))
				if _, err := resp.Write(body); err != nil {
					logger.Error().Err(err).Msg("error writing response")
				}
				a.reportMetric("cache", 1, "result=hit")
				return
			}
			logger.Debug().Uint64("cachekey", key).Msg("cached value is stale")
		}
		a.reportMetric("cache", 1, "result=miss")

		buf := cacheEntry(time.Now(), gen)
		ww := middleware.NewWrapResponseWriter(resp, req.ProtoMajor)
		ww.Tee(buf)
		h(ww, req)
		if ww.Status() == http.StatusOK {
			logger.Debug().Uint64("cachekey", key).Int("valuelen", buf.Len()).
				Msg("storing result in cache")
			a.rti.CacheSet(key, buf.Bytes())
		} else {
			// drop whatever stale entry the key still holds
			a.rti.CacheSet(key, nil)
		}
	}
}
