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

package main

import (
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSplitLabels(t *testing.T) {
	names, values := splitLabels([]string{"route=/users/", "method=GET", "bare"})
	require.Equal(t, []string{"route", "method", "bare"}, names)
	require.Equal(t, []string{"/users/", "GET", ""}, values)
}

func TestMetricsReport(t *testing.T) {
	r := require.New(t)

	m := newMetricsServer("127.0.0.1:0", zerolog.Nop())
	m.report("reqserve", []string{"route=/users/", "method=GET", "status=200"}, 1.5)
	m.report("reqserve", []string{"route=/users/", "method=GET", "status=200"}, 2.5)
	m.report("reqserve", []string{"route=/users/", "method=POST", "status=201"}, 3)
	m.report("authfail", nil, 1)

	n, err := testutil.GatherAndCount(m.reg, "cruze_reqserve", "cruze_authfail")
	r.NoError(err)
	r.Equal(3, n) // two reqserve series, one authfail

	// label names are fixed by the first report
	m.report("reqserve", []string{"route=/"}, 1)
	n, err = testutil.GatherAndCount(m.reg, "cruze_reqserve")
	r.NoError(err)
	r.Equal(2, n)
}

func TestMetricsServe(t *testing.T) {
	r := require.New(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	r.NoError(err)
	addr := l.Addr().String()
	r.NoError(l.Close())

	m := newMetricsServer(addr, zerolog.Nop())
	m.report("jobrun", []string{"job=lift", "result=ok"}, 12)
	m.start()
	defer func() { r.NoError(m.stop(time.Second)) }()

	var resp *http.Response
	r.Eventually(func() bool {
		resp, err = http.Get("http://" + addr + "/metrics")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	r.NoError(err)
	r.Equal(http.StatusOK, resp.StatusCode)
	r.Contains(string(body), `cruze_jobrun_count{job="lift",result="ok"} 1`)
}
