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
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	jobLiftSuspensions = "lift-suspensions"
	jobExec            = "exec"
)

//------------------------------------------------------------------------------
// cron

func newCron(logger zerolog.Logger) *cron.Cron {
	return cron.New(cron.WithParser(stdCronParser),
		cron.WithLogger(cronLogger{logger.With().Str("component", "cron").Logger()}))
}

// cronLogger adapts zerolog to cron.Logger. Only errors are passed on, the
// scheduler's info output is a line per tick.
type cronLogger struct {
	zerolog.Logger
}

func (cronLogger) Info(string, ...any) {}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.Logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

//------------------------------------------------------------------------------
// jobs

func (a *APIServer) setupJobs() error {
	for i := range a.cfg.Jobs {
		job := &a.cfg.Jobs[i]
		if _, err := a.c.AddFunc(job.Schedule, func() { a.runJob(job) }); err != nil {
			a.logger.Error().Err(err).Str("job", job.Name).Msg("failed to schedule job")
			return fmt.Errorf("job %q: %w", job.Name, err)
		}
	}
	return nil
}

func (a *APIServer) runJob(job *Job) {
	t0 := time.Now()
	logger := a.logger.With().Str("job", job.Name).Logger()
	if job.Debug {
		logger.Debug().Msg("job start")
	}

	ctx := a.bgctx
	if job.Timeout != nil && *job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*job.Timeout*float64(time.Second)))
		defer cancel()
	}

	var (
		n   int64
		err error
	)
	switch job.Type {
	case jobLiftSuspensions:
		n, err = a.st.liftElapsedSuspensions(ctx, time.Now())
		if err == nil && n > 0 {
			a.invalidateCache()
			logger.Info().Int64("count", n).Msg("elapsed suspensions lifted")
		}
	case jobExec:
		n, err = a.st.exec(ctx, job.Script)
		if err == nil {
			// the script may have changed anything
			a.invalidateCache()
		}
	}
	elapsed := time.Since(t0)
	if err != nil {
		logger.Error().Err(err).Msg("job failed")
		a.reportMetric("jobrun", float64(elapsed)/1e6, "job="+job.Name, "result=error")
		return
	}
	a.reportMetric("jobrun", float64(elapsed)/1e6, "job="+job.Name, "result=ok")

	if job.Debug {
		logger.Debug().Int64("rows", n).Dur("elapsed", elapsed).Msg("job done")
	}
}
