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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cruze-app/cruze"
	"github.com/goccy/go-yaml"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var (
	flagset  = pflag.NewFlagSet("", pflag.ContinueOnError)
	fversion = flagset.BoolP("version", "v", false, "show version and exit")
	fcheck   = flagset.BoolP("check", "c", false, "only check if the config file is valid")
	flog     = flagset.StringP("logtype", "l", "text", "print logs in 'text' (default) or 'json' format")
	fnocolor = flagset.Bool("no-color", false, "do not colorize log output")
	fyaml    = flagset.BoolP("yaml", "y", false, "config-file is in YAML format")
	fredis   = flagset.StringP("redis", "r", "", "use the redis server at `host:port` as the response cache")
	fmetrics = flagset.StringP("metrics", "m", "", "serve prometheus metrics at `addr` (eg. 127.0.0.1:9090)")
	fadmin   = flagset.String("create-admin", "", "create a superuser `username` and exit")
)

var version string // set during build

const (
	envSecretKey     = "CRUZE_SECRET_KEY"
	envAdminPassword = "CRUZE_ADMIN_PASSWORD"
	envAdminEmail    = "CRUZE_ADMIN_EMAIL"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: cruze [options] config-file
Cruze is the accounts and authentication API server for the Cruze
ride-sharing platform.

Options:
`)
	flagset.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Environment:
  %s      signing key, if not set in the config file
  %s  password for --create-admin
  %s     email for --create-admin (default: username@localhost)
`, envSecretKey, envAdminPassword, envAdminEmail)
}

func main() {
	flagset.Usage = usage
	err := flagset.Parse(os.Args[1:])
	switch {
	case errors.Is(err, pflag.ErrHelp):
		return
	case err != nil, *flog != "text" && *flog != "json":
		usage()
		os.Exit(1)
	case *fversion:
		fmt.Printf("cruze v%s\n", version)
		return
	case flagset.NArg() != 1:
		usage()
		os.Exit(1)
	}

	log.SetFlags(0)
	os.Exit(realmain())
}

func loadConfig(filename string, isYAML bool) (*cruze.APIServerConfig, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	var config cruze.APIServerConfig
	if isYAML {
		if err := yaml.Unmarshal(raw, &config); err != nil {
			return nil, fmt.Errorf("failed to decode yaml: %w", err)
		}
	} else {
		if err := json.Unmarshal(raw, &config); err != nil {
			return nil, fmt.Errorf("failed to decode json: %w", err)
		}
	}
	if config.Token.SecretKey == "" && config.Token.PrivateKey == "" {
		config.Token.SecretKey = os.Getenv(envSecretKey)
	}
	return &config, nil
}

func newLogger() zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if *flog == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	out := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05.999",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()) || *fnocolor,
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func realmain() int {
	config, err := loadConfig(flagset.Arg(0), *fyaml)
	if err != nil {
		log.Printf("cruze: %v", err)
		return 1
	}

	if *fcheck {
		return check(config)
	}

	logger := newLogger()

	if *fadmin != "" {
		return createAdmin(config, *fadmin, logger)
	}

	var cache responseCache = newMemCache()
	if *fredis != "" {
		rc, err := newRedisCache(*fredis, logger)
		if err != nil {
			log.Printf("cruze: %v", err)
			return 1
		}
		defer rc.close()
		cache = rc
	}
	rti := cruze.RuntimeInterface{
		Logger:   &logger,
		CacheSet: cache.set,
		CacheGet: cache.get,
	}
	var ms *metricsServer
	if *fmetrics != "" {
		ms = newMetricsServer(*fmetrics, logger)
		rti.ReportMetric = ms.report
		ms.start()
	}

	server, err := cruze.NewAPIServer(config, &rti)
	if err != nil {
		log.Printf("cruze: failed to create server: %v", err)
		return 1
	}
	if err := server.Start(); err != nil {
		log.Printf("cruze: failed to start server: %v", err)
		return 1
	}

	// run until ^C or SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	if err := server.Stop(time.Minute); err != nil {
		log.Printf("cruze: warning: failed to stop server: %v", err)
	}
	if ms != nil {
		if err := ms.stop(10 * time.Second); err != nil {
			log.Printf("cruze: warning: failed to stop metrics server: %v", err)
		}
	}

	return 0
}

func check(config *cruze.APIServerConfig) int {
	var w, e int
	for _, r := range config.Validate() {
		if r.Warn {
			fmt.Print("warning: ")
			w++
		} else {
			fmt.Print("error: ")
			e++
		}
		fmt.Println(r.Message)
	}
	if w > 0 || e > 0 {
		fmt.Printf("\n%s: %d error(s), %d warning(s)\n", flagset.Arg(0), e, w)
	}
	if e > 0 {
		return 2
	}
	return 0
}

var errNoAdminPassword = errors.New(envAdminPassword + " is not set")

func adminDetails(username string) (cruze.Superuser, error) {
	su := cruze.Superuser{
		Username:  username,
		Email:     os.Getenv(envAdminEmail),
		Password:  os.Getenv(envAdminPassword),
		FirstName: "Admin",
		LastName:  "User",
		DOB:       "1970-01-01",
	}
	if su.Password == "" {
		return su, errNoAdminPassword
	}
	if su.Email == "" {
		su.Email = username + "@localhost"
	}
	return su, nil
}

func createAdmin(config *cruze.APIServerConfig, username string, logger zerolog.Logger) int {
	su, err := adminDetails(username)
	if err != nil {
		log.Printf("cruze: %v", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	p, err := cruze.CreateSuperuser(ctx, config, su, logger)
	if err != nil {
		log.Printf("cruze: failed to create superuser: %v", err)
		return 1
	}
	fmt.Printf("created superuser %q (id %d)\n", p.User.Username, p.ID)
	return 0
}
