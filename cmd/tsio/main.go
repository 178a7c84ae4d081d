/*
Copyright 2025 The tsio Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// tsio is the ingestion and query service for end-to-end test reports:
// CI shards register reports, upload HTML, screenshot and JSON artifacts,
// and the extracted suites and cases are queryable over the same API.
package main

import (
	"flag"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/tsio/tsio/pkg/auth"
	"github.com/tsio/tsio/pkg/auth/githuboauth"
	"github.com/tsio/tsio/pkg/auth/oidc"
	"github.com/tsio/tsio/pkg/auth/policy"
	"github.com/tsio/tsio/pkg/config"
	"github.com/tsio/tsio/pkg/eventbus"
	"github.com/tsio/tsio/pkg/flagutil"
	"github.com/tsio/tsio/pkg/health"
	"github.com/tsio/tsio/pkg/ingest"
	"github.com/tsio/tsio/pkg/interrupts"
	"github.com/tsio/tsio/pkg/logrusutil"
	"github.com/tsio/tsio/pkg/metrics"
	"github.com/tsio/tsio/pkg/objstore"
	"github.com/tsio/tsio/pkg/pprof"
	"github.com/tsio/tsio/pkg/secretutil"
	"github.com/tsio/tsio/pkg/server"
	"github.com/tsio/tsio/pkg/store"
	"github.com/tsio/tsio/pkg/upload"
)

type options struct {
	instrumentationOptions flagutil.InstrumentationOptions
	gracePeriod            time.Duration
}

func gatherOptions(fs *flag.FlagSet, args ...string) options {
	o := options{}
	fs.DurationVar(&o.gracePeriod, "grace-period", 10*time.Second, "time to wait for active requests on shutdown")
	o.instrumentationOptions.AddFlags(fs)
	fs.Parse(args)
	return o
}

func (o *options) Validate() error {
	return o.instrumentationOptions.Validate(false)
}

func main() {
	logrusutil.ComponentInit()
	o := gatherOptions(flag.NewFlagSet(os.Args[0], flag.ExitOnError), os.Args[1:]...)
	if err := o.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid options")
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Could not load configuration.")
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("Configuration is invalid.")
	}

	// Everything secret in the configuration is censored out of the logs.
	censorer := secretutil.NewCensorer()
	censorer.Refresh(cfg.Secrets()...)
	logrus.SetFormatter(logrusutil.NewFormatterWithCensor(logrus.StandardLogger().Formatter, censorer))

	defer interrupts.WaitForGracefulShutdown()
	pprof.Instrument(o.instrumentationOptions)
	metrics.ExposeMetrics("tsio", o.instrumentationOptions.MetricsPort)

	s, err := store.New(store.Options{
		URL:            cfg.Database.URL,
		MaxConnections: cfg.DBMaxConnections(),
		MinConnections: cfg.DBMinConnections(),
		ConnectTimeout: cfg.Database.ConnectTimeout(),
		IdleTimeout:    cfg.Database.IdleTimeout(),
		MaxLifetime:    cfg.Database.MaxLifetime(),
	})
	if err != nil {
		logrus.WithError(err).Fatal("Could not connect to the database.")
	}
	if err := s.Migrate(interrupts.Context()); err != nil {
		logrus.WithError(err).Fatal("Could not migrate the database schema.")
	}

	objects, err := objstore.New(objstore.Options{
		Endpoint:  cfg.Storage.Endpoint,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Could not build the object store client.")
	}
	if err := objects.EnsureBucket(interrupts.Context()); err != nil {
		logrus.WithError(err).Fatal("Could not ensure the artifact bucket exists.")
	}

	bus := eventbus.NewBus(eventbus.DefaultCapacity)
	interrupts.OnInterrupt(bus.Close)

	policies := policy.NewEngine(s, cfg.GithubOIDC.AllowedRepos)
	var oidcVerifier *oidc.Verifier
	if cfg.GithubOIDC.Enabled {
		oidcVerifier = oidc.NewVerifier(cfg.GithubOIDC.Issuer, cfg.GithubOIDC.Audience)
	}
	var adminKey *secretutil.Secret
	if cfg.Auth.AdminKey != "" {
		adminKey = secretutil.NewSecretFromString(cfg.Auth.AdminKey)
	}
	sessionSecret := secretutil.NewSecretFromString(cfg.GithubOAuth.SessionSecret)
	verifier := auth.NewVerifier(auth.Options{
		AdminKey:      adminKey,
		Store:         s,
		OIDCVerifier:  oidcVerifier,
		Policies:      policies,
		SessionSecret: sessionSecret,
	})

	var oauth *githuboauth.Agent
	if cfg.GithubOAuth.Enabled {
		oauth = githuboauth.NewAgent(s, githuboauth.Options{
			ClientID:        cfg.GithubOAuth.ClientID,
			ClientSecret:    cfg.GithubOAuth.ClientSecret,
			RedirectURL:     cfg.GithubOAuth.RedirectURL,
			AllowedOrgs:     cfg.GithubOAuth.AllowedOrgs,
			SessionSecret:   sessionSecret,
			AccessTokenTTL:  cfg.GithubOAuth.AccessTokenTTL(),
			RefreshTokenTTL: cfg.GithubOAuth.RefreshTokenTTL(),
			SecureCookies:   cfg.Environment == config.Production,
		})
		// Dead refresh tokens accumulate with every login; purge them
		// hourly.
		interrupts.TickLiteral(func() {
			purged, err := s.PurgeExpiredRefreshTokens(interrupts.Context(), time.Now())
			if err != nil {
				logrus.WithError(err).Warn("Could not purge expired refresh tokens.")
				return
			}
			if purged > 0 {
				logrus.WithField("purged", purged).Debug("Purged expired refresh tokens.")
			}
		}, time.Hour)
	}

	uploads := upload.NewCoordinator(s, objects, bus)
	orchestrator := ingest.NewOrchestrator(s, objects, bus, cfg.WorkerCount())

	staticDir := cfg.Server.StaticDir
	if !cfg.Features.HTMLViewEnabled {
		staticDir = ""
	}
	srv := server.New(server.Options{
		Store:           s,
		Objects:         objects,
		Bus:             bus,
		Verifier:        verifier,
		Uploads:         uploads,
		Ingest:          orchestrator,
		Policies:        policies,
		OAuth:           oauth,
		StaticDir:       staticDir,
		SearchMinLength: cfg.Features.SearchMinLength,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	})

	healthz := health.NewHealthOnPort(o.instrumentationOptions.HealthPort)
	healthz.ServeReady(func() bool {
		return s.Ready(interrupts.Context())
	})

	httpServer := &limitedServer{
		Server: &http.Server{
			Addr:              cfg.Server.Address(),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.Features.UploadTimeout(),
			MaxHeaderBytes:    1 << 20,
		},
		maxConnections: cfg.Server.MaxConnections,
	}
	// backlog and max-connection-rate shape deployments of the original
	// service; Go's listener exposes no such tuning, so they are surfaced
	// for the operator and otherwise ignored.
	logrus.WithFields(logrus.Fields{
		"backlog":             cfg.Server.Backlog,
		"max-connection-rate": cfg.Server.MaxConnectionRate,
	}).Debug("Listener tuning hints are not applied.")
	logrus.WithFields(logrus.Fields{
		"address":     cfg.Server.Address(),
		"environment": cfg.Environment,
	}).Info("tsio is serving.")
	interrupts.ListenAndServe(httpServer, o.gracePeriod)
}

// limitedServer caps concurrent connections at the listener.
type limitedServer struct {
	*http.Server
	maxConnections int
}

func (s *limitedServer) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	if s.maxConnections > 0 {
		listener = netutil.LimitListener(listener, s.maxConnections)
	}
	return s.Serve(listener)
}
