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

// tsio-keygen mints an API key directly against the database, for
// bootstrapping the first credentials before the admin HTTP surface is
// reachable. The raw key is printed exactly once; only its hash is stored.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tsio/tsio/pkg/auth"
	"github.com/tsio/tsio/pkg/config"
	"github.com/tsio/tsio/pkg/interrupts"
	"github.com/tsio/tsio/pkg/logrusutil"
	"github.com/tsio/tsio/pkg/store"
)

type options struct {
	name      string
	role      string
	expiresIn time.Duration
}

func gatherOptions(fs *flag.FlagSet, args ...string) options {
	o := options{}
	fs.StringVar(&o.name, "name", "", "display name of the key (required)")
	fs.StringVar(&o.role, "role", string(store.RoleContributor), "role the key grants: viewer, contributor or admin")
	fs.DurationVar(&o.expiresIn, "expires-in", 0, "key lifetime, e.g. 720h; 0 never expires")
	fs.Parse(args)
	return o
}

func (o *options) Validate() error {
	if o.name == "" {
		return fmt.Errorf("--name is required")
	}
	if _, err := store.ParseRole(o.role); err != nil {
		return err
	}
	if o.expiresIn < 0 {
		return fmt.Errorf("--expires-in must not be negative")
	}
	return nil
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

	s, err := store.New(store.Options{
		URL:            cfg.Database.URL,
		MaxConnections: 1,
		MinConnections: 1,
		ConnectTimeout: cfg.Database.ConnectTimeout(),
	})
	if err != nil {
		logrus.WithError(err).Fatal("Could not connect to the database.")
	}
	ctx := interrupts.Context()
	if err := s.Migrate(ctx); err != nil {
		logrus.WithError(err).Fatal("Could not migrate the database schema.")
	}

	role, _ := store.ParseRole(o.role)
	generated, err := auth.GenerateAPIKey()
	if err != nil {
		logrus.WithError(err).Fatal("Could not generate a key.")
	}
	key := &store.ApiKey{
		KeyHash:   generated.Hash,
		KeyPrefix: generated.Prefix,
		Name:      o.name,
		Role:      role,
	}
	if o.expiresIn > 0 {
		expiry := time.Now().UTC().Add(o.expiresIn)
		key.ExpiresAt = &expiry
	}
	if err := s.CreateApiKey(ctx, key); err != nil {
		logrus.WithError(err).Fatal("Could not store the key.")
	}

	fmt.Printf("id:     %s\n", key.ID)
	fmt.Printf("name:   %s\n", key.Name)
	fmt.Printf("role:   %s\n", key.Role)
	if key.ExpiresAt != nil {
		fmt.Printf("expiry: %s\n", key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("key:    %s\n", generated.Raw)
	fmt.Println()
	fmt.Println("Store the key now; it cannot be recovered later.")
}
