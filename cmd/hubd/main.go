/*
 * Copyright 2025 Fleetglass Authors.
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
	"flag"
	"log"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/fleetglass/fleetglass/pkg/auth"
	"github.com/fleetglass/fleetglass/pkg/config"
	"github.com/fleetglass/fleetglass/pkg/hub"
	"github.com/fleetglass/fleetglass/pkg/logger"
	"github.com/fleetglass/fleetglass/pkg/models"
	"github.com/fleetglass/fleetglass/pkg/source"
	"github.com/fleetglass/fleetglass/pkg/store"
	"github.com/fleetglass/fleetglass/pkg/ws"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/fleetglass/hubd.json", "Path to hubd config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg models.HubConfig
	if err := config.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return err
	}

	logg, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}

	pool, err := store.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}

	if pool != nil {
		defer pool.Close()
	}

	var records store.RecordStore
	if pool != nil {
		records = store.NewPostgresStore(pool)
	}

	var authorizer auth.Authorizer
	if len(cfg.Auth.StaticGrants) > 0 {
		authorizer = auth.NewStaticAuthorizer(cfg.Auth.StaticGrants)
	} else {
		authorizer = auth.NewPostgresAuthorizer(pool)
	}

	var feed source.Source
	if cfg.NATS != nil {
		feed, err = source.NewNATSSource(cfg.NATS, logg)
		if err != nil {
			return err
		}
	} else {
		feed = source.NewKafkaSource(cfg.Kafka, logg)
	}

	distrib := hub.New(cfg, feed, records, authorizer, logg)
	server := ws.NewServer(cfg, distrib, auth.NewJWTVerifier(cfg.Auth.JWTSecret), logg)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return feed.Run(ctx) })
	g.Go(func() error { return distrib.Run(ctx) })
	g.Go(func() error { return server.Serve(ctx) })

	return g.Wait()
}
