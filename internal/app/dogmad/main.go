// Copyright 2025 LINE Corporation
//
// LINE Corporation licenses this file to you under the Apache License,
// version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at:
//
//   https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

// dogmad is the Central Dogma server daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	dogma "go.linecorp.com/centraldogma-server"
	"go.linecorp.com/centraldogma-server/internal/command"
	"go.linecorp.com/centraldogma-server/internal/encryption"
	"go.linecorp.com/centraldogma-server/internal/mirror"
	"go.linecorp.com/centraldogma-server/internal/server"
	"go.linecorp.com/centraldogma-server/internal/storage"
	"go.linecorp.com/centraldogma-server/internal/watch"
)

var log = logrus.New()

var configFlag = cli.StringFlag{
	Name:  "config, c",
	Usage: "Specifies the path of the server configuration file",
}

var addrFlag = cli.StringFlag{
	Name:  "addr",
	Usage: "Specifies the address to listen on",
}

var dataDirFlag = cli.StringFlag{
	Name:  "data-dir, d",
	Usage: "Specifies the data root directory",
}

var newKekFlag = cli.StringFlag{
	Name:  "new-kek-id",
	Usage: "Specifies the KEK to rewrap every stored key under",
}

func main() {
	app := cli.NewApp()
	app.Name = "dogmad"
	app.Usage = "Central Dogma server daemon"
	app.Flags = []cli.Flag{configFlag, addrFlag, dataDirFlag}
	app.Action = run
	app.Commands = []cli.Command{
		{
			Name:   "rotate-kek",
			Usage:  "Rewraps every stored key under a new key encryption key",
			Flags:  []cli.Flag{configFlag, newKekFlag},
			Action: rotateKEK,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Addr = addr
	}
	if dir := c.String("data-dir"); dir != "" {
		cfg.DataDir = dir
	}

	collector, err := newCollector(cfg)
	if err != nil {
		return err
	}

	var (
		provider *encryption.Provider
		sessions *encryption.SessionKeyStore
		ciphers  storage.CipherProvider
	)
	if cfg.Encryption.Enabled {
		keys, err := cfg.kekKeys()
		if err != nil {
			return err
		}
		wrapper, err := encryption.NewStaticKeyWrapper(cfg.Encryption.CurrentKekID, keys)
		if err != nil {
			return err
		}
		provider = encryption.NewProvider(wrapper)
		ciphers = provider

		sessionDir := cfg.Encryption.SessionKeyDir
		if sessionDir == "" {
			sessionDir = filepath.Join(cfg.DataDir, "_keys", "session")
		}
		sessions, err = encryption.NewSessionKeyStore(sessionDir, wrapper)
		if err != nil {
			return err
		}
	}

	store, err := storage.NewProjectManager(filepath.Join(cfg.DataDir, "projects"), ciphers)
	if err != nil {
		return err
	}

	var keys command.KeyFactory
	if provider != nil {
		keys = provider
	}
	executor := command.NewExecutor(store, keys, command.NewMemoryLog())
	if err := executor.Start(command.Status{Writable: true, Replicating: true}); err != nil {
		return err
	}

	ensureSystemProject(store, executor)

	maxTimeout := time.Duration(cfg.Watch.MaxTimeoutSeconds) * time.Second
	watcher := watch.NewEngine(store, maxTimeout, collector)

	mirrors := mirror.NewService(store, executor)
	access := mirror.NewAccessController(store, executor)
	var zone *mirror.ZoneConfig
	if cfg.Zone != nil {
		zone = &mirror.ZoneConfig{Current: cfg.Zone.Current, All: cfg.Zone.All}
	}
	scheduler := mirror.NewScheduler(mirror.SchedulerConfig{
		Service:     mirrors,
		Store:       store,
		Executor:    executor,
		Access:      access,
		Zone:        zone,
		Workers:     cfg.Mirror.Workers,
		MaxNumFiles: cfg.Mirror.MaxNumFiles,
		MaxNumBytes: cfg.Mirror.MaxNumBytes,
		Collector:   collector,
	})
	scheduler.Start()

	srv := server.New(server.Config{
		Addr:      cfg.Addr,
		Store:     store,
		Executor:  executor,
		Watch:     watcher,
		Mirrors:   mirrors,
		Scheduler: scheduler,
		Access:    access,
		Sessions:  sessions,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Infof("received %v; shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("server shutdown: %v", err)
	}
	scheduler.Stop()
	executor.Stop()
	store.Close()
	return nil
}

// ensureSystemProject creates the project hosting server-wide configuration
// such as the mirror access-control rules.
func ensureSystemProject(store *storage.ProjectManager, executor *command.Executor) {
	if _, err := store.MetaRepository(mirror.SystemProject); err == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := executor.Execute(ctx,
		command.NewCreateProject(dogma.SystemAuthor, mirror.SystemProject)); err != nil {
		log.Warnf("failed to create the system project: %v", err)
	}
}

// rotateKEK rewraps the repository WDEKs and the session master keys under a
// new KEK. The DEKs themselves are unchanged, so no repository data is
// rewritten. Run this offline while the server is down.
func rotateKEK(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if !cfg.Encryption.Enabled {
		return fmt.Errorf("encryption is not enabled")
	}
	newKekID := c.String("new-kek-id")
	if newKekID == "" {
		return fmt.Errorf("--new-kek-id is required")
	}

	keys, err := cfg.kekKeys()
	if err != nil {
		return err
	}
	wrapper, err := encryption.NewStaticKeyWrapper(cfg.Encryption.CurrentKekID, keys)
	if err != nil {
		return err
	}
	provider := encryption.NewProvider(wrapper)

	store, err := storage.NewProjectManager(filepath.Join(cfg.DataDir, "projects"), provider)
	if err != nil {
		return err
	}
	defer store.Close()

	var refs []encryption.WrappedKeyRef
	for key, record := range store.WDEKRecords() {
		key := key
		project, repo, ok := splitRepoKey(key)
		if !ok {
			continue
		}
		refs = append(refs, encryption.WrappedKeyRef{
			Name:   key,
			Record: record,
			Update: func(updated []byte) error {
				return store.UpdateWDEK(project, repo, updated)
			},
		})
	}

	sessionDir := cfg.Encryption.SessionKeyDir
	if sessionDir == "" {
		sessionDir = filepath.Join(cfg.DataDir, "_keys", "session")
	}
	sessions, err := encryption.NewSessionKeyStore(sessionDir, wrapper)
	if err != nil {
		return err
	}
	sessionRefs, err := sessions.KeyRefs()
	if err != nil {
		return err
	}
	refs = append(refs, sessionRefs...)

	if err := provider.RotateKEK(newKekID, refs); err != nil {
		return err
	}
	log.Infof("rewrapped %d keys under %v", len(refs), newKekID)
	return nil
}

func splitRepoKey(key string) (project, repo string, ok bool) {
	idx := strings.IndexByte(key, '/')
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

func newCollector(cfg *config) (*metrics.Metrics, error) {
	mc := dogma.DefaultMetricCollectorConfig("centraldogma")
	switch cfg.Metrics.Sink {
	case "", "prometheus":
		return dogma.GlobalPrometheusMetricCollector(mc)
	case "statsd":
		return dogma.StatsdMetricCollector(mc, cfg.Metrics.Addr)
	case "inmem":
		return dogma.InmemMetricCollector(mc)
	}
	return nil, fmt.Errorf("unknown metrics sink %q", cfg.Metrics.Sink)
}
