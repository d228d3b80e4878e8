/*
Copyright 2021 The Everoute Authors.

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

package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/Sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ovsbridged/bridge-engine/pkg/bridge"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ovsbridged",
		Short: "run the software bridge engine against a declarative config file",
		RunE:  run,
	}

	rootCmd.PersistentFlags().String("config", "/etc/ovsbridged/bridges.yaml", "path to the bridge config file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Duration("tick", time.Second, "period between engine ticks")
	rootCmd.PersistentFlags().Bool("once", false, "reconcile once and exit instead of running the poll loop")

	rootCmd.Root().SilenceUsage = true

	return rootCmd
}

func run(cmd *cobra.Command, _ []string) error {
	configPath := cmd.Flag("config").Value.String()
	tick, err := cmd.Flags().GetDuration("tick")
	if err != nil {
		return err
	}
	once, err := cmd.Flags().GetBool("once")
	if err != nil {
		return err
	}
	if err := setLogLevel(cmd.Flag("log-level").Value.String()); err != nil {
		return err
	}

	factory := bridge.Factory{
		NewDP:      newKernelDP,
		NewNET:     newKernelNET,
		NewOFProto: newKernelOFProto,
	}
	engine := bridge.NewEngine(factory)

	if err := reconfigure(engine, configPath); err != nil {
		return err
	}
	if once {
		return nil
	}

	stopCh := make(chan struct{})
	go watchConfig(configPath, stopCh, func() {
		if err := reconfigure(engine, configPath); err != nil {
			log.Errorf("reconfigure after config change: %v", err)
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(stopCh)
	}()

	engine.RunUntil(stopCh, tick)
	return nil
}

func reconfigure(engine *bridge.Engine, configPath string) error {
	cfg, err := bridge.LoadConfig(configPath)
	if err != nil {
		return err
	}
	return engine.Reconfigure(cfg)
}

func setLogLevel(level string) error {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(parsed)
	return nil
}

// watchConfig re-fires onChange whenever the config file is written or
// replaced, and keeps watching after an editor's rename-over-write
// briefly removes the watch target.
func watchConfig(path string, stopCh <-chan struct{}, onChange func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Fatalf("failed to watch config file: %v", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		log.Fatalf("failed to add config file to watcher: %v", err)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				onChange()
			}
			if event.Op&fsnotify.Remove != 0 {
				if err := watcher.Add(path); err != nil {
					log.Warnf("re-adding watch for %q: %v", path, err)
				} else {
					onChange()
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("config file watcher error: %v", err)
		case <-stopCh:
			return
		}
	}
}
