// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// torrentd is a command-line BitTorrent client built on internal/engine.
// Flag parsing follows the teacher's tools/bin command-line utilities
// (e.g. tools/bin/trackerload), which use kingpin rather than the
// stdlib flag package.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/dragonmoor/torrentd/configuration"
	"github.com/dragonmoor/torrentd/internal/engine"
	"github.com/dragonmoor/torrentd/internal/queue"
	"github.com/dragonmoor/torrentd/internal/torrent"
	"github.com/dragonmoor/torrentd/utils/log"
)

func main() {
	app := kingpin.New("torrentd", "A multi-torrent BitTorrent client engine")

	configFile := app.Flag("config", "Path to a YAML configuration file").Short('c').String()
	downloadDir := app.Flag("download-dir", "Override the configured download directory").String()

	add := app.Command("add", "Add a torrent from a magnet URI or .torrent file")
	addSource := add.Arg("source", "Magnet URI or path to a .torrent file").Required().String()
	addPaused := add.Flag("paused", "Add without starting").Bool()
	addPriority := add.Flag("priority", "Queue priority: low, normal, high").Default("normal").String()

	watch := app.Command("watch", "Add a torrent and render progress until it completes")
	watchSource := watch.Arg("source", "Magnet URI or path to a .torrent file").Required().String()

	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case add.FullCommand():
		runAdd(*configFile, *downloadDir, *addSource, *addPaused, parsePriority(*addPriority))
	case watch.FullCommand():
		runWatch(*configFile, *downloadDir, *watchSource)
	}
}

func parsePriority(s string) queue.Priority {
	switch s {
	case "low":
		return queue.PriorityLow
	case "high":
		return queue.PriorityHigh
	default:
		return queue.PriorityNormal
	}
}

func loadConfig(configFile, downloadDir string) configuration.Config {
	cfg, err := configuration.LoadOrDefault(configFile)
	if err != nil {
		log.Fatalf("load configuration: %s", err)
	}
	if downloadDir != "" {
		cfg.DownloadDir = downloadDir
	}
	return cfg
}

func sourceFromArg(arg string) engine.Source {
	if isMagnetURI(arg) {
		return engine.Source{MagnetURI: arg}
	}
	return engine.Source{TorrentPath: arg}
}

func isMagnetURI(s string) bool {
	return len(s) >= 8 && s[:8] == "magnet:?"
}

func runAdd(configFile, downloadDir, source string, paused bool, priority queue.Priority) {
	cfg := loadConfig(configFile, downloadDir)

	e, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("start engine: %s", err)
	}

	ctx := context.Background()
	h, err := e.Add(ctx, sourceFromArg(source), engine.AddOptions{
		Priority:    priority,
		StartPaused: paused,
	})
	if err != nil {
		log.Fatalf("add torrent: %s", err)
	}

	fmt.Println(colorstring.Color(fmt.Sprintf("[green]added torrent %x[reset]", h.InfoHash.Bytes())))

	if err := e.Shutdown(ctx); err != nil {
		log.Warnf("shutdown: %s", err)
	}
}

func runWatch(configFile, downloadDir, source string) {
	cfg := loadConfig(configFile, downloadDir)

	e, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("start engine: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	h, err := e.Add(ctx, sourceFromArg(source), engine.AddOptions{})
	if err != nil {
		log.Fatalf("add torrent: %s", err)
	}

	bar := newTerminalBar()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdown(e)
			return
		case ev := <-e.Events():
			if _, ok := ev.(torrent.CompletedEvent); ok {
				bar.Finish()
				fmt.Println(colorstring.Color("\n[green]download complete[reset]"))
				shutdown(e)
				return
			}
		case <-ticker.C:
			stats, err := e.Stats(h.InfoHash)
			if err != nil {
				continue
			}
			if stats.TotalLength > 0 {
				bar.ChangeMax64(stats.TotalLength)
				bar.Set64(stats.Downloaded)
			}
		}
	}
}

// newTerminalBar sizes the progress bar to the terminal width when
// stdout is a real terminal, falling back to a fixed width otherwise
// (e.g. when output is piped or redirected to a file).
func newTerminalBar() *progressbar.ProgressBar {
	width := 40
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
			width = w - 20
		}
	}
	return progressbar.NewOptions64(-1,
		progressbar.OptionSetWidth(width),
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionShowBytes(true),
	)
}

func shutdown(e *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Warnf("shutdown: %s", err)
	}
}
