// Copyright 2024 The bucore Authors
// This file is part of bucore.
//
// bucore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// bucore is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with bucore. If not, see <http://www.gnu.org/licenses/>.

// Command fullnoded wires the engine's packages into a running process.
// CLI flag parsing is out of scope for this project (config is a parsed
// result, not a parser), so the only flag here is the listen address;
// everything else is config.DefaultConfig().
package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/bucore/fullnode/bulog"
	"github.com/bucore/fullnode/config"
	"github.com/bucore/fullnode/node"
)

func main() {
	listenAddr := flag.String("listen", "", "override the default listen address")
	flag.Parse()

	bulog.SetLevel(bulog.LvlInfo)
	log := bulog.New("module", "main")

	cfg := config.DefaultConfig()
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	collab := node.NewStubCollaborators()
	localNonce := rand.Uint64()
	n := node.New(cfg, collab, localNonce)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("starting", "listen", cfg.ListenAddr)
	if err := n.Serve(ctx); err != nil {
		log.Crit("serve failed", "err", err)
		os.Exit(1)
	}
	log.Info("stopped")
}
