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

// Package config holds the parsed runtime configuration every other
// package is built from. Flag/file parsing is a collaborator's job; this
// package only models the parsed result and its defaults.
package config

import (
	"time"

	"github.com/bucore/fullnode/netmsg"
)

// Config is the full set of tunables the core reads at startup.
type Config struct {
	ListenAddr string
	Magic      netmsg.Magic

	ExcessiveBlockSize       uint64
	MaxMessageSizeMultiplier uint64

	BlkReqRetryInterval time.Duration
	TxReqRetryInterval  time.Duration

	PreferentialRelayBase time.Duration
	BlockDownloadWindow   int

	MaxOutConnections    int
	MaxConnections       int
	MaxFeelerConnections int
	FeelerInterval       time.Duration

	MinXthinNodes int

	NScriptCheckQueues int
	MaxScriptCheckThreads int

	UseThinBlocks    bool
	UseGrapheneBlocks bool
	UseCompactBlocks bool

	MaxThinTypeBlocksInFlight int

	ReceiveShaperMaxBurst float64
	ReceiveShaperAvgRate  float64
	SendShaperMaxBurst    float64
	SendShaperAvgRate     float64

	InactivityTimeout time.Duration
	VerackTimeout     time.Duration
}

// DefaultConfig mirrors the constant defaults scattered across
// globals.cpp/net.h for a mainnet-shaped node.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:               "0.0.0.0:8333",
		Magic:                    netmsg.Magic{0xE3, 0xE1, 0xF3, 0xE8},
		ExcessiveBlockSize:       32 * 1000 * 1000,
		MaxMessageSizeMultiplier: 10,

		BlkReqRetryInterval: 5 * time.Second,
		TxReqRetryInterval:  5 * time.Second,

		PreferentialRelayBase: time.Second,
		BlockDownloadWindow:   1024,

		MaxOutConnections:    8,
		MaxConnections:       125,
		MaxFeelerConnections: 1,
		FeelerInterval:       120 * time.Second,

		MinXthinNodes: 4,

		NScriptCheckQueues:    4,
		MaxScriptCheckThreads: 16,

		UseThinBlocks:     true,
		UseGrapheneBlocks: true,
		UseCompactBlocks:  true,

		MaxThinTypeBlocksInFlight: 6,

		ReceiveShaperMaxBurst: 10 * 1000 * 1000,
		ReceiveShaperAvgRate:  1 * 1000 * 1000,
		SendShaperMaxBurst:    10 * 1000 * 1000,
		SendShaperAvgRate:     1 * 1000 * 1000,

		InactivityTimeout: 20 * time.Minute,
		VerackTimeout:     60 * time.Second,
	}
}
