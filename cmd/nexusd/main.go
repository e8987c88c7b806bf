// Copyright 2024 The Nexus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command nexusd is the cluster coordination daemon: it stands up the KV
// Store, the Raft-backed state machine, the Distro gossip engine, the
// Config/Naming/Auth subsystems, and the Connection Plane's gRPC server.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"

	"github.com/nexuscluster/nexus/api/nexuspb"
	"github.com/nexuscluster/nexus/pkg/auth"
	"github.com/nexuscluster/nexus/pkg/clock"
	"github.com/nexuscluster/nexus/pkg/config"
	"github.com/nexuscluster/nexus/pkg/connection"
	"github.com/nexuscluster/nexus/pkg/dispatcher"
	"github.com/nexuscluster/nexus/pkg/distro"
	"github.com/nexuscluster/nexus/pkg/lock"
	"github.com/nexuscluster/nexus/pkg/naming"
	"github.com/nexuscluster/nexus/pkg/raftcore"
	"github.com/nexuscluster/nexus/pkg/statemachine"
	"github.com/nexuscluster/nexus/pkg/store"
)

var (
	grpcPort           = flag.Int("grpc-port", 8848, "The tcp port of the Connection Plane gRPC server.")
	metricsPort        = flag.Int("metrics-port", 9848, "The tcp port serving /metrics.")
	advertiseAddr      = flag.String("advertise-addr", "127.0.0.1:8898", "This node's Raft-advertised host:port.")
	dataDir            = flag.String("data-dir", "./data", "Directory for the bbolt KV store and Raft log/snapshot files.")
	bootstrap          = flag.Bool("bootstrap", false, "Bootstrap a new single-node Raft cluster.")
	localPeers         = flag.String("local-peers", "", "Comma-separated advertise-addr list of every same-datacenter peer, including self.")
	crossDCPeers       = flag.String("cross-dc-peers", "", "Comma-separated advertise-addr list of every other-datacenter peer.")
	expirySchedule     = flag.String("expiry-schedule", "@every 5s", "Cron spec driving the ephemeral-instance heartbeat expiry sweep.")
	lockExpirySchedule = flag.String("lock-expiry-schedule", "@every 5s", "Cron spec driving the Lock TTL expiry sweep.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	kv, err := store.Open(fmt.Sprintf("%s/nexus.bolt", strings.TrimRight(*dataDir, "/")))
	if err != nil {
		klog.ErrorS(err, "nexusd failed to open KV store")
		os.Exit(1)
	}
	defer kv.Close()

	fsm := statemachine.New(kv)
	node, err := raftcore.New(raftcore.Config{
		AdvertiseAddr: *advertiseAddr,
		DataDir:       *dataDir,
		Bootstrap:     *bootstrap,
		WriteTimeout:  raftcore.DefaultWriteTimeout,
	}, fsm)
	if err != nil {
		klog.ErrorS(err, "nexusd failed to start raft node")
		os.Exit(1)
	}
	node.SetForwarder(raftcore.NewGRPCForwarder())

	dc := distro.NewStaticDatacenterManager(*advertiseAddr, splitNonEmpty(*localPeers), splitNonEmpty(*crossDCPeers))
	sysClock := clock.SystemClock{}

	registry := connection.NewRegistry()
	d := dispatcher.New()

	namingMgr := naming.NewManager(node, kv, sysClock, registry, nil)
	distroEngine := distro.NewEngine(distro.DefaultConfig(), sysClock, distro.NewGRPCTransport(), dc, namingMgr)
	namingMgr.SetDistroPublisher(distroEngine)
	distroEngine.Start()
	defer distroEngine.Stop()

	configMgr := config.NewManager(node, kv, sysClock, registry)
	authMgr := auth.NewManager(node, kv)
	lockMgr := lock.NewManager(node, kv, sysClock)

	registerHandlers(d, configMgr, namingMgr, authMgr, lockMgr, registry)
	distro.RegisterHandlers(d, distroEngine)
	raftcore.RegisterHandlers(d, node)

	connServer := connection.NewServer(registry, d, authMgr)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *grpcPort))
	if err != nil {
		klog.ErrorS(err, "nexusd failed to listen")
		os.Exit(1)
	}

	grpcSrv := grpc.NewServer()
	nexuspb.RegisterRequestServer(grpcSrv, connServer)

	hostname, err := os.Hostname()
	if err != nil {
		klog.ErrorS(err, "nexusd failed to get a hostname")
		os.Exit(1)
	}

	schedule, err := cron.ParseStandard(*expirySchedule)
	if err != nil {
		klog.ErrorS(err, "nexusd failed to parse expiry-schedule", "schedule", *expirySchedule)
		os.Exit(1)
	}
	go expiryLoop(namingMgr, schedule)

	lockSchedule, err := cron.ParseStandard(*lockExpirySchedule)
	if err != nil {
		klog.ErrorS(err, "nexusd failed to parse lock-expiry-schedule", "schedule", *lockExpirySchedule)
		os.Exit(1)
	}
	go lockExpiryLoop(lockMgr, lockSchedule)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", *metricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			klog.ErrorS(err, "nexusd metrics server exited")
		}
	}()

	klog.InfoS("Starting nexusd", "hostname", hostname, "port", *grpcPort, "advertiseAddr", *advertiseAddr, "bootstrap", *bootstrap)
	if err := grpcSrv.Serve(lis); err != nil {
		klog.ErrorS(err, "nexusd failed to start")
		os.Exit(1)
	}
}

// expiryLoop drives the heartbeat expiry sweep off a parsed cron.Schedule
// rather than a bare ticker, so the cadence can be a full cron expression
// (not just a fixed interval) if an operator wants e.g. a quiet window.
func expiryLoop(namingMgr *naming.Manager, schedule cron.Schedule) {
	next := schedule.Next(time.Now())
	for {
		timer := time.NewTimer(time.Until(next))
		<-timer.C
		namingMgr.ExpireEphemeral()
		next = schedule.Next(next)
	}
}

// lockExpiryLoop drives the Lock TTL sweep off a parsed cron.Schedule, the
// same pattern as expiryLoop for ephemeral instances.
func lockExpiryLoop(lockMgr *lock.Manager, schedule cron.Schedule) {
	next := schedule.Next(time.Now())
	for {
		timer := time.NewTimer(time.Until(next))
		<-timer.C
		lockMgr.ExpireLocks()
		next = schedule.Next(next)
	}
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(csv, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
