package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap/log"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/slogdb/slog/broker"
	"github.com/slogdb/slog/config"
	"github.com/slogdb/slog/metrics"
	"github.com/slogdb/slog/node"
	"github.com/slogdb/slog/storage/engine"
	"github.com/slogdb/slog/storage/mem"
	"github.com/slogdb/slog/txn"
)

var (
	configPath = flag.String("config", "", "config file path")
	replica    = flag.Uint32("replica", 0, "replica id of this machine")
	partition  = flag.Uint32("partition", 0, "partition id of this machine")
	dataDir    = flag.String("data-dir", "", "store records on disk under this directory instead of in memory")
	logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
)

func main() {
	flag.Parse()

	logConf := &log.Config{Level: *logLevel}
	logger, props, err := log.InitLogger(logConf)
	if err != nil {
		log.Fatal("initializing logger", zap.Error(err))
	}
	log.ReplaceGlobals(logger, props)

	if *configPath == "" {
		log.Fatal("missing --config")
	}
	local := txn.MachineID{Replica: *replica, Partition: *partition}
	conf, err := config.FromFile(*configPath, local)
	if err != nil {
		log.Fatal("loading config", zap.Error(err))
	}
	log.Info("configuration loaded",
		zap.Stringer("machine", local),
		zap.Uint32("replicas", conf.NumReplicas),
		zap.Uint32("partitions", conf.NumPartitions))

	var store node.Storage
	if *dataDir != "" {
		eng, err := engine.Open(*dataDir)
		if err != nil {
			log.Fatal("opening storage engine", zap.Error(err))
		}
		defer eng.Close()
		store = eng
	} else {
		store = mem.NewStore()
	}

	b := broker.New(conf, nil)
	transport, err := broker.NewTCPTransport(conf, b.Deliver)
	if err != nil {
		log.Fatal("starting transport", zap.Error(err))
	}
	b.SetTransport(transport)

	if conf.AdminPort != 0 {
		metrics.ServeAdmin(conf.AdminPort)
	}

	n := node.New(conf, b, store)
	n.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	n.Stop()
}
