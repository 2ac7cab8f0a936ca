package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"dinolock/pkg/audit"
	"dinolock/pkg/concurrency"
	"dinolock/pkg/config"
	"dinolock/pkg/repl"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

// Listens for SIGINT or SIGTERM, closes the audit trail and exits.
func setupCloseHandler(log logrus.FieldLogger, trail *audit.Log) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		log.Info("closehandler invoked")
		if err := trail.Close(); err != nil {
			log.WithError(err).Error("closing audit log")
		}
		os.Exit(0)
	}()
}

// Start listening for connections at port `port`.
func startServer(log logrus.FieldLogger, r *repl.REPL, tm *concurrency.TransactionManager, prompt string, port int) {
	// Handle a connection by running the repl on it. A client hanging up
	// cancels any lock wait it is blocked in; locks still held when the
	// client leaves are released by aborting its transaction.
	handleConn := func(c net.Conn) {
		clientId := uuid.New()
		ctx, input, cancel := repl.WatchInput(context.Background(), c)
		defer c.Close()
		defer cancel()
		defer abortAbandoned(log, tm, clientId)
		r.Run(ctx, clientId, prompt, input, c)
	}
	// Start listening for new connections.
	listener, err := net.Listen("tcp", fmt.Sprintf(":%v", port))
	if err != nil {
		log.WithError(err).Fatal("listen")
	}
	log.Infof("%v server started listening on localhost:%v", config.DBName,
		listener.Addr().(*net.TCPAddr).Port)
	// Handle each connection.
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.WithError(err).Warn("accept")
			continue
		}
		go handleConn(conn)
	}
}

// Abort the client's transaction if it is still running.
func abortAbandoned(log logrus.FieldLogger, tm *concurrency.TransactionManager, clientId uuid.UUID) {
	if _, found := tm.GetTransaction(clientId); !found {
		return
	}
	if err := tm.Abort(clientId); err != nil {
		log.WithError(err).WithField("client", clientId).Warn("aborting abandoned transaction")
	}
}

// Serve the prometheus registry on `addr`.
func startMetrics(log logrus.FieldLogger, reg *prometheus.Registry, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
}

// Start the lock server.
func main() {
	// Set up flags.
	var promptFlag = flag.BoolP("prompt", "c", true, "use prompt?")
	var localFlag = flag.Bool("local", false, "run a single REPL on stdin instead of serving clients")
	var configFlag = flag.String("config", "", "YAML config file")
	var portFlag = flag.IntP("port", "p", config.DefaultPort, "port number")
	var metricsFlag = flag.String("metrics-addr", config.MetricsAddr, "address to serve /metrics on; empty to disable")
	var timeoutFlag = flag.Duration("lock-wait-timeout", config.LockWaitTimeout, "how long a lock request may wait; 0 waits forever")
	var auditFlag = flag.String("audit-log", config.AuditLogFileName, "lock audit trail file")
	var levelFlag = flag.String("log-level", config.LogLevel, "log level")
	flag.Parse()

	cfg := config.Default()
	if *configFlag != "" {
		var err error
		if cfg, err = config.Load(*configFlag); err != nil {
			fmt.Println(err)
			return
		}
	}
	// Flags given on the command line win over the config file.
	if flag.CommandLine.Changed("port") {
		cfg.Port = *portFlag
	}
	if flag.CommandLine.Changed("metrics-addr") {
		cfg.MetricsAddr = *metricsFlag
	}
	if flag.CommandLine.Changed("lock-wait-timeout") {
		cfg.LockWaitTimeout = *timeoutFlag
	}
	if flag.CommandLine.Changed("audit-log") {
		cfg.AuditLog = *auditFlag
	}
	if flag.CommandLine.Changed("log-level") {
		cfg.LogLevel = *levelFlag
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Println(err)
		return
	}
	log.SetLevel(level)

	// Set up the audit trail.
	trail, err := audit.Open(cfg.AuditLog)
	if err != nil {
		log.WithError(err).Fatal("opening audit log")
	}
	defer trail.Close()
	setupCloseHandler(log, trail)

	reg := prometheus.NewRegistry()
	lm := concurrency.NewLockManager(
		concurrency.WithWaitTimeout(cfg.LockWaitTimeout),
		concurrency.WithEventSink(trail),
		concurrency.WithMetrics(concurrency.NewMetrics(reg)),
		concurrency.WithLogger(log),
	)
	tm := concurrency.NewTransactionManager(lm)
	for _, path := range cfg.DisableChildLocks {
		name, err := concurrency.ParseResourceName(path)
		if err != nil {
			log.WithError(err).Fatal("disable_child_locks")
		}
		tm.DisableChildLocks(name)
	}

	// Combine the REPLs.
	txnRepl, err := concurrency.TransactionREPL(tm)
	if err != nil {
		log.WithError(err).Fatal("transaction repl")
	}
	auditRepl, err := audit.AuditREPL(trail, cfg.ArchiveDir)
	if err != nil {
		log.WithError(err).Fatal("audit repl")
	}
	r, err := repl.CombineRepls([]*repl.REPL{txnRepl, auditRepl})
	if err != nil {
		fmt.Println(err)
		return
	}

	prompt := config.GetPrompt(*promptFlag)
	if *localFlag {
		clientId := uuid.New()
		r.Run(context.Background(), clientId, prompt, nil, nil)
		abortAbandoned(log, tm, clientId)
		return
	}
	if cfg.MetricsAddr != "" {
		startMetrics(log, reg, cfg.MetricsAddr)
	}
	startServer(log, r, tm, prompt, cfg.Port)
}
