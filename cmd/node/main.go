package main

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"overlayplane/internal/alias"
	"overlayplane/internal/config"
	"overlayplane/internal/discovery"
	"overlayplane/internal/domain"
	"overlayplane/internal/kv"
	"overlayplane/internal/logger"
	zapfactory "overlayplane/internal/logger/zap"
	"overlayplane/internal/plane"
	"overlayplane/internal/pubsub"
	"overlayplane/internal/registry"
	"overlayplane/internal/router"
	"overlayplane/internal/routersync"
	"overlayplane/internal/telemetry"
	"overlayplane/internal/transport"

	"github.com/peterh/liner"
)

var defaultConfigPath = "config/node/config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to configuration file")
	admin := flag.Bool("admin", false, "start the interactive admin console on stdin")
	logMode := flag.String("log-mode", "", "override logger.mode (stdout|file)")
	logFile := flag.String("log-file", "", "override logger.file.path")
	logLevel := flag.String("log-level", "", "override logger.level (debug|info|warn|error)")
	trace := flag.Bool("trace", false, "enable tracing regardless of config")
	traceExporter := flag.String("trace-exporter", "", "override telemetry.tracing.exporter (stdout|otlp)")
	traceEndpoint := flag.String("trace-endpoint", "", "override telemetry.tracing.endpoint")
	bootstrap := flag.String("bootstrap", "", "override discovery.mode (static|route53|docker)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Printf("failed to load configuration from %q: %v", *configPath, err)
		os.Exit(2)
	}
	cfg.ApplyEnvOverrides()
	applyFlagOverrides(cfg, *logMode, *logFile, *logLevel, *trace, *traceExporter, *traceEndpoint, *bootstrap)
	if err := cfg.ValidateConfig(); err != nil {
		log.Printf("invalid configuration: %v", err)
		os.Exit(2)
	}

	var lgr logger.Logger
	if cfg.Logger.Active {
		zapLog, err := zapfactory.New(cfg.Logger)
		if err != nil {
			log.Printf("failed to initialize logger: %v", err)
			os.Exit(70)
		}
		defer func() { _ = zapLog.Sync() }()
		lgr = zapfactory.NewZapAdapter(zapLog)
	} else {
		lgr = logger.NopLogger{}
	}
	cfg.LogConfig(lgr)

	self, err := resolveSelf(cfg)
	if err != nil {
		lgr.Error("failed to resolve node id", logger.F("err", err))
		os.Exit(2)
	}
	lgr = lgr.Named("node").With(logger.FNodeId("self", self))
	lgr.Info("new node initializing")

	shutdownTracer := telemetry.InitTracer(cfg.Telemetry, "overlayplane-node", self)
	defer func() { _ = shutdownTracer(context.Background()) }()

	epoch := uint32(time.Now().Unix())
	reg := registry.New(lgr.Named("registry"), self, epoch)
	rt := router.New(self, reg,
		router.WithLogger(lgr.Named("router")),
		router.WithMaxHops(uint8(cfg.Router.MaxHops)),
		router.WithEntryTTL(cfg.Router.EntryTTL.Milliseconds()),
	)
	rsync := routersync.New(self, rt, reg, epoch, routersync.WithLogger(lgr.Named("routersync")))

	seeds, err := resolveSeeds(cfg)
	if err != nil {
		lgr.Error("failed to resolve discovery seeds", logger.F("err", err))
		os.Exit(2)
	}
	discCfg := discovery.Config{
		LocalTags:       toTagSet(cfg.Discovery.LocalTags),
		ConnectTags:     toTagSet(cfg.Discovery.ConnectTags),
		RequireTagMatch: cfg.Discovery.RequireTagMatch,
	}
	disc := discovery.New(discCfg, seeds, lgr.Named("discovery"))

	registrar, registrarCleanup := setupRegistrar(cfg, lgr)
	defer registrarCleanup()

	kvSvc := kv.New(self, rt, lgr.Named("kv"),
		kv.WithRetransmitInterval(cfg.KV.RetransmitInterval.Milliseconds()),
		kv.WithReconcileInterval(cfg.KV.ReconcileInterval.Milliseconds()),
	)
	psSvc := pubsub.New(self, rt, reg, lgr.Named("pubsub"))
	alSvc := alias.New(self, reg, lgr.Named("alias"))

	memNet := transport.NewMemNetwork()
	tr := transport.NewMem(memNet, self)

	d := plane.New(self, tr, reg, rt, rsync, disc, kvSvc, psSvc, alSvc, lgr.Named("plane"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	now := time.Now().UnixMilli()
	d.Start(now)
	if registrar != nil {
		registerSelf(cfg, self, registrar, lgr)
	}

	done := make(chan struct{})
	go func() {
		d.Run(ctx, 250*time.Millisecond)
		close(done)
	}()
	lgr.Info("dispatcher running")

	if *admin {
		runAdminConsole(ctx, d)
	}

	<-ctx.Done()
	lgr.Info("shutdown signal received, stopping gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		lgr.Warn("dispatcher shutdown timed out")
	}
}

func applyFlagOverrides(cfg *config.Config, logMode, logFile, logLevel string, trace bool, traceExporter, traceEndpoint, bootstrapMode string) {
	if logMode != "" {
		cfg.Logger.Mode = logMode
	}
	if logFile != "" {
		cfg.Logger.File.Path = logFile
	}
	if logLevel != "" {
		cfg.Logger.Level = logLevel
	}
	if trace {
		cfg.Telemetry.Tracing.Enabled = true
	}
	if traceExporter != "" {
		cfg.Telemetry.Tracing.Exporter = traceExporter
	}
	if traceEndpoint != "" {
		cfg.Telemetry.Tracing.Endpoint = traceEndpoint
	}
	if bootstrapMode != "" {
		cfg.Discovery.Mode = bootstrapMode
	}
}

// resolveSelf derives this node's id from cfg.Node.Id if set, or from its
// configured host:port otherwise (the same derivation a peer's static seed entry
// assumes when it has no id of its own to offer).
func resolveSelf(cfg *config.Config) (domain.NodeId, error) {
	if cfg.Node.Id != "" {
		return domain.ParseNodeIdHex(cfg.Node.Id)
	}
	addr := net.JoinHostPort(cfg.Node.Host, strconv.Itoa(cfg.Node.Port))
	return domain.NodeIdFromString(addr), nil
}

// resolveSeeds turns the configured seed host:port list into NodeAddresses.
// Static seeds carry no id of their own on the wire, so each seed's id is
// derived the same way resolveSelf derives an unconfigured node's id.
func resolveSeeds(cfg *config.Config) ([]domain.NodeAddress, error) {
	var out []domain.NodeAddress
	for _, s := range cfg.Discovery.Seeds {
		host, portStr, err := net.SplitHostPort(s)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", s, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("seed %q: invalid port: %w", s, err)
		}
		out = append(out, domain.NodeAddress{
			Id:        domain.NodeIdFromString(s),
			Endpoints: []domain.Endpoint{{Scheme: "tcp", Host: host, Port: uint16(port)}},
		})
	}
	if cfg.Discovery.Mode == "docker" {
		src, err := discovery.NewDockerSeedSource(cfg.Discovery.DockerNetwork, cfg.Discovery.DockerLabelKey, uint16(cfg.Node.Port))
		if err != nil {
			return nil, fmt.Errorf("docker seed source: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		found, err := src.Discover(ctx)
		if err != nil {
			return nil, fmt.Errorf("docker seed discovery: %w", err)
		}
		out = append(out, found...)
	}
	return out, nil
}

func toTagSet(tags []string) map[string]bool {
	out := map[string]bool{}
	for _, t := range tags {
		out[t] = true
	}
	return out
}

// setupRegistrar constructs the external-directory Registrar this node
// publishes itself to, if enabled, returning a no-op cleanup when it is
// not.
func setupRegistrar(cfg *config.Config, lgr logger.Logger) (discovery.Registrar, func()) {
	if !cfg.Discovery.Register.Enabled {
		return nil, func() {}
	}
	if cfg.Discovery.Mode != "route53" {
		return discovery.StaticRegistrar{}, func() {}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reg, err := discovery.NewRoute53Registrar(ctx,
		cfg.Discovery.Register.HostedZoneID,
		cfg.Discovery.Register.DomainSuffix,
		cfg.Discovery.Register.TTL,
	)
	if err != nil {
		lgr.Error("failed to initialize route53 registrar", logger.F("err", err))
		return nil, func() {}
	}
	return reg, func() { _ = reg.Close() }
}

func registerSelf(cfg *config.Config, self domain.NodeId, registrar discovery.Registrar, lgr logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := registrar.RegisterNode(ctx, self.ToHexString(), cfg.Node.Host, cfg.Node.Port); err != nil {
		lgr.Warn("failed to register node in external directory", logger.F("err", err))
		return
	}
	lgr.Info("node registered in external directory")
}

// runAdminConsole drives the liner REPL against the running Dispatcher
// until the shell exits or ctx is canceled; it never blocks shutdown past
// a line read.
func runAdminConsole(ctx context.Context, d *plane.Dispatcher) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Println("overlayplane admin console. Commands: kv get/set/del, sub/unsub, alias lookup/register/unregister, route dump, conn list, exit")
	for {
		if ctx.Err() != nil {
			return
		}
		input, err := line.Prompt("overlayplane> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				fmt.Println("Aborted")
				continue
			}
			return
		}
		line.AppendHistory(input)
		args := strings.Fields(strings.TrimSpace(input))
		if len(args) == 0 {
			continue
		}
		now := time.Now().UnixMilli()
		switch args[0] {
		case "kv":
			runKVCommand(d, args[1:], now)
		case "sub":
			if len(args) < 3 {
				fmt.Println("Usage: sub <source-hex> <channel-id>")
				continue
			}
			runSub(d, args[1], args[2])
		case "unsub":
			if len(args) < 3 {
				fmt.Println("Usage: unsub <source-hex> <channel-id>")
				continue
			}
			runUnsub(d, args[1], args[2])
		case "alias":
			runAliasCommand(d, args[1:], now)
		case "route":
			if len(args) >= 2 && args[1] == "dump" {
				runRouteDump(d)
			} else {
				fmt.Println("Usage: route dump")
			}
		case "conn":
			if len(args) >= 2 && args[1] == "list" {
				runConnList(d)
			} else {
				fmt.Println("Usage: conn list")
			}
		case "exit", "quit":
			fmt.Println("bye")
			return
		default:
			fmt.Printf("unknown command: %s\n", args[0])
		}
	}
}

func runKVCommand(d *plane.Dispatcher, args []string, now int64) {
	if len(args) == 0 {
		fmt.Println("Usage: kv get|set|del ...")
		return
	}
	switch args[0] {
	case "get":
		if len(args) < 2 {
			fmt.Println("Usage: kv get <key>")
			return
		}
		k := domain.KeyFromString(args[1], 0)
		for _, rec := range d.KVGet(k) {
			fmt.Printf("source=%s version=%d value=%q\n", rec.Source, rec.Version, rec.Value)
		}
	case "set":
		if len(args) < 3 {
			fmt.Println("Usage: kv set <key> <value>")
			return
		}
		k := domain.KeyFromString(args[1], 0)
		d.KVSet(k, []byte(args[2]), uint64(now), 0, now)
		fmt.Println("ok")
	case "del":
		if len(args) < 2 {
			fmt.Println("Usage: kv del <key>")
			return
		}
		k := domain.KeyFromString(args[1], 0)
		d.KVDel(k, uint64(now), now)
		fmt.Println("ok")
	default:
		fmt.Printf("unknown kv subcommand: %s\n", args[0])
	}
}

func parseChannel(sourceHex, channelIdStr string) (pubsub.Channel, error) {
	source, err := domain.ParseNodeIdHex(sourceHex)
	if err != nil {
		return pubsub.Channel{}, err
	}
	cid, err := strconv.ParseUint(channelIdStr, 10, 64)
	if err != nil {
		return pubsub.Channel{}, fmt.Errorf("invalid channel id: %w", err)
	}
	return pubsub.Channel{Source: source, ChannelId: cid}, nil
}

func runSub(d *plane.Dispatcher, sourceHex, channelIdStr string) {
	ch, err := parseChannel(sourceHex, channelIdStr)
	if err != nil {
		fmt.Println(err)
		return
	}
	d.PubSubSubscribe(ch)
	fmt.Println("subscribed")
}

func runUnsub(d *plane.Dispatcher, sourceHex, channelIdStr string) {
	ch, err := parseChannel(sourceHex, channelIdStr)
	if err != nil {
		fmt.Println(err)
		return
	}
	d.PubSubUnsubscribe(ch)
	fmt.Println("unsubscribed")
}

func aliasFromString(name string) uint64 {
	h := sha1.Sum([]byte(name))
	return binary.BigEndian.Uint64(h[:8])
}

func runAliasCommand(d *plane.Dispatcher, args []string, now int64) {
	if len(args) == 0 {
		fmt.Println("Usage: alias lookup|register|unregister <name>")
		return
	}
	switch args[0] {
	case "lookup":
		if len(args) < 2 {
			fmt.Println("Usage: alias lookup <name>")
			return
		}
		id := aliasFromString(args[1])
		res, pending := d.AliasLookup(id, now)
		if res != nil {
			if res.Found {
				fmt.Printf("owner=%s\n", res.Owner)
			} else {
				fmt.Println("not found")
			}
			return
		}
		if pending {
			fmt.Println("lookup in progress, result will be logged")
		}
	case "register":
		if len(args) < 2 {
			fmt.Println("Usage: alias register <name>")
			return
		}
		d.AliasRegister(aliasFromString(args[1]), now)
		fmt.Println("ok")
	case "unregister":
		if len(args) < 2 {
			fmt.Println("Usage: alias unregister <name>")
			return
		}
		d.AliasUnregister(aliasFromString(args[1]))
		fmt.Println("ok")
	default:
		fmt.Printf("unknown alias subcommand: %s\n", args[0])
	}
}

func runRouteDump(d *plane.Dispatcher) {
	dump := d.RouteDump()
	for layer, slots := range dump {
		for destByte, entries := range slots {
			for _, e := range entries {
				fmt.Printf("layer=%d dest=%d via=%s hops=%d session=%d\n", layer, destByte, e.Via, e.Hops, e.Session)
			}
		}
	}
}

func runConnList(d *plane.Dispatcher) {
	for _, c := range d.ConnList() {
		fmt.Printf("conn=%s remote=%s metric=%+v\n", c.Id, c.Id.RemoteNode, c.Metric)
	}
}
