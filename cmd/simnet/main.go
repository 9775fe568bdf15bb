// Command simnet wires several plane nodes together over one shared
// in-memory network, runs a ticker-driven wave of alias lookups across
// them, and logs each query's outcome and latency to a CSV file.
package main

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"overlayplane/internal/alias"
	"overlayplane/internal/discovery"
	"overlayplane/internal/domain"
	"overlayplane/internal/kv"
	"overlayplane/internal/logger"
	"overlayplane/internal/plane"
	"overlayplane/internal/pubsub"
	"overlayplane/internal/registry"
	"overlayplane/internal/router"
	"overlayplane/internal/routersync"
	"overlayplane/internal/transport"

	"overlayplane/internal/simnet/writer"
)

func main() {
	numNodes := flag.Int("nodes", 8, "number of simulated nodes")
	duration := flag.Duration("duration", 30*time.Second, "how long to run the query wave")
	rate := flag.Float64("rate", 5.0, "query waves per second")
	parallelism := flag.Int("parallel", 4, "lookups issued per wave")
	outPath := flag.String("out", "simnet.csv", "CSV output path")
	tickEvery := flag.Duration("tick", 100*time.Millisecond, "dispatcher tick interval")
	flag.Parse()

	if *numNodes < 2 {
		log.Fatalf("simnet: -nodes must be at least 2, got %d", *numNodes)
	}

	csv, err := writer.NewCSVWriter(*outPath)
	if err != nil {
		log.Fatalf("simnet: %v", err)
	}
	defer func() {
		if err := csv.Close(); err != nil {
			log.Printf("simnet: csv close: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	net := newSimNetwork(*numNodes, csv)
	net.Start(ctx, *tickEvery)
	defer net.StopAll()

	log.Printf("simnet: %d nodes meshed, running %s query wave at %.1f/s", *numNodes, duration.String(), *rate)
	net.RunQueryWave(ctx, *duration, *rate, *parallelism)
	log.Printf("simnet: query wave finished, results in %s", *outPath)
}

// simNode bundles one node's dispatcher and the alias names it owns, so
// the query wave can target a name registered on a node other than the
// one doing the lookup.
type simNode struct {
	id      domain.NodeId
	name    string
	d       *plane.Dispatcher
	aliasID uint64
}

type simNetwork struct {
	nodes []*simNode
	csv   *writer.CSVWriter

	mu      sync.Mutex
	pending map[pendingKey]time.Time
}

type pendingKey struct {
	node  domain.NodeId
	alias uint64
}

// newSimNetwork builds numNodes plane.Dispatchers sharing one memNetwork,
// each registering the other nodes as Manual Discovery seeds so Start
// dials a full mesh. One alias, named after the node, is registered by
// each node so the query wave has a cross-node target to resolve.
func newSimNetwork(numNodes int, csv *writer.CSVWriter) *simNetwork {
	net := &simNetwork{csv: csv, pending: map[pendingKey]time.Time{}}
	memNet := transport.NewMemNetwork()

	names := make([]string, numNodes)
	ids := make([]domain.NodeId, numNodes)
	for i := range names {
		names[i] = fmt.Sprintf("simnet-node-%d", i)
		ids[i] = domain.NodeIdFromString(names[i])
	}

	for i := 0; i < numNodes; i++ {
		self := ids[i]
		lgr := logger.NopLogger{}
		epoch := uint32(i + 1)

		reg := registry.New(lgr, self, epoch)
		rt := router.New(self, reg, router.WithLogger(lgr))
		rsync := routersync.New(self, rt, reg, epoch)

		var seeds []domain.NodeAddress
		for j := 0; j < numNodes; j++ {
			if j == i {
				continue
			}
			seeds = append(seeds, domain.NodeAddress{
				Id:        ids[j],
				Endpoints: []domain.Endpoint{{Scheme: "mem", Host: names[j]}},
			})
		}
		disc := discovery.New(discovery.Config{}, seeds, lgr)

		kvSvc := kv.New(self, rt, lgr)
		psSvc := pubsub.New(self, rt, reg, lgr)
		alSvc := alias.New(self, reg, lgr)

		tr := transport.NewMem(memNet, self)

		node := &simNode{id: self, name: names[i], aliasID: aliasFromName(names[i])}
		app := &simnetApp{net: net, node: node}
		d := plane.New(self, tr, reg, rt, rsync, disc, kvSvc, psSvc, alSvc, lgr, plane.WithApp(app))
		node.d = d
		net.nodes = append(net.nodes, node)
	}
	return net
}

func aliasFromName(name string) uint64 {
	h := sha1.Sum([]byte(name))
	return binary.BigEndian.Uint64(h[:8])
}

// Start kicks off every node's initial seed dials and its dispatcher's
// event/tick loop, and registers each node's own alias once connections
// have had a moment to establish.
func (n *simNetwork) Start(ctx context.Context, tickEvery time.Duration) {
	now := time.Now().UnixMilli()
	for _, node := range n.nodes {
		node.d.Start(now)
	}
	for _, node := range n.nodes {
		go node.d.Run(ctx, tickEvery)
	}
	time.Sleep(200 * time.Millisecond) // let the mesh's dial fan-out settle
	now = time.Now().UnixMilli()
	for _, node := range n.nodes {
		node.d.AliasRegister(node.aliasID, now)
	}
}

func (n *simNetwork) StopAll() {}

// RunQueryWave issues parallelism random cross-node alias lookups every
// 1/rate seconds until duration elapses or ctx is canceled, recording
// each one's outcome to CSV.
func (n *simNetwork) RunQueryWave(ctx context.Context, duration time.Duration, rate float64, parallelism int) {
	interval := time.Duration(float64(time.Second) / rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.Now().Add(duration)

	for {
		if time.Now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var wg sync.WaitGroup
			wg.Add(parallelism)
			for i := 0; i < parallelism; i++ {
				go func() {
					defer wg.Done()
					n.doLookup()
				}()
			}
			wg.Wait()
		}
	}
}

func (n *simNetwork) doLookup() {
	from := n.nodes[rand.Intn(len(n.nodes))]
	target := n.nodes[rand.Intn(len(n.nodes))]

	now := time.Now()
	res, pending := from.d.AliasLookup(target.aliasID, now.UnixMilli())
	if res != nil {
		n.record(from.name, now, res.Found)
		return
	}
	if pending {
		n.mu.Lock()
		n.pending[pendingKey{node: from.id, alias: target.aliasID}] = now
		n.mu.Unlock()
	}
}

func (n *simNetwork) record(node string, started time.Time, found bool) {
	result := "NOT_FOUND"
	if found {
		result = "FOUND"
	}
	if err := n.csv.WriteRow(node, result, time.Since(started)); err != nil {
		log.Printf("simnet: csv write: %v", err)
	}
}

// simnetApp receives a node's settled alias lookups and pub/sub data; only
// the former is exercised by the query wave, the latter is a no-op here
// since the wave never subscribes to a channel.
type simnetApp struct {
	net  *simNetwork
	node *simNode
}

func (a *simnetApp) OnPubSubData(pubsub.DataEvent) {}

func (a *simnetApp) OnAliasLookup(res alias.LookupResult) {
	key := pendingKey{node: a.node.id, alias: res.Alias}
	a.net.mu.Lock()
	started, ok := a.net.pending[key]
	if ok {
		delete(a.net.pending, key)
	}
	a.net.mu.Unlock()
	if !ok {
		return
	}
	a.net.record(a.node.name, started, res.Found)
}
