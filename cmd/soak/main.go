// Command soak churns a synthetic world against many simulated
// clients to measure replication throughput and allocation behavior.
//
// Profiling:
//
//	go build ./cmd/soak && ./soak -profile mem
//	go tool pprof -http=":8000" ./soak mem.pprof
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"time"

	"github.com/pkg/profile"

	"tickwire"
	"tickwire/server"
	"tickwire/store"
	"tickwire/telemetry"
	"tickwire/visibility"
)

type position struct {
	X float64
	Y float64
}

type velocity struct {
	X float64
	Y float64
}

type health struct {
	Current int
	Max     int
}

// ackingSink counts queued bytes and collects mutate indices so the
// loop can feed acknowledgments back with a configurable loss rate.
type ackingSink struct {
	bytes   uint64
	pending map[tickwire.ClientID][]uint64
}

func (s *ackingSink) Queue(client tickwire.ClientID, channel tickwire.ChannelID, payload []byte) {
	s.bytes += uint64(len(payload))
	if channel != tickwire.ChannelMutations {
		return
	}
	m, err := server.DecodeMutate(payload)
	if err != nil {
		return
	}
	s.pending[client] = append(s.pending[client], m.Index)
}

func main() {
	var (
		clients     int
		entities    int
		ticks       int
		lossPercent int
		profileMode string
	)
	flag.IntVar(&clients, "clients", 16, "simulated client count")
	flag.IntVar(&entities, "entities", 500, "entity count")
	flag.IntVar(&ticks, "ticks", 2000, "ticks to run")
	flag.IntVar(&lossPercent, "loss", 10, "percentage of acks to drop")
	flag.StringVar(&profileMode, "profile", "", "write a cpu or mem profile")
	flag.Parse()

	switch profileMode {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	case "mem":
		defer profile.Start(profile.MemProfileAllocs, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	case "":
	default:
		log.Fatalf("unknown profile mode %q", profileMode)
	}

	if err := run(clients, entities, ticks, lossPercent); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(clients, entities, ticks, lossPercent int) error {
	reg := tickwire.NewRegistry()
	posID, _ := reg.RegisterComponent(position{}, tickwire.JSONCodec[position]())
	velID, _ := reg.RegisterComponent(velocity{}, tickwire.JSONCodec[velocity]())
	healthID, _ := reg.RegisterComponent(health{}, tickwire.JSONCodec[health]())

	rules := tickwire.NewRuleSet(reg)
	if err := rules.Replicate(position{}, tickwire.EveryTick()); err != nil {
		return err
	}
	if err := rules.Replicate(velocity{}, tickwire.Periodic(5)); err != nil {
		return err
	}
	if err := rules.Replicate(health{}, tickwire.Periodic(10)); err != nil {
		return err
	}

	world := store.NewWorld()
	sink := &ackingSink{pending: make(map[tickwire.ClientID][]uint64)}
	counters := telemetry.NewCounters()

	srv, err := server.New(server.Config{
		Store:    world,
		Rules:    rules,
		Sink:     sink,
		Logger:   telemetry.Nop(),
		Counters: counters,
	})
	if err != nil {
		return err
	}

	ids := make([]tickwire.ClientID, clients)
	for i := range ids {
		ids[i] = tickwire.ClientID(fmt.Sprintf("soak-%03d", i))
		if err := srv.Connect(ids[i], visibility.Blacklist); err != nil {
			return err
		}
	}

	rng := rand.New(rand.NewSource(1))
	live := make([]tickwire.Entity, 0, entities)
	for i := 0; i < entities; i++ {
		live = append(live, spawnOne(world, rng, posID, velID, healthID))
	}

	start := time.Now()
	for i := 0; i < ticks; i++ {
		tick := world.Step()

		// Move everything, damage a few, churn a small fraction.
		for _, e := range live {
			value, _, ok := world.Component(e, posID)
			if !ok {
				continue
			}
			p := value.(position)
			p.X += rng.Float64() - 0.5
			p.Y += rng.Float64() - 0.5
			world.Set(e, posID, p)
		}
		for j := 0; j < len(live)/50; j++ {
			e := live[rng.Intn(len(live))]
			world.Set(e, healthID, health{Current: rng.Intn(100), Max: 100})
		}
		if rng.Intn(4) == 0 && len(live) > 1 {
			idx := rng.Intn(len(live))
			world.Despawn(live[idx])
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
			live = append(live, spawnOne(world, rng, posID, velID, healthID))
		}

		if err := srv.Advance(tick); err != nil {
			return err
		}

		for _, id := range ids {
			indices := sink.pending[id]
			if len(indices) == 0 {
				continue
			}
			kept := indices[:0]
			for _, index := range indices {
				if rng.Intn(100) >= lossPercent {
					kept = append(kept, index)
				}
			}
			if len(kept) > 0 {
				if err := srv.HandleAcks(id, server.AppendAcks(nil, kept...)); err != nil {
					return err
				}
			}
			sink.pending[id] = indices[:0]
		}
	}
	elapsed := time.Since(start)

	fmt.Printf("ticks=%d clients=%d entities=%d elapsed=%s per-tick=%s bytes=%d\n",
		ticks, clients, entities, elapsed, elapsed/time.Duration(ticks), sink.bytes)
	printStats(srv.Stats())
	return nil
}

func spawnOne(world *store.World, rng *rand.Rand, posID, velID, healthID tickwire.ComponentID) tickwire.Entity {
	e := world.Spawn()
	world.Insert(e, posID, position{X: rng.Float64() * 1000, Y: rng.Float64() * 1000})
	world.Insert(e, velID, velocity{X: rng.Float64(), Y: rng.Float64()})
	world.Insert(e, healthID, health{Current: 100, Max: 100})
	return e
}

func printStats(stats map[string]uint64) {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-20s %d\n", k, stats[k])
	}
}
