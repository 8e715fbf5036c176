// Command demo runs a small replication server over websocket. It
// spawns a handful of wandering entities, replicates them to every
// connected client and prints the telemetry snapshot on shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"tickwire"
	"tickwire/config"
	"tickwire/server"
	"tickwire/signature"
	"tickwire/store"
	"tickwire/telemetry"
	"tickwire/transport"
	"tickwire/transport/wsbridge"
	"tickwire/visibility"
)

type position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type health struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

type announcement struct {
	Text string `json:"text"`
}

const (
	tickInterval = 50 * time.Millisecond
	wanderers    = 8
	arenaSize    = 100.0
)

func main() {
	var (
		addr       string
		configPath string
	)
	flag.StringVar(&addr, "addr", ":8080", "websocket listen address")
	flag.StringVar(&configPath, "config", "", "optional settings document")
	flag.Parse()

	if err := run(addr, configPath); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(addr, configPath string) error {
	logger := telemetry.WrapLogger(log.Default())

	settings := config.DefaultSettings()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		settings = loaded
	}

	reg := tickwire.NewRegistry()
	_, _ = reg.RegisterComponent(position{}, tickwire.JSONCodec[position]())
	_, _ = reg.RegisterComponent(health{}, tickwire.JSONCodec[health]())
	reg.RegisterEvent(announcement{}, tickwire.EventSpec{Codec: tickwire.JSONCodec[announcement]()})

	rules := tickwire.NewRuleSet(reg)
	if err := rules.Replicate(position{}, tickwire.EveryTick()); err != nil {
		return err
	}
	if err := rules.Replicate(health{}, tickwire.Periodic(4)); err != nil {
		return err
	}

	world := store.NewWorld()
	engine := visibility.NewEngine(world)
	sigs := signature.NewRegistry(world, reg, logger)
	counters := telemetry.NewCounters()

	bridge := wsbridge.NewBridge(wsbridge.Config{
		Channels: reg.Channels(),
		Logger:   logger,
	})

	srv, err := server.New(server.Config{
		Store:               world,
		Rules:               rules,
		Sink:                bridge,
		Visibility:          engine,
		Signatures:          sigs,
		UpdateTimeout:       settings.UpdateTimeout(),
		CleanupPeriod:       settings.CleanupPeriod(),
		MaxMutateBytes:      settings.MaxMutateBytes,
		TrackMutateMessages: settings.TrackMutateMessages,
		Logger:              logger,
		Clock:               telemetry.SystemClock{},
		Counters:            counters,
	})
	if err != nil {
		return err
	}

	posID, _ := reg.Component(position{})
	healthID, _ := reg.Component(health{})
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	entities := make([]tickwire.Entity, 0, wanderers)
	for i := 0; i < wanderers; i++ {
		e := world.Spawn()
		world.Insert(e, posID, position{X: rng.Float64() * arenaSize, Y: rng.Float64() * arenaSize})
		world.Insert(e, healthID, health{Current: 100, Max: 100})
		entities = append(entities, e)
	}

	httpServer := &http.Server{Addr: addr, Handler: bridge}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("demo: http server: %v", err)
		}
	}()
	logger.Printf("demo: listening on %s", addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev := <-bridge.Events():
			handleEvent(srv, settings, logger, ev)
		case <-ticker.C:
			drainEvents(srv, settings, logger, bridge.Events())
			tick := world.Step()
			for _, e := range entities {
				value, _, ok := world.Component(e, posID)
				if !ok {
					continue
				}
				p := value.(position)
				p.X += rng.Float64()*2 - 1
				p.Y += rng.Float64()*2 - 1
				world.Set(e, posID, p)
			}
			if err := srv.Advance(tick); err != nil {
				return err
			}
		}
	}

	logger.Printf("demo: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	bridge.Close()
	printStats(srv.Stats())
	return nil
}

// drainEvents empties the inbound queue without blocking so transport
// traffic lands before the tick is collected.
func drainEvents(srv *server.Server, settings config.Settings, logger telemetry.Logger, events <-chan transport.Event) {
	for {
		select {
		case ev := <-events:
			handleEvent(srv, settings, logger, ev)
		default:
			return
		}
	}
}

func handleEvent(srv *server.Server, settings config.Settings, logger telemetry.Logger, ev transport.Event) {
	switch ev.Kind {
	case transport.PeerConnected:
		if err := srv.Connect(ev.Client, settings.Policy()); err != nil {
			logger.Printf("demo: connect %s: %v", ev.Client, err)
			return
		}
		if err := srv.Broadcast(announcement{Text: fmt.Sprintf("client %s joined", ev.Client)}); err != nil {
			logger.Printf("demo: announce: %v", err)
		}
	case transport.PeerDisconnected:
		srv.Disconnect(ev.Client)
	case transport.PeerPayload:
		if ev.Channel != tickwire.ChannelAcks {
			return
		}
		if err := srv.HandleAcks(ev.Client, ev.Payload); err != nil {
			logger.Printf("demo: acks from %s: %v", ev.Client, err)
		}
	}
}

func printStats(stats map[string]uint64) {
	if stats == nil {
		return
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-20s %d\n", k, stats[k])
	}
}
