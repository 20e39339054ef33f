// Command offloadd classifies images locally or on a discovered peer and
// compares the latency of both paths.
//
// Operator commands are read from stdin, one per line:
//
//	start local|offloading
//	stop local|offloading
//	infer local|offloading <image>
//	stats
//	quit
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/offload"
	"github.com/e7canasta/orion-care-sensor/modules/offload/assets"
	"github.com/e7canasta/orion-care-sensor/modules/offload/config"
	"github.com/e7canasta/orion-care-sensor/modules/offload/discovery"
	"github.com/e7canasta/orion-care-sensor/modules/offload/engine"
	"github.com/e7canasta/orion-care-sensor/modules/offload/engine/enginetest"
	"github.com/e7canasta/orion-care-sensor/modules/offload/internal/gstengine"
	"github.com/e7canasta/orion-care-sensor/modules/offload/report"
	"github.com/e7canasta/orion-care-sensor/modules/offload/resultbus"
)

const defaultConfigPath = "config/offload.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	fakeEngine := flag.Bool("fake-engine", false, "Use the in-memory engine instead of GStreamer")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	// stdout carries command acknowledgements and results.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting offload service",
		"config", *configPath,
		"debug", *debug,
		"fake_engine", *fakeEngine,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, *fakeEngine, os.Stdin, os.Stdout); err != nil {
		slog.Error("offload service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("offload service stopped successfully")
}

func run(cfg *config.Config, fakeEngine bool, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	files, err := assets.NewDir(cfg.Inference.AssetRoot)
	if err != nil {
		return err
	}

	localIP, err := resolveLocalIP(cfg)
	if err != nil {
		return err
	}

	var labels []string
	if cfg.Inference.LabelsPath != "" {
		labels, err = assets.LoadLabels(files, cfg.Inference.LabelsPath)
		if err != nil {
			return fmt.Errorf("load labels: %w", err)
		}
		slog.Info("labels loaded", "count", len(labels))
	}

	// Registry and its feeders
	registry := discovery.NewMemoryRegistry()
	for _, s := range cfg.Discovery.Static {
		if err := registry.Put(discovery.ServiceEndpoint{Name: s.Name, IP: s.IP, Port: s.Port}); err != nil {
			return err
		}
	}
	closers, err := startDiscovery(ctx, cfg, registry, localIP)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()
	if err != nil {
		return err
	}

	// Results: coordinator -> labels -> bus -> console / mqtt
	bus := resultbus.New()
	defer func() {
		st := bus.Stats()
		slog.Info("result bus stats",
			"published", st.TotalPublished,
			"sent", st.TotalSent,
			"dropped", st.TotalDropped,
			"console_drop_rate", resultbus.DropRate(st, "console"),
		)
		bus.Close()
	}()

	consoleCh := make(chan offload.InferenceResult, 32)
	if err := bus.Subscribe("console", consoleCh); err != nil {
		return err
	}
	go report.Console{W: out}.Run(ctx, consoleCh)

	recent, err := report.NewRecent(bus, "recent")
	if err != nil {
		return err
	}
	defer recent.Close()

	if cfg.Report.MQTT.Enabled {
		pub, err := report.NewMQTTPublisher(report.MQTTConfig{
			Broker:      cfg.Report.MQTT.Broker,
			ClientID:    cfg.InstanceID + "-results",
			TopicPrefix: cfg.Report.MQTT.TopicPrefix,
			QoS:         cfg.Report.MQTT.QoS,
		})
		if err != nil {
			return err
		}
		if err := pub.Connect(ctx); err != nil {
			return err
		}
		defer func() {
			st := pub.Stats()
			slog.Info("result publisher stats", "published", st.Published, "errors", st.Errors)
			pub.Close()
		}()

		mqttCh := make(chan offload.InferenceResult, 64)
		if err := bus.Subscribe("mqtt", mqttCh); err != nil {
			return err
		}
		go pub.Run(ctx, mqttCh)
	}

	var eng engine.Engine
	if fakeEngine {
		eng = enginetest.New()
	} else {
		gst := gstengine.New()
		defer func() {
			slog.Info("gstreamer error counts", "errors", gst.Errors())
		}()
		eng = gst
	}

	coord, err := offload.New(offload.Config{
		ServiceName:      cfg.Inference.ServiceName,
		ModelPath:        cfg.Inference.ModelPath,
		Framework:        cfg.Inference.Framework,
		LocalIP:          localIP,
		OffloadTimeout:   cfg.OffloadTimeout(),
		LocalTimeout:     cfg.LocalTimeout(),
		CompletionBuffer: cfg.Inference.CompletionBuffer,
	}, offload.Dependencies{
		Engine:   eng,
		Registry: registry,
		Files:    files,
		Reporter: offload.LabelReporter{
			Labels: labels,
			Next:   offload.MultiReporter{offload.LogReporter{}, bus},
		},
	})
	if err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- coord.Run(ctx)
	}()

	quitChan := make(chan struct{})
	go readCommands(ctx, coord, recent, in, out, quitChan)

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-quitChan:
		slog.Info("quit requested")
	case err := <-errChan:
		if err != nil {
			return err
		}
	}

	shutdownTimeout := cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if st, err := coord.Stats(shutdownCtx); err == nil {
		writeStats(out, st)
		writeRecent(out, recent.Last())
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// readCommands executes operator commands until EOF or quit, then closes quit.
func readCommands(ctx context.Context, c Coordinator, recent RecentResults, in io.Reader, out io.Writer, quit chan<- struct{}) {
	defer close(quit)

	sc := bufio.NewScanner(in)
	for sc.Scan() {
		cmd, err := ParseCommand(sc.Text())
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		done, err := Execute(ctx, c, recent, cmd, out)
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			slog.Warn("command failed", "command", sc.Text(), "error", err)
			continue
		}
		if done {
			return
		}
	}
	if err := sc.Err(); err != nil {
		slog.Error("reading commands failed", "error", err)
	}
}

func resolveLocalIP(cfg *config.Config) (string, error) {
	if cfg.Network.LocalIP != "" {
		return cfg.Network.LocalIP, nil
	}
	ip, err := discovery.LocalIPv4(cfg.Network.Interface)
	if err != nil {
		return "", fmt.Errorf("resolve local ip: %w", err)
	}
	slog.Info("local address resolved", "interface", cfg.Network.Interface, "ip", ip)
	return ip, nil
}

// startDiscovery starts the configured registry feeders and returns their
// closers, including those started before a failure.
func startDiscovery(ctx context.Context, cfg *config.Config, registry *discovery.MemoryRegistry, localIP string) ([]func(), error) {
	var closers []func()

	var local []discovery.Announcement
	for _, a := range cfg.Discovery.Advertise {
		local = append(local, discovery.Announcement{
			Service: a.Name,
			IP:      localIP,
			Port:    a.Port,
			NodeID:  cfg.InstanceID,
		})
	}

	if m := cfg.Discovery.MQTT; m.Enabled {
		w, err := discovery.NewMQTTWatcher(discovery.MQTTConfig{
			Broker:      m.Broker,
			ClientID:    cfg.InstanceID + "-discovery",
			TopicPrefix: m.TopicPrefix,
			QoS:         m.QoS,
		}, registry)
		if err != nil {
			return closers, err
		}
		if err := w.Start(ctx); err != nil {
			return closers, err
		}
		for _, ann := range local {
			if err := w.Announce(ann); err != nil {
				slog.Warn("discovery: announce failed", "service", ann.Service, "error", err)
			}
		}
		closers = append(closers, func() {
			for _, ann := range local {
				if err := w.Withdraw(ann.Service); err != nil {
					slog.Warn("discovery: withdraw failed", "service", ann.Service, "error", err)
				}
			}
			received, invalid := w.Stats()
			slog.Info("discovery: mqtt watcher closing", "received", received, "invalid", invalid)
			w.Close()
		})
	}

	if g := cfg.Discovery.Gossip; g.Enabled {
		gcfg := discovery.GossipConfig{
			NodeName:  g.NodeName,
			BindPort:  g.BindPort,
			SeedNodes: g.SeedNodes,
			Local:     local,
		}
		gossip, err := discovery.NewGossip(gcfg, registry)
		if err != nil {
			return closers, err
		}
		if err := gossip.Start(); err != nil {
			return closers, err
		}
		closers = append(closers, func() {
			if err := gossip.Close(2 * time.Second); err != nil {
				slog.Warn("discovery: gossip leave failed", "error", err)
			}
		})
	}

	slog.Info("discovery started",
		"static", len(cfg.Discovery.Static),
		"advertised", len(local),
		"mqtt", cfg.Discovery.MQTT.Enabled,
		"gossip", cfg.Discovery.Gossip.Enabled,
		"known_services", registry.Len(),
	)
	return closers, nil
}
