package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/lidarmap/internal/config"
	"github.com/banshee-data/lidarmap/internal/db"
	"github.com/banshee-data/lidarmap/internal/lidar"
	"github.com/banshee-data/lidarmap/internal/lidar/export"
	"github.com/banshee-data/lidarmap/internal/lidar/imu"
	"github.com/banshee-data/lidarmap/internal/lidar/l1packets"
	"github.com/banshee-data/lidarmap/internal/lidar/l2frames"
	"github.com/banshee-data/lidarmap/internal/lidar/pipeline"
	"github.com/banshee-data/lidarmap/internal/lidar/publish"
	sqlite "github.com/banshee-data/lidarmap/internal/lidar/storage/sqlite"
	"github.com/banshee-data/lidarmap/internal/lidar/visualiser"
	"github.com/banshee-data/lidarmap/internal/monitoring"
	"github.com/banshee-data/lidarmap/internal/serialmux"
	"github.com/banshee-data/lidarmap/internal/timeutil"
)

var (
	configPath  = flag.String("config", "", "Path to a SLAM config file (.json, .yaml); defaults are used when empty")
	pcapFile    = flag.String("pcap", "", "Replay a VLP-16 capture instead of listening on UDP")
	replaySpeed = flag.Float64("speed", 0, "PCAP replay speed multiplier (0 replays as fast as possible)")
	udpPort     = flag.Int("udp-port", 2368, "UDP port of the lidar data stream")
	udpAddress  = flag.String("udp-addr", "", "UDP bind address (default: listen on all interfaces)")
	rcvBuf      = flag.Int("rcvbuf", 4<<20, "UDP receive buffer size in bytes")
	imuSerial   = flag.String("imu-serial", "", "Serial device of a VectorNav IMU used for de-skewing")
	imuBaud     = flag.Int("imu-baud", serialmux.DefaultBaudRate, "IMU serial baud rate")
	imuRate     = flag.Int("imu-rate", 200, "IMU output rate in Hz")
	dbFile      = flag.String("db", "lidarmap.db", "Path to the SQLite session database (empty disables persistence)")
	exportDir   = flag.String("export-dir", "", "Write trajectory and map exports into this directory on exit")
	listen      = flag.String("listen", ":8082", "HTTP listen address for /metrics and /debug/ (empty disables)")
	grpcListen  = flag.String("grpc-listen", "", "gRPC listen address for the live pose stream (empty disables)")
	mqttBroker  = flag.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (empty disables)")
	mqttTopic   = flag.String("mqtt-topic", "lidarmap", "MQTT topic prefix")
	loopClosure = flag.Bool("loop-closure", false, "Enable loop closure (overrides the config file)")
	verbose     = flag.Int("v", 0, "Log verbosity: 1 adds diagnostics, 2 adds per-scan traces")
)

func main() {
	flag.Parse()

	writers := lidar.LogWriters{Ops: os.Stderr}
	if *verbose >= 1 {
		writers.Diag = os.Stderr
	}
	if *verbose >= 2 {
		writers.Trace = os.Stderr
	}
	lidar.SetLogWriters(writers)

	loopSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "loop-closure" {
			loopSet = true
		}
	})
	cfg, err := buildConfig(*configPath, loopSet, *loopClosure)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("lidarmap: %v", err)
	}
	log.Print("lidarmap stopped")
}

// buildConfig loads the config file, or the built-in defaults when path is
// empty, and applies command-line overrides before freezing it.
func buildConfig(path string, loopSet, loop bool) (*lidar.Config, error) {
	slam := config.EmptySLAMConfig()
	if path != "" {
		var err error
		if slam, err = config.LoadSLAMConfig(path); err != nil {
			return nil, err
		}
	}
	if loopSet {
		slam.LoopClosure.Enabled = &loop
	}
	return slam.Build()
}

func run(parent context.Context, cfg *lidar.Config) error {
	runCtx, cancel := context.WithCancel(parent)
	defer cancel()

	sess := newSessionLog()
	pcfg := pipeline.Config{
		Lidar:        cfg,
		MappingSinks: []pipeline.MappingSink{sess},
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())

	source := "udp"
	if *pcapFile != "" {
		source = filepath.Base(*pcapFile)
	}

	if *dbFile != "" {
		store, err := db.NewDB(*dbFile)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()
		if err := store.AttachAdminRoutes(mux); err != nil {
			return err
		}
		sessions := sqlite.NewSessionStore(store.DB)
		s, err := sessions.StartSession(source, cfg)
		if err != nil {
			return err
		}
		log.Printf("recording session %s to %s", s.SessionID, *dbFile)
		pcfg.MappingSinks = append(pcfg.MappingSinks, sqlite.NewRecorder(sessions, s.SessionID))
	}

	if *grpcListen != "" {
		vcfg := visualiser.DefaultConfig()
		vcfg.ListenAddr = *grpcListen
		pub := visualiser.NewPublisher(vcfg)
		if err := pub.Start(); err != nil {
			return fmt.Errorf("pose stream: %w", err)
		}
		defer pub.Stop()
		pcfg.OdometrySinks = append(pcfg.OdometrySinks, pub)
		pcfg.MappingSinks = append(pcfg.MappingSinks, pub)
	}

	if *mqttBroker != "" {
		mcfg := publish.DefaultConfig()
		mcfg.Broker = *mqttBroker
		mcfg.TopicPrefix = *mqttTopic
		pub, client, err := publish.Connect(mcfg, 10*time.Second)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		pcfg.OdometrySinks = append(pcfg.OdometrySinks, pub)
		pcfg.MappingSinks = append(pcfg.MappingSinks, pub)
	}

	g, ctx := errgroup.WithContext(runCtx)

	if *imuSerial != "" {
		port, err := serialmux.NewRealSerialMux(*imuSerial, serialmux.PortOptions{BaudRate: *imuBaud})
		if err != nil {
			return fmt.Errorf("open IMU serial port: %w", err)
		}
		defer port.Close()
		port.AttachAdminRoutes(mux)

		buf := imu.NewBuffer(cfg.Pipeline.IMUQueueLength)
		src := imu.NewSerialSource(port, buf, timeutil.RealClock{})
		g.Go(func() error { return ignoreCancel(port.Monitor(ctx)) })
		g.Go(func() error { return ignoreCancel(src.Run(ctx)) })
		if err := imu.Configure(port, *imuRate); err != nil {
			log.Printf("IMU configuration failed, using the device's current output: %v", err)
		}
		pcfg.Deskew = buf
	}

	p, err := pipeline.New(pcfg)
	if err != nil {
		return err
	}

	if *listen != "" {
		srv := &http.Server{Addr: *listen, Handler: mux}
		g.Go(func() error {
			log.Printf("HTTP server listening on %s", *listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	scans := make(chan *lidar.Scan, cfg.Pipeline.QueueDepth)
	builder := l2frames.NewScanBuilder(l2frames.ScanBuilderConfig{
		ScanCallback: func(s *lidar.Scan) {
			select {
			case scans <- s:
			case <-ctx.Done():
			}
		},
	})

	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- p.Run(ctx, scans) }()

	ingestErr := ignoreCancel(ingest(ctx, builder))
	builder.Flush()
	builder.Close()
	close(scans)
	runErr := ignoreCancel(<-pipelineDone)
	emitted, dropped := builder.Stats()
	log.Printf("ingest finished: %d scans, %d partial rotations discarded, %d keyframes", emitted, dropped, p.Store().Len())

	if *exportDir != "" {
		s := sess.session(source, p.Store().Snapshot())
		paths, err := export.WriteAll(*exportDir, s, export.DefaultOptions())
		if err != nil {
			log.Printf("export failed: %v", err)
		} else {
			log.Printf("exported %d files to %s", len(paths), *exportDir)
		}
	}

	// Input is exhausted or the process is stopping; shut down the servers
	// and the IMU reader.
	cancel()
	if err := g.Wait(); err != nil {
		return err
	}
	if ingestErr != nil {
		return ingestErr
	}
	return runErr
}

// ingest feeds the scan builder from the PCAP replay or the live socket.
func ingest(ctx context.Context, builder *l2frames.ScanBuilder) error {
	parser := l1packets.NewVLP16Parser()
	stats := l1packets.NewPacketStats()
	if *pcapFile != "" {
		err := l1packets.ReadPCAPFile(ctx, *pcapFile, l1packets.ReplayOptions{UDPPort: *udpPort, Speed: *replaySpeed}, parser, builder, stats)
		stats.LogStats(true)
		return err
	}
	listener := l1packets.NewUDPListener(l1packets.UDPListenerConfig{
		Address:      fmt.Sprintf("%s:%d", *udpAddress, *udpPort),
		RcvBuf:       *rcvBuf,
		LogInterval:  time.Minute,
		Stats:        stats,
		Parser:       parser,
		FrameBuilder: builder,
	})
	return listener.Start(ctx)
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
