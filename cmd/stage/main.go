package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stagewire/internal/core/domain"
	"stagewire/internal/core/services"
	"stagewire/internal/infrastructure/directory"
	"stagewire/internal/infrastructure/monitoring"
	signalclient "stagewire/internal/infrastructure/signal"
	webrtcinfra "stagewire/internal/infrastructure/webrtc"
	"stagewire/pkg/auth"
	"stagewire/pkg/config"
	"stagewire/pkg/logger"
	"stagewire/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const usage = `usage:
  stage [-config path]                     join a stage and run the session
  stage token [-config path] -id ID [-name NAME]
                                           print a stage token for ID`

var configPaths = []string{
	"configs/config.yaml",
	"/etc/stagewire/config.yaml",
	"config.yaml",
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	for _, p := range configPaths {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}
	return config.Load("")
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	fs := flag.NewFlagSet("stage", flag.ExitOnError)
	fs.Usage = func() { fmt.Fprintln(fs.Output(), usage) }
	configPath := fs.String("config", "", "path to the YAML config file")
	fs.Parse(os.Args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func issueToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	fs.Usage = func() { fmt.Fprintln(fs.Output(), usage) }
	configPath := fs.String("config", "", "path to the YAML config file")
	id := fs.String("id", "", "participant ID")
	name := fs.String("name", "", "display name")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	token, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL).Issue(*id, *name)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func run(cfg *config.Config) error {
	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer zapLogger.Sync()

	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	claims, err := tokens.Validate(cfg.Client.Token)
	if err != nil {
		return fmt.Errorf("client.token: %w", err)
	}
	localID := domain.ParticipantID(claims.ParticipantID())
	log := zapLogger.Sugar().With("participant_id", localID)

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dirFactory, err := directory.NewFactory(ctx, cfg, tokens, log)
	if err != nil {
		return err
	}
	defer dirFactory.Close()

	stageID := domain.StageID(cfg.Client.StageID)
	if stageID == "" && cfg.Client.StageName != "" {
		if stageID, err = createStage(ctx, dirFactory, cfg); err != nil {
			return err
		}
		log.Infow("Stage created", "stage_id", stageID, "name", cfg.Client.StageName)
	}

	collector := monitoring.NewCollector(prometheus.DefaultRegisterer)
	dir := collector.InstrumentDirectory(dirFactory.Directory(cfg.Client.Token))

	signaling := signalclient.NewClient(signalclient.NewClientConfig(cfg), log.Named("signal"))
	signaling.SetRequestObserver(collector.ObserveSignalRequest)
	if err := signaling.Connect(ctx); err != nil {
		if errors.Is(err, signalclient.ErrUnauthorized) {
			return err
		}
		return fmt.Errorf("connect signaling: %w", err)
	}
	defer signaling.Close()

	bus := services.NewEventBus()
	bus.OnAll(collector.ObserveLifecycle)

	sink := webrtcinfra.NewSink(log.Named("sink"))
	sink.SetObserver(collector.ObserveMediaBytes)
	if _, err := bus.On(domain.ConsumerAdded, sink.Attach); err != nil {
		return err
	}
	if _, err := bus.On(domain.TrackAdded, sink.Attach); err != nil {
		return err
	}

	tracks := webrtcinfra.NewTrackSource(webrtcinfra.TrackSourceOptions{
		StreamID:  string(localID),
		VideoFile: cfg.Client.Video.File,
	}, log.Named("tracks"))
	defer tracks.Close()

	engineCfg := webrtcinfra.NewConfig(cfg.WebRTC)
	var (
		transports *services.TransportManager
		negotiator *services.Negotiator
		mode       = services.Mode(cfg.Client.Mode)
	)
	switch mode {
	case services.ModeSFU:
		device := webrtcinfra.NewDevice(engineCfg, log.Named("device"))
		transports = services.NewTransportManager(signaling, device, dir, bus, localID, domain.RouterID(cfg.Client.RouterID), log.Named("sfu"))
	case services.ModeP2P:
		factory, err := webrtcinfra.NewPeerConnectionFactory(engineCfg, log.Named("p2p"))
		if err != nil {
			return err
		}
		negotiator = services.NewNegotiator(signaling, factory, bus, localID, log.Named("p2p"))
	}

	intent := services.NewIntentState(domain.Intent{
		SendAudio:    cfg.Client.SendAudio,
		SendVideo:    cfg.Client.SendVideo,
		ReceiveAudio: cfg.Client.ReceiveAudio,
		ReceiveVideo: cfg.Client.ReceiveVideo,
	})

	session, err := services.NewSession(services.SessionConfig{
		Mode:    mode,
		StageID: stageID,
		Audio: domain.AudioProducer{
			DeviceID: domain.DeviceID(cfg.Client.Audio.DeviceID),
			Stereo:   cfg.Client.Audio.Stereo,
			DTX:      cfg.Client.Audio.DTX,
		},
		Video: domain.VideoProducer{
			DeviceID:   domain.DeviceID(cfg.Client.Video.DeviceID),
			Simulcast:  cfg.Client.Video.Simulcast,
			MaxBitrate: cfg.Client.Video.MaxBitrate / 1000,
		},
		Reconnect:     cfg.Retry,
		ActionTimeout: cfg.Client.ActionTimeout,
	}, dir, signaling, transports, negotiator, intent, tracks, bus, log.Named("session"))
	if err != nil {
		return err
	}

	if cfg.Monitoring.PrometheusEnabled {
		srv := serveMetrics(cfg.Monitoring.MetricsAddress, signaling, log)
		defer srv.Close()
	}

	// The signaling client is single-use. Losing it ends the process so a
	// supervisor can start a fresh session.
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-signaling.Done():
			log.Errorw("Signaling connection lost", "error", signaling.Err())
			cancel()
		case <-sessionCtx.Done():
		}
	}()

	err = session.Run(sessionCtx)

	drained := make(chan struct{})
	go func() {
		sink.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		log.Warnw("Timed out waiting for received tracks to end")
	}
	for id, stats := range sink.Stats() {
		log.Infow("Track received",
			"track_id", id,
			"kind", stats.Kind,
			"packets", stats.Packets,
			"bytes", stats.Bytes,
			"keyframes", stats.Keyframes,
		)
	}
	if err != nil {
		return err
	}
	if signaling.Err() != nil && ctx.Err() == nil {
		return fmt.Errorf("signaling: %w", signaling.Err())
	}
	log.Info("Session ended")
	return nil
}

func createStage(ctx context.Context, factory *directory.Factory, cfg *config.Config) (domain.StageID, error) {
	dir := factory.Directory(cfg.Client.Token)
	if err := dir.Connect(ctx); err != nil {
		return "", fmt.Errorf("connect directory: %w", err)
	}
	defer dir.Close()
	return dir.CreateStage(ctx, cfg.Client.StageName)
}

func serveMetrics(addr string, signaling *signalclient.Client, log *zap.SugaredLogger) *http.Server {
	health := monitoring.NewHealthChecker(log)
	health.AddCheck("signaling", func(ctx context.Context) (bool, error) {
		select {
		case <-signaling.Done():
			return false, signaling.Err()
		default:
			return true, nil
		}
	}, 10*time.Second, time.Second)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", health.Handler)

	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnw("Metrics server failed", "error", err)
		}
	}()
	return srv
}
