// Command monitor runs the baby-monitor media relay: it ingests each
// configured room's camera (RTSP or Nest), processes audio for loudness
// metering and threshold alerts, and serves per-peer WebRTC connections
// over a persistent signaling channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mira/nursery-relay/pkg/config"
	"github.com/mira/nursery-relay/pkg/logger"
	"github.com/mira/nursery-relay/pkg/nest"
	"github.com/mira/nursery-relay/pkg/repo"
	"github.com/mira/nursery-relay/pkg/signaling"
	"github.com/mira/nursery-relay/pkg/streaming"
	"github.com/mira/nursery-relay/pkg/webrtc"
)

func main() {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	envPath := fs.String("env", ".env", "path to the .env configuration file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Baby-monitor media relay\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	log.Info("starting baby-monitor media relay", "log_config", logFlags.String())

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "signaling_addr", cfg.Signaling.ListenAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	roomRepo := repo.NewMemoryRoomRepository()
	settingsRepo := repo.NewMemorySettingsRepository(cfg.Defaults)

	tokens := nest.NewRefreshTokenProvider(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RefreshToken)
	queue := nest.NewCommandQueue(nestCommandsPerMinute, log.With("component", "nest-queue"))
	queue.Start()
	defer queue.Stop()

	nestClient := nest.NewDeviceClient(cfg.Google.ProjectID, tokens, log.With("component", "nest-client")).
		WithCommandQueue(queue)
	nestManager := nest.NewNestStreamReaderManager(nestClient, log.With("component", "nest-manager"))

	audioStreaming := streaming.NewAudioStreamingService(ctx, roomRepo, settingsRepo, nestManager, log.With("component", "audio-streaming"))
	videoStreaming := streaming.NewVideoStreamingService(ctx, roomRepo, nestManager, log.With("component", "video-streaming"))

	audioWebrtc := webrtc.NewAudioWebRtcService(audioStreaming, roomRepo, log.With("component", "audio-webrtc").Logger)
	videoWebrtc := webrtc.NewVideoWebRtcService(videoStreaming, roomRepo, log.With("component", "video-webrtc").Logger)

	hub := signaling.NewHub(audioWebrtc, videoWebrtc, roomRepo, settingsRepo, log.With("component", "signaling").Logger)

	audioStreaming.OnSoundThreshold = audioWebrtc.HandleSoundAlert
	audioWebrtc.OnICECandidate = hub.HandleAudioICECandidate
	videoWebrtc.OnICECandidate = hub.HandleVideoICECandidate
	hub.OnSettingsChanged = audioStreaming.ApplySettings
	hub.StatusFunc = func() interface{} {
		return map[string]interface{}{
			"audio":     audioStreaming.Status(),
			"video":     videoStreaming.Status(),
			"nestQueue": queue.GetStats(),
		}
	}

	if err := audioStreaming.RefreshRooms(); err != nil {
		log.Error("initial audio refresh_rooms failed", "error", err)
	}
	if err := videoStreaming.RefreshRooms(); err != nil {
		log.Error("initial video refresh_rooms failed", "error", err)
	}
	go refreshRoomsLoop(ctx, audioStreaming, videoStreaming, hub, log.Logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)

	server := &http.Server{
		Addr:    cfg.Signaling.ListenAddr,
		Handler: mux,
	}
	go func() {
		log.Info("signaling hub listening", "addr", cfg.Signaling.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("signaling server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("signaling server shutdown error", "error", err)
	}
}

// nestCommandsPerMinute sizes the shared SDM command queue's rate limiter;
// Google's per-project Nest SDM quota is documented at roughly 1 QPS, kept
// conservative here since extend calls for many rooms share this budget.
const nestCommandsPerMinute = 30

// refreshRoomsLoop reconciles both streaming services against the room
// repository every 30s and pushes a RoomsUpdated event after each pass in
// which both refreshes succeed, whether or not the configuration changed.
func refreshRoomsLoop(ctx context.Context, audioSvc *streaming.AudioStreamingService, videoSvc *streaming.VideoStreamingService, hub *signaling.Hub, log *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	statsTicker := time.NewTicker(5 * time.Minute)
	defer statsTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := audioSvc.RefreshRooms(); err != nil {
				log.Error("audio refresh_rooms failed", "error", err)
				continue
			}
			if err := videoSvc.RefreshRooms(); err != nil {
				log.Error("video refresh_rooms failed", "error", err)
				continue
			}
			hub.RoomsUpdated()
		case <-statsTicker.C:
			log.Info("stream status", "audio_rooms", audioSvc.Status(), "video_rooms", videoSvc.Status())
		}
	}
}
