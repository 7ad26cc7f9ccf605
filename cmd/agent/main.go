// Command agent is the vehicle-side publisher: it connects with a device key,
// publishes the camera feed from a local RTP ingest and executes inbound
// control commands.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/pkg/bus"
	"github.com/globalgrayhat/carcast/pkg/client"
	"github.com/globalgrayhat/carcast/pkg/logger"
	"github.com/globalgrayhat/carcast/pkg/retry"
)

func main() {
	var (
		serverURL  = flag.String("url", "ws://localhost:8080/ws", "signaling server url")
		channelID  = flag.String("channel", "global", "channel to join")
		vehicleKey = flag.String("key", "", "vehicle device key")
		videoRTP   = flag.String("video-rtp", "127.0.0.1:5004", "local UDP address receiving camera RTP")
		audioRTP   = flag.String("audio-rtp", "", "local UDP address receiving microphone RTP (optional)")
		logLevel   = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	zapLogger := logger.New(*logLevel, "console")
	defer zapLogger.Sync()
	sugar := zapLogger.Sugar()

	if *vehicleKey == "" {
		sugar.Fatal("vehicle key is required (-key)")
	}

	ingest := map[domain.MediaKind]string{
		domain.MediaKindVideo: *videoRTP,
	}
	if *audioRTP != "" {
		ingest[domain.MediaKindAudio] = *audioRTP
	}

	device, err := client.NewPionDevice(client.PionDeviceConfig{RTPIngest: ingest}, sugar)
	if err != nil {
		sugar.Fatalw("failed to create device", "error", err)
	}

	events := bus.New()
	session, err := client.New(client.Options{
		URL:        *serverURL,
		ChannelID:  *channelID,
		VehicleKey: *vehicleKey,
		Device:     device,
		Logger:     sugar,
		Bus:        events,
		Reconnect:  retry.DefaultConfig(),
	})
	if err != nil {
		sugar.Fatalw("failed to create session", "error", err)
	}

	session.OnCommand(func(cmd client.Command) {
		// Command execution is vehicle-specific; the reference agent logs it.
		sugar.Infow("control command received", "command", cmd.Name, "params", string(cmd.Params))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := session.Connect(ctx); err != nil {
		sugar.Fatalw("failed to connect", "error", err)
	}

	if _, err := session.Publish(ctx, client.PublishCamera); err != nil {
		sugar.Fatalw("failed to publish camera", "error", err)
	}
	if *audioRTP != "" {
		if _, err := session.Publish(ctx, client.PublishAudio); err != nil {
			sugar.Warnw("failed to publish audio", "error", err)
		}
	}

	sub := events.Subscribe(bus.EventConnectivityUp, bus.EventConnectivityDown)
	defer sub.Unsubscribe()
	go func() {
		for event := range sub.C {
			sugar.Infow("connectivity changed", "state", event.Type)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sugar.Info("shutting down")
	session.Close()
}
