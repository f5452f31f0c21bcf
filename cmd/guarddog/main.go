package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Adam-Doria/GuardDog/internal/camera"
	"github.com/Adam-Doria/GuardDog/internal/classifier"
	"github.com/Adam-Doria/GuardDog/internal/client"
	"github.com/Adam-Doria/GuardDog/internal/config"
	"github.com/Adam-Doria/GuardDog/internal/contracts"
	"github.com/Adam-Doria/GuardDog/internal/controller"
	"github.com/Adam-Doria/GuardDog/internal/detection"
	"github.com/Adam-Doria/GuardDog/internal/hardware"
	"github.com/Adam-Doria/GuardDog/internal/health"
	"github.com/Adam-Doria/GuardDog/internal/patrol"
	"github.com/Adam-Doria/GuardDog/internal/remote"
	"github.com/Adam-Doria/GuardDog/internal/shutdown"
	"github.com/Adam-Doria/GuardDog/internal/snapshot"
	"github.com/Adam-Doria/GuardDog/internal/validator"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// Initialize logger with robot ID prefix
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetPrefix(fmt.Sprintf("[%s] ", cfg.RobotID))

	log.Printf("GuardDog v%s starting (robot: %s)", version, cfg.RobotID)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("FATAL: Invalid configuration: %v", err)
	}

	log.Printf("MQTT broker: %s", cfg.MQTT.BrokerURL)
	log.Printf("Classifier: %s", cfg.Classifier.Backend)
	log.Printf("Detection: %s > %.0f%%, every %d frames, streak %d",
		cfg.Detection.TargetLabel, cfg.Detection.ConfidenceThreshold, cfg.Detection.FrameSkip, cfg.Detection.StreakThreshold)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	contractValidator, err := validator.NewContractValidator()
	if err != nil {
		log.Fatalf("FATAL: Failed to load contract schemas: %v", err)
	}
	log.Printf("INFO: Loaded contracts: %v", contractValidator.Contracts())

	mqttClient := client.NewMQTTClient(cfg.MQTT.BrokerURL, cfg.MQTTClientID, cfg.MQTT.TopicPrefix, cfg.RobotID)
	link := remote.NewLink(mqttClient, contractValidator, cfg.RobotID)

	// Redis journal is optional: without it the robot still patrols and alerts.
	var redisJournal *client.RedisJournal
	if cfg.Redis.Addr != "" {
		rj := client.NewRedisJournal(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.StreamPrefix, cfg.RobotID)
		if err := rj.Connect(ctx); err != nil {
			log.Printf("WARN: Redis journal unavailable at %s: %v", cfg.Redis.Addr, err)
		} else {
			log.Printf("INFO: Connected to Redis at %s", cfg.Redis.Addr)
			redisJournal = rj
		}
	}

	var store snapshot.Store
	if cfg.Minio.Endpoint != "" {
		ms, err := snapshot.NewMinioStore(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.Bucket, cfg.Minio.UseSSL)
		if err == nil {
			err = ms.EnsureBucket(ctx)
		}
		if err != nil {
			log.Printf("WARN: Snapshot archive disabled: %v", err)
		} else {
			log.Printf("INFO: Archiving snapshots to %s", ms.URL(""))
			store = ms
		}
	}

	var frames detection.FrameSource
	if cfg.Camera.URL != "" {
		frames = camera.NewHTTPSource(cfg.Camera.URL, cfg.Camera.FPS, 2*time.Second)
	} else {
		log.Printf("WARN: No camera configured, detection will never see a frame")
		frames = camera.NewBuffer()
	}

	cls, err := newClassifier(cfg)
	if err != nil {
		log.Fatalf("FATAL: Failed to create classifier: %v", err)
	}

	body := hardware.Open(cfg.Serial.Port, hardware.PortOptions{BaudRate: cfg.Serial.BaudRate})

	deps := controller.Deps{
		Frames:     frames,
		Classifier: cls,
		Hardware:   body,
		Link:       link,
		Snapshots:  store,
	}
	if redisJournal != nil {
		deps.Journal = redisJournal
	}

	ctrl := controller.New(deps, controller.Options{
		RobotID: cfg.RobotID,
		Detection: detection.Options{
			TargetLabel:         cfg.Detection.TargetLabel,
			ConfidenceThreshold: cfg.Detection.ConfidenceThreshold,
			FrameSkip:           cfg.Detection.FrameSkip,
			StreakThreshold:     cfg.Detection.StreakThreshold,
		},
		Patrol: patrol.Options{
			Interval:         cfg.Patrol.Interval,
			DangerDistanceCm: cfg.Patrol.DangerDistanceCm,
			AlertDuration:    cfg.Patrol.AlertDuration,
		},
		StopTimeout:  cfg.WorkerStopTimeout,
		LinkTimeout:  cfg.LinkTimeout,
		StartOffline: cfg.StartOffline,
	})
	ctrl.Start(ctx)

	var recorder health.Recorder
	if redisJournal != nil {
		recorder = redisJournal
	}
	heartbeat := health.NewReporter(cfg.RobotID, health.NewCollector(time.Second), ctrl, link, recorder, cfg.HeartbeatInterval)
	heartbeat.Start(ctx)

	if redisJournal != nil {
		go func() {
			err := redisJournal.SubscribeCommands(ctx, func(command string, payload []byte) error {
				return handleCommand(ctrl, command)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("ERROR: Command stream stopped: %v", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler: newMux(cfg.RobotID, ctrl, mqttClient, redisJournal),
	}

	go func() {
		log.Printf("INFO: HTTP health endpoint listening on :%s", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("ERROR: HTTP server failed: %v", err)
		}
	}()

	steps := []shutdown.Step{
		{Name: "heartbeat", Fn: func(ctx context.Context) error {
			if !heartbeat.Stop(cfg.WorkerStopTimeout) {
				return errors.New("heartbeat loop did not stop")
			}
			return nil
		}},
		{Name: "controller", Fn: ctrl.Stop},
		{Name: "http server", Fn: httpServer.Shutdown},
	}
	if redisJournal != nil {
		steps = append(steps,
			shutdown.Step{Name: "redis presence", Fn: redisJournal.RemoveHealth},
			shutdown.Step{Name: "redis", Fn: func(context.Context) error { return redisJournal.Close() }},
		)
	}

	coordinator := shutdown.NewCoordinator(cfg.ShutdownTimeout, nil)
	if err := coordinator.WaitForShutdown(ctx, steps...); err != nil {
		log.Printf("ERROR: %v", err)
		os.Exit(1)
	}

	log.Printf("INFO: GuardDog stopped cleanly")
}

func newClassifier(cfg *config.Config) (classifier.Classifier, error) {
	switch cfg.Classifier.Backend {
	case "ollama":
		return classifier.NewOllama(cfg.Classifier.OllamaHost, cfg.Classifier.OllamaModel, cfg.Classifier.Timeout)
	default:
		return classifier.NewHTTPClient(cfg.Classifier.URL, cfg.Classifier.Timeout), nil
	}
}

// handleCommand processes operator commands arriving on the Redis command stream.
func handleCommand(ctrl *controller.Controller, command string) error {
	switch command {
	case contracts.TypeDisableAlert:
		if !ctrl.LiftAlert() {
			log.Printf("INFO: %s command had no effect in %s", command, ctrl.Mode())
		}
		return nil
	case "status":
		log.Printf("INFO: Received status command - reporting via heartbeat")
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func newMux(robotID string, ctrl *controller.Controller, mqttClient *client.MQTTClient, journal *client.RedisJournal) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":         "ok",
			"service":        "guarddog",
			"robot_id":       robotID,
			"version":        version,
			"mqtt_connected": mqttClient.IsConnected(),
			"controller":     ctrl.Status(),
		})
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if journal == nil {
			http.Error(w, "journal disabled", http.StatusServiceUnavailable)
			return
		}

		count := int64(20)
		if v := r.URL.Query().Get("count"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				http.Error(w, "invalid count", http.StatusBadRequest)
				return
			}
			count = n
		}

		events, err := journal.RecentEvents(r.Context(), count)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(events)
	})

	return mux
}
