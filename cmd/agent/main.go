// Command agent is the candidate-side capture process. Given the attempt
// and session identifiers handed out by the exam start endpoint, it
// publishes screen and camera stills onto the session's stream topic and
// winds down when the supervisor ends the session. Capture devices are
// pluggable stream.Source implementations; the built-in synthetic source
// stands in where no device integration is compiled in.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"invigil/internal/control"
	"invigil/internal/platform/logger"
	proctormodels "invigil/internal/proctoring/models"
	"invigil/internal/stream"
	id "invigil/pkg/domain"
)

func main() {
	var (
		redisURL = flag.String("redis", "redis://localhost:6379", "redis connection URL")
		attemptS = flag.String("attempt", "", "attempt identifier from the exam start response")
		sessionS = flag.String("session", "", "session identifier from the exam start response")
		interval = flag.Duration("interval", stream.DefaultFrameInterval, "spacing between published stills")
		screenW  = flag.Int("screen-width", 1920, "screen capture width")
		screenH  = flag.Int("screen-height", 1080, "screen capture height")
		cameraW  = flag.Int("camera-width", 640, "camera capture width")
		cameraH  = flag.Int("camera-height", 480, "camera capture height")
	)
	flag.Parse()

	log := logger.New()

	attemptID, err := id.ParseAttemptID(*attemptS)
	if err != nil {
		log.Error("invalid -attempt", "error", err)
		os.Exit(2)
	}
	sessionID, err := id.ParseSessionID(*sessionS)
	if err != nil {
		log.Error("invalid -session", "error", err)
		os.Exit(2)
	}

	opts, err := redis.ParseURL(*redisURL)
	if err != nil {
		log.Error("invalid -redis", "error", err)
		os.Exit(2)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Error("redis unreachable", "error", err)
		os.Exit(1)
	}

	transport := stream.NewRedis(client)
	streamTopic := proctormodels.StreamTopic(attemptID, sessionID)
	controlTopic := proctormodels.ControlTopic(attemptID, sessionID)

	screen := stream.NewPublisher(transport, streamTopic, attemptID, stream.SourceScreen,
		stream.NewSyntheticSource(*screenW, *screenH),
		stream.WithInterval(*interval), stream.WithPublisherLogger(log))
	camera := stream.NewPublisher(transport, streamTopic, attemptID, stream.SourceCamera,
		stream.NewSyntheticSource(*cameraW, *cameraH),
		stream.WithInterval(*interval), stream.WithPublisherLogger(log))

	if err := screen.Start(ctx); err != nil {
		log.Error("screen publisher failed to start", "error", err)
		os.Exit(1)
	}
	if err := camera.Start(ctx); err != nil {
		screen.Stop()
		log.Error("camera publisher failed to start", "error", err)
		os.Exit(1)
	}
	defer func() {
		screen.Stop()
		camera.Stop()
	}()

	// The session's control topic carries supervisor warnings and tells us
	// when the exam is over.
	ended := make(chan string, 1)
	listener, err := control.Listen(ctx, transport, controlTopic, control.Handlers{
		OnWarning: func(wrn control.Warning) {
			log.Info("supervisor warning", "message", wrn.Message)
		},
		OnTerminated: func(t control.Termination) {
			select {
			case ended <- "terminated: " + t.Reason:
			default:
			}
		},
		OnCompleted: func(c control.Completion) {
			select {
			case ended <- "completed: " + c.Message:
			default:
			}
		},
	}, log)
	if err != nil {
		log.Error("control subscription failed", "error", err)
		os.Exit(1)
	}
	defer listener.Close()

	log.Info("capture agent streaming",
		"attempt_id", attemptID, "stream_topic", streamTopic, "interval", interval.String())

	select {
	case <-ctx.Done():
		log.Info("capture agent stopping on signal")
	case reason := <-ended:
		log.Info("capture agent stopping", "reason", reason)
	}
}
