// Command server hosts the proctoring backend: the candidate exam flow, the
// supervisor dashboard and control API, and the metrics endpoint. Frames and
// control events travel over redis pub/sub when configured, and over an
// in-process transport in single-node development mode.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	candidatehandler "invigil/internal/candidate/handler"
	"invigil/internal/control"
	exammodels "invigil/internal/exam/models"
	examports "invigil/internal/exam/ports"
	examstore "invigil/internal/exam/store"
	"invigil/internal/platform/config"
	"invigil/internal/platform/httpserver"
	"invigil/internal/platform/logger"
	"invigil/internal/platform/postgres"
	platformredis "invigil/internal/platform/redis"
	proctorports "invigil/internal/proctoring/ports"
	proctorstore "invigil/internal/proctoring/store"
	"invigil/internal/session"
	"invigil/internal/stream"
	"invigil/internal/supervisor/auth"
	supervisorhandler "invigil/internal/supervisor/handler"
	supervisorports "invigil/internal/supervisor/ports"
	supervisorstore "invigil/internal/supervisor/store"
	"invigil/internal/verify"
	id "invigil/pkg/domain"
)

type stores struct {
	candidates  examports.CandidateStore
	exams       examports.ExamStore
	attempts    examports.AttemptStore
	answers     examports.AnswerStore
	flags       proctorports.FlagStore
	sessions    proctorports.SessionStore
	actions     proctorports.ActionStore
	supervisors supervisorports.SupervisorStore
}

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStores, err := buildStores(cfg, log)
	if err != nil {
		log.Error("store initialization failed", "error", err)
		os.Exit(1)
	}
	defer closeStores()

	transport, closeTransport, err := buildTransport(ctx, cfg, log)
	if err != nil {
		log.Error("transport initialization failed", "error", err)
		os.Exit(1)
	}
	defer closeTransport()

	if cfg.VerifierURL == "" {
		log.Warn("FACE_VERIFIER_URL is not set; identity checks will fail as unavailable")
	}
	verifier := verify.NewClient(cfg.VerifierURL, verify.WithLogger(log))

	authService := auth.NewService(st.supervisors, cfg.JWTSigningKey, auth.WithLogger(log))
	controlService := control.New(transport, st.sessions, st.actions, st.attempts, st.answers, st.exams,
		control.WithLogger(log))
	registry := session.NewRegistry(transport, log)
	defer registry.CloseAll()

	newMachine := func() *session.Machine {
		return session.NewMachine(st.candidates, st.exams, st.attempts, st.answers, st.sessions, verifier,
			session.WithMachineLogger(log))
	}

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Route("/api/v1", func(r chi.Router) {
		candidatehandler.New(registry, newMachine, st.flags, log).Register(r)
		supervisorhandler.New(authService, controlService, st.sessions, st.flags, st.actions, transport, log).Register(r)
	})

	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

// buildStores picks PostgreSQL when DATABASE_URL is set and falls back to
// seeded in-memory stores for development.
func buildStores(cfg config.Server, log *slog.Logger) (stores, func(), error) {
	if cfg.PostgresURL != "" {
		db, err := postgres.Open(cfg.PostgresURL)
		if err != nil {
			return stores{}, nil, err
		}
		exams := examstore.NewPostgres(db)
		log.Info("using postgres persistence")
		return stores{
			candidates:  exams,
			exams:       exams,
			attempts:    exams,
			answers:     exams,
			flags:       proctorstore.NewFlagPostgres(db),
			sessions:    proctorstore.NewSessionPostgres(db),
			actions:     proctorstore.NewActionPostgres(db),
			supervisors: supervisorstore.NewPostgres(db),
		}, func() { _ = db.Close() }, nil
	}

	log.Warn("DATABASE_URL is not set; using in-memory stores with demo data")
	exams := examstore.NewMemory()
	supervisors := supervisorstore.NewMemory()
	seedDemoData(exams, supervisors, cfg, log)
	return stores{
		candidates:  exams,
		exams:       exams,
		attempts:    exams,
		answers:     exams,
		flags:       proctorstore.NewFlagMemory(),
		sessions:    proctorstore.NewSessionMemory(),
		actions:     proctorstore.NewActionMemory(),
		supervisors: supervisors,
	}, func() {}, nil
}

func buildTransport(ctx context.Context, cfg config.Server, log *slog.Logger) (stream.Transport, func(), error) {
	rc, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	if rc == nil {
		log.Warn("REDIS_URL is not set; using in-process transport")
		return stream.NewMemory(), func() {}, nil
	}
	log.Info("using redis transport")
	return stream.NewRedis(rc.Client), func() { _ = rc.Close() }, nil
}

// seedDemoData loads one candidate, one exam and one supervisor so a fresh
// checkout is usable end to end without a database.
func seedDemoData(exams *examstore.Memory, supervisors *supervisorstore.Memory, cfg config.Server, log *slog.Logger) {
	exams.SeedCandidate(exammodels.Candidate{
		ID:                id.NewCandidateID(),
		NationalID:        "12345678",
		FullName:          "Demo Candidate",
		Email:             "candidate@example.org",
		ReferenceImageURL: "https://example.org/reference.jpg",
	})

	examID := id.NewExamID()
	exams.SeedExam(exammodels.Exam{
		ID:              examID,
		Title:           "General Knowledge Assessment",
		Description:     "Demo exam for local development",
		DurationMinutes: 30,
		PassingScore:    70,
		Instructions:    "Stay in front of the camera and keep this window focused.",
		Active:          true,
	}, []exammodels.Question{
		{ID: id.NewQuestionID(), ExamID: examID, Text: "Which protocol underpins the web?",
			OptionA: "HTTP", OptionB: "SMTP", OptionC: "FTP", OptionD: "SSH",
			CorrectOption: exammodels.OptionA, Points: 1, Order: 1},
		{ID: id.NewQuestionID(), ExamID: examID, Text: "Which port does HTTPS use by default?",
			OptionA: "80", OptionB: "22", OptionC: "443", OptionD: "8080",
			CorrectOption: exammodels.OptionC, Points: 1, Order: 2},
	})

	authService := auth.NewService(supervisors, cfg.JWTSigningKey)
	if _, err := authService.Register(context.Background(), "supervisor@example.org", "Demo Supervisor", "supervisor"); err != nil {
		log.Warn("demo supervisor seed failed", "error", err)
		return
	}
	log.Info("demo data seeded",
		"candidate_national_id", "12345678",
		"supervisor_email", "supervisor@example.org")
}
