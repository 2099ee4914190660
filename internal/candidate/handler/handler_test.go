package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"invigil/internal/control"
	exammodels "invigil/internal/exam/models"
	examstore "invigil/internal/exam/store"
	"invigil/internal/platform/logger"
	proctorstore "invigil/internal/proctoring/store"
	"invigil/internal/session"
	"invigil/internal/stream"
	"invigil/internal/verify"
	id "invigil/pkg/domain"
)

type stubVerifier struct {
	result verify.Result
}

func (v *stubVerifier) Verify(ctx context.Context, capturedImage, referenceImageURL string) (verify.Result, error) {
	return v.result, nil
}

// flakyTransport refuses subscriptions on demand so the exam start path can
// be exercised against a broken control channel.
type flakyTransport struct {
	stream.Transport

	mu            sync.Mutex
	failSubscribe bool
}

func (t *flakyTransport) setFailSubscribe(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failSubscribe = fail
}

func (t *flakyTransport) Subscribe(ctx context.Context, topic string, handler stream.Handler) (stream.Subscription, error) {
	t.mu.Lock()
	fail := t.failSubscribe
	t.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("subscribe refused")
	}
	return t.Transport.Subscribe(ctx, topic, handler)
}

type CandidateHandlerSuite struct {
	suite.Suite
	ctx       context.Context
	server    *httptest.Server
	exams     *examstore.Memory
	sessions  *proctorstore.SessionMemory
	flags     *proctorstore.FlagMemory
	verifier  *stubVerifier
	transport *flakyTransport
	registry  *session.Registry
	control   *control.Service

	candidate exammodels.Candidate
	questions []exammodels.Question
}

func TestCandidateHandlerSuite(t *testing.T) {
	suite.Run(t, new(CandidateHandlerSuite))
}

func (s *CandidateHandlerSuite) SetupTest() {
	s.ctx = context.Background()
	s.exams = examstore.NewMemory()
	s.sessions = proctorstore.NewSessionMemory()
	s.flags = proctorstore.NewFlagMemory()
	s.verifier = &stubVerifier{result: verify.Result{MatchScore: 88, Verified: true}}

	s.candidate = exammodels.Candidate{
		ID:                id.NewCandidateID(),
		NationalID:        "900515-7788",
		FullName:          "Leila Haddad",
		ReferenceImageURL: "https://cdn.example/ref/leila.jpg",
	}
	s.exams.SeedCandidate(s.candidate)

	exam := exammodels.Exam{
		ID:              id.NewExamID(),
		Title:           "Records Management",
		DurationMinutes: 45,
		PassingScore:    50,
		Instructions:    "Answer every question.",
		Active:          true,
	}
	s.questions = []exammodels.Question{
		{ID: id.NewQuestionID(), ExamID: exam.ID, Text: "q1", OptionA: "a", OptionB: "b", OptionC: "c", OptionD: "d", CorrectOption: exammodels.OptionB, Points: 1, Order: 1},
		{ID: id.NewQuestionID(), ExamID: exam.ID, Text: "q2", OptionA: "a", OptionB: "b", OptionC: "c", OptionD: "d", CorrectOption: exammodels.OptionD, Points: 1, Order: 2},
	}
	s.exams.SeedExam(exam, s.questions)

	log := logger.New()
	s.transport = &flakyTransport{Transport: stream.NewMemory()}
	s.registry = session.NewRegistry(s.transport, log)
	actions := proctorstore.NewActionMemory()
	s.control = control.New(s.transport, s.sessions, actions, s.exams, s.exams, s.exams)
	newMachine := func() *session.Machine {
		return session.NewMachine(s.exams, s.exams, s.exams, s.exams, s.sessions, s.verifier)
	}
	handler := New(s.registry, newMachine, s.flags, log)

	router := chi.NewRouter()
	handler.Register(router)
	s.server = httptest.NewServer(router)
}

func (s *CandidateHandlerSuite) TearDownTest() {
	s.server.Close()
	s.registry.CloseAll()
}

func (s *CandidateHandlerSuite) do(method, path, token string, body any) *http.Response {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	s.Require().NoError(err)
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	return resp
}

func (s *CandidateHandlerSuite) decode(resp *http.Response, dst any) {
	defer resp.Body.Close()
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(dst))
}

func (s *CandidateHandlerSuite) login() string {
	resp := s.do(http.MethodPost, "/candidate/login", "", map[string]string{"national_id": s.candidate.NationalID})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var body struct {
		Token    string `json:"token"`
		FullName string `json:"full_name"`
	}
	s.decode(resp, &body)
	s.Require().NotEmpty(body.Token)
	s.Equal("Leila Haddad", body.FullName)
	return body.Token
}

func (s *CandidateHandlerSuite) advanceToExam(token string) string {
	resp := s.do(http.MethodPost, "/candidate/system-check", token, session.SystemReport{
		CameraAccess: true, MicrophoneAccess: true, BrowserSupported: true,
	})
	resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	resp = s.do(http.MethodPost, "/candidate/verify", token,
		map[string]string{"captured_image": "data:image/jpeg;base64,c2VsZmll"})
	resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	resp = s.do(http.MethodPost, "/candidate/begin", token, map[string]bool{"consent": true})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var body struct {
		AttemptID string `json:"attempt_id"`
	}
	s.decode(resp, &body)
	s.Require().NotEmpty(body.AttemptID)
	return body.AttemptID
}

func (s *CandidateHandlerSuite) TestFullFlowEndsInGradedResult() {
	token := s.login()
	s.advanceToExam(token)

	resp := s.do(http.MethodGet, "/candidate/questions", token, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var qBody struct {
		Questions []questionResponse `json:"questions"`
	}
	s.decode(resp, &qBody)
	s.Require().Len(qBody.Questions, 2)

	resp = s.do(http.MethodPut, "/candidate/answers", token, map[string]string{
		"question_id": qBody.Questions[0].ID, "selected": "B",
	})
	resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	resp = s.do(http.MethodPost, "/candidate/submit", token, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var result resultResponse
	s.decode(resp, &result)
	s.Equal(50, result.Score)
	s.True(result.Passed)
}

func (s *CandidateHandlerSuite) TestQuestionsNeverExposeCorrectOption() {
	token := s.login()
	s.advanceToExam(token)

	resp := s.do(http.MethodGet, "/candidate/questions", token, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var raw struct {
		Questions []map[string]any `json:"questions"`
	}
	s.decode(resp, &raw)
	s.Require().NotEmpty(raw.Questions)
	for _, q := range raw.Questions {
		s.NotContains(q, "correct_option")
		s.NotContains(q, "CorrectOption")
	}
}

func (s *CandidateHandlerSuite) TestLoginRequiresNationalID() {
	resp := s.do(http.MethodPost, "/candidate/login", "", map[string]string{})
	defer resp.Body.Close()
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *CandidateHandlerSuite) TestUnknownTokenIsUnauthorized() {
	resp := s.do(http.MethodGet, "/candidate/questions", "bogus", nil)
	defer resp.Body.Close()
	s.Equal(http.StatusUnauthorized, resp.StatusCode)

	resp2 := s.do(http.MethodGet, "/candidate/questions", "", nil)
	defer resp2.Body.Close()
	s.Equal(http.StatusUnauthorized, resp2.StatusCode)
}

func (s *CandidateHandlerSuite) TestVerifyRejectsPlainStrings() {
	token := s.login()
	resp := s.do(http.MethodPost, "/candidate/system-check", token, session.SystemReport{
		CameraAccess: true, MicrophoneAccess: true, BrowserSupported: true,
	})
	resp.Body.Close()

	resp = s.do(http.MethodPost, "/candidate/verify", token, map[string]string{"captured_image": "not a data uri"})
	defer resp.Body.Close()
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *CandidateHandlerSuite) TestRejectedVerificationAllowsRetry() {
	token := s.login()
	resp := s.do(http.MethodPost, "/candidate/system-check", token, session.SystemReport{
		CameraAccess: true, MicrophoneAccess: true, BrowserSupported: true,
	})
	resp.Body.Close()

	s.verifier.result = verify.Result{MatchScore: 42, Verified: false}
	resp = s.do(http.MethodPost, "/candidate/verify", token,
		map[string]string{"captured_image": "data:image/jpeg;base64,c2VsZmll"})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var body verifyResponse
	s.decode(resp, &body)
	s.False(body.Verified)
	s.Equal(42, body.MatchScore)

	s.verifier.result = verify.Result{MatchScore: 88, Verified: true}
	resp = s.do(http.MethodPost, "/candidate/verify", token,
		map[string]string{"captured_image": "data:image/jpeg;base64,c2VsZmll"})
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *CandidateHandlerSuite) TestBeginWithoutConsentRefused() {
	token := s.login()
	resp := s.do(http.MethodPost, "/candidate/system-check", token, session.SystemReport{
		CameraAccess: true, MicrophoneAccess: true, BrowserSupported: true,
	})
	resp.Body.Close()
	resp = s.do(http.MethodPost, "/candidate/verify", token,
		map[string]string{"captured_image": "data:image/jpeg;base64,c2VsZmll"})
	resp.Body.Close()

	resp = s.do(http.MethodPost, "/candidate/begin", token, map[string]bool{"consent": false})
	defer resp.Body.Close()
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *CandidateHandlerSuite) TestTimerReportsCountdown() {
	token := s.login()
	s.advanceToExam(token)

	resp := s.do(http.MethodGet, "/candidate/timer", token, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var body timerResponse
	s.decode(resp, &body)
	s.InDelta(45*60, body.RemainingSeconds, 2)
	s.False(body.Low)
	s.False(body.Critical)
}

func (s *CandidateHandlerSuite) TestEventsRecordFlagsWithCooldown() {
	token := s.login()
	attemptID := s.advanceToExam(token)

	resp := s.do(http.MethodPost, "/candidate/events", token,
		map[string]any{"kind": "visibility_hidden"})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var ev eventResponse
	s.decode(resp, &ev)
	s.True(ev.Flagged)
	s.Equal("tab_switch", ev.Type)

	// A second identical event lands inside the cooldown window.
	resp = s.do(http.MethodPost, "/candidate/events", token,
		map[string]any{"kind": "visibility_hidden"})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.decode(resp, &ev)
	s.False(ev.Flagged)

	parsed, err := id.ParseAttemptID(attemptID)
	s.Require().NoError(err)
	flags, err := s.flags.ListByAttempt(s.ctx, parsed)
	s.Require().NoError(err)
	s.Len(flags, 1)
}

func (s *CandidateHandlerSuite) TestEventsBeforeExamAreRefused() {
	token := s.login()
	resp := s.do(http.MethodPost, "/candidate/events", token, map[string]any{"kind": "window_blur"})
	defer resp.Body.Close()
	s.Equal(http.StatusConflict, resp.StatusCode)
}

func (s *CandidateHandlerSuite) TestSupervisorTerminationSettlesStartedExam() {
	token := s.login()
	attemptID := s.advanceToExam(token)

	parsed, err := id.ParseAttemptID(attemptID)
	s.Require().NoError(err)
	machine, ok := s.registry.ByAttempt(parsed)
	s.Require().True(ok)

	// The listener registered during begin must still be alive long after
	// the begin request finished.
	s.Require().NoError(s.control.Terminate(s.ctx, id.NewSupervisorID(), parsed, "screen sharing stopped"))
	s.Require().Eventually(func() bool {
		return machine.CurrentState() == session.StateTerminated
	}, time.Second, 5*time.Millisecond)

	resp := s.do(http.MethodPost, "/candidate/submit", token, nil)
	defer resp.Body.Close()
	s.Equal(http.StatusConflict, resp.StatusCode)
}

func (s *CandidateHandlerSuite) TestSupervisorWarningSurfacesToCandidate() {
	token := s.login()
	attemptID := s.advanceToExam(token)
	parsed, err := id.ParseAttemptID(attemptID)
	s.Require().NoError(err)

	s.Require().NoError(s.control.Warn(s.ctx, id.NewSupervisorID(), parsed, "remove the headphones"))

	resp := s.do(http.MethodGet, "/candidate/warnings", token, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var body struct {
		Warnings []warningResponse `json:"warnings"`
	}
	s.decode(resp, &body)
	s.Require().Len(body.Warnings, 1)
	s.Equal("remove the headphones", body.Warnings[0].Message)
	s.Equal(10, body.Warnings[0].DisplaySeconds)
	s.False(body.Warnings[0].ReceivedAt.IsZero())
}

func (s *CandidateHandlerSuite) TestBeginFailsWhenControlChannelUnavailable() {
	token := s.login()
	resp := s.do(http.MethodPost, "/candidate/system-check", token, session.SystemReport{
		CameraAccess: true, MicrophoneAccess: true, BrowserSupported: true,
	})
	resp.Body.Close()
	resp = s.do(http.MethodPost, "/candidate/verify", token,
		map[string]string{"captured_image": "data:image/jpeg;base64,c2VsZmll"})
	resp.Body.Close()

	s.transport.setFailSubscribe(true)
	resp = s.do(http.MethodPost, "/candidate/begin", token, map[string]bool{"consent": true})
	resp.Body.Close()
	s.Require().Equal(http.StatusServiceUnavailable, resp.StatusCode)

	// The failed start is unwound so a retry can succeed.
	machine, ok := s.registry.Get(token)
	s.Require().True(ok)
	s.Equal(session.StateInstructed, machine.CurrentState())

	s.transport.setFailSubscribe(false)
	resp = s.do(http.MethodPost, "/candidate/begin", token, map[string]bool{"consent": true})
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *CandidateHandlerSuite) TestSubmitTwiceConflicts() {
	token := s.login()
	s.advanceToExam(token)

	resp := s.do(http.MethodPost, "/candidate/submit", token, nil)
	resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	resp = s.do(http.MethodPost, "/candidate/submit", token, nil)
	defer resp.Body.Close()
	s.Equal(http.StatusConflict, resp.StatusCode)
}
