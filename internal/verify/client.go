// Package verify calls the external face verification service that compares
// a captured image against a candidate's reference photo.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	derrors "invigil/pkg/domain-errors"
)

var verifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "invigil_face_verifications_total",
	Help: "Face verification calls, by outcome",
}, []string{"outcome"})

// MatchThreshold is the minimum match score that verifies an identity.
// The boundary is closed: a score of exactly MatchThreshold verifies.
const MatchThreshold = 70

// NeutralScore is reported when the verifier answered but the response could
// not be parsed. It sits below the threshold so an unreadable answer never
// verifies anyone.
const NeutralScore = 50

const defaultTimeout = 15 * time.Second

// Result is one verification outcome.
type Result struct {
	MatchScore int
	Verified   bool
}

// Client talks to the face verification HTTP endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient builds a verifier client for the given endpoint.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type verifyRequest struct {
	CapturedImage     string `json:"captured_image"`
	ReferenceImageURL string `json:"reference_image_url"`
}

type verifyResponse struct {
	MatchScore *int `json:"match_score"`
}

// Verify submits a captured image (base64 data URL) against the candidate's
// reference photo. Transport failures and non-2xx answers return a
// CodeUnavailable error so callers can distinguish "service down" from "face
// did not match". A 2xx answer that cannot be parsed degrades to the neutral
// score instead of failing the check outright.
func (c *Client) Verify(ctx context.Context, capturedImage, referenceImageURL string) (Result, error) {
	body, err := json.Marshal(verifyRequest{
		CapturedImage:     capturedImage,
		ReferenceImageURL: referenceImageURL,
	})
	if err != nil {
		verifications.WithLabelValues("error").Inc()
		return Result{}, derrors.Wrap(err, derrors.CodeInternal, "encoding verification request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		verifications.WithLabelValues("error").Inc()
		return Result{}, derrors.Wrap(err, derrors.CodeInternal, "building verification request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		verifications.WithLabelValues("unavailable").Inc()
		return Result{}, derrors.Wrap(err, derrors.CodeUnavailable, "face verification service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		verifications.WithLabelValues("unavailable").Inc()
		return Result{}, derrors.Newf(derrors.CodeUnavailable,
			"face verification service answered %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		verifications.WithLabelValues("unavailable").Inc()
		return Result{}, derrors.Wrap(err, derrors.CodeUnavailable, "reading verification response")
	}

	score := NeutralScore
	var parsed verifyResponse
	if err := json.Unmarshal(data, &parsed); err != nil || parsed.MatchScore == nil {
		c.logger.WarnContext(ctx, "unparseable verification response, using neutral score",
			"status", resp.StatusCode)
	} else {
		score = *parsed.MatchScore
	}

	result := Result{MatchScore: score, Verified: score >= MatchThreshold}
	if result.Verified {
		verifications.WithLabelValues("verified").Inc()
	} else {
		verifications.WithLabelValues("rejected").Inc()
	}
	return result, nil
}

// Endpoint reports the configured verifier URL.
func (c *Client) Endpoint() string { return c.baseURL }
