// Package verify decides whether a submitted task counts and how much
// it pays. The decision can come from a remote review service or from
// the built-in evaluator.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

type Submission struct {
	UserID       string        `json:"user_id"`
	TaskID       string        `json:"task_id"`
	Category     string        `json:"category"`
	Tier         string        `json:"tier"`
	TimeSpent    time.Duration `json:"-"`
	Duration     time.Duration `json:"-"`
	TimeSpentSec float64       `json:"time_spent_seconds"`
	DurationSec  float64       `json:"duration_seconds"`
	EvidenceNote string        `json:"evidence_note,omitempty"`
	EvidenceRef  string        `json:"evidence_ref,omitempty"`
}

type Result struct {
	Approved bool            `json:"approved"`
	Payout   decimal.Decimal `json:"payout"`
	Reason   string          `json:"reason,omitempty"`
}

// Gateway reviews a submission. An error return means the review
// service could not produce a verdict, not that the verdict was
// negative; callers decide what an unreachable reviewer means.
type Gateway interface {
	Verify(ctx context.Context, sub Submission) (Result, error)
}

type HTTPGateway struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTPGateway(endpoint, token string) *HTTPGateway {
	return &HTTPGateway{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: 8 * time.Second},
	}
}

func (g *HTTPGateway) Verify(ctx context.Context, sub Submission) (Result, error) {
	sub.TimeSpentSec = sub.TimeSpent.Seconds()
	sub.DurationSec = sub.Duration.Seconds()
	body, err := json.Marshal(sub)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/v1/verifications", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("verification gateway returned %d: %s", resp.StatusCode, string(snippet))
	}
	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode verification response: %w", err)
	}
	return out, nil
}
