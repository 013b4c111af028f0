// Package notify posts high-severity findings to an external
// monitoring webhook. Delivery is fire-and-forget: a lost notification
// never fails the request that produced it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/polkatrace/graph-engine/pkg/models"
)

// riskNotifyThreshold is the score at or above which an assessment is
// pushed to the webhook.
const riskNotifyThreshold = 70

// Webhook delivers JSON alerts. A zero URL disables it.
type Webhook struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

func NewWebhook(url string, log zerolog.Logger) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		log:    log.With().Str("component", "webhook").Logger(),
	}
}

// Enabled reports whether a target URL is configured.
func (w *Webhook) Enabled() bool { return w != nil && w.url != "" }

type alert struct {
	Event      string    `json:"event"`
	Address    string    `json:"address"`
	RiskScore  float64   `json:"riskScore"`
	Patterns   []string  `json:"patterns"`
	DetectedAt time.Time `json:"detectedAt"`
}

// NotifyRisk posts an alert when the assessment crosses the threshold.
// The POST runs in its own goroutine with its own deadline so the
// calling request never waits on the webhook.
func (w *Webhook) NotifyRisk(address string, assessment *models.RiskAssessment) {
	if !w.Enabled() || assessment.Score < riskNotifyThreshold {
		return
	}
	types := make([]string, 0, len(assessment.Patterns))
	for _, p := range assessment.Patterns {
		types = append(types, p.Type)
	}
	a := alert{
		Event:      "high_risk_address",
		Address:    address,
		RiskScore:  assessment.Score,
		Patterns:   types,
		DetectedAt: assessment.AssessedAt,
	}

	go func() {
		body, err := json.Marshal(a)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.client.Do(req)
		if err != nil {
			w.log.Warn().Err(err).Msg("webhook delivery failed")
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			w.log.Warn().Int("status", resp.StatusCode).Msg("webhook rejected alert")
		}
	}()
}
