package enforce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"quagmire/internal/metadata"
	"quagmire/internal/metrics"
)

// Alerter fans an enforcement event out to the configured channels. Each
// channel fails independently; a dead Slack hook never suppresses email.
type Alerter struct {
	webhookURL   string
	slackURL     string
	smtp         SMTPSettings
	client       *http.Client
	sendMail     func(addr string, a smtp.Auth, from string, to []string, msg []byte) error // test hook
}

// SMTPSettings holds email delivery settings.
type SMTPSettings struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// NewAlerter creates the alert fan-out. Empty URLs disable their channel.
func NewAlerter(webhookURL, slackURL string, smtpSettings SMTPSettings, timeout time.Duration) *Alerter {
	return &Alerter{
		webhookURL: webhookURL,
		slackURL:   slackURL,
		smtp:       smtpSettings,
		client:     &http.Client{Timeout: timeout},
		sendMail:   smtp.SendMail,
	}
}

// webhookAlert is the generic webhook payload.
type webhookAlert struct {
	Event   string    `json:"event"`
	Src     string    `json:"src"`
	Reasons []string  `json:"reasons"`
	Score   float64   `json:"score"`
	Ts      time.Time `json:"ts"`
}

func alertPayload(req metadata.EnforcementRequest) webhookAlert {
	dec := req.Decision
	return webhookAlert{
		Event:   "ip_blocked",
		Src:     dec.SourceIP,
		Reasons: dec.Reasons,
		Score:   dec.Score,
		Ts:      dec.Timestamp,
	}
}

// Send delivers the alert on every configured channel. Failures are
// counted and logged, never returned; enforcement already happened.
func (a *Alerter) Send(ctx context.Context, req metadata.EnforcementRequest) {
	if a.webhookURL != "" {
		if err := a.postJSON(ctx, a.webhookURL, alertPayload(req)); err != nil {
			metrics.AlertFailures.WithLabelValues("webhook").Inc()
			slog.Warn("alert webhook failed", "ip", req.Decision.SourceIP, "error", err)
		}
	}
	if a.slackURL != "" {
		if err := a.postJSON(ctx, a.slackURL, slackPayload(req)); err != nil {
			metrics.AlertFailures.WithLabelValues("slack").Inc()
			slog.Warn("slack alert failed", "ip", req.Decision.SourceIP, "error", err)
		}
	}
	if a.smtp.Enabled {
		if err := a.email(req); err != nil {
			metrics.AlertFailures.WithLabelValues("smtp").Inc()
			slog.Warn("email alert failed", "ip", req.Decision.SourceIP, "error", err)
		}
	}
}

func (a *Alerter) postJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func slackPayload(req metadata.EnforcementRequest) map[string]string {
	dec := req.Decision
	return map[string]string{
		"text": fmt.Sprintf("Blocked %s (score %.2f, trigger %s): %s",
			dec.SourceIP, dec.Score, dec.Trigger, strings.Join(dec.Reasons, "; ")),
	}
}

func (a *Alerter) email(req metadata.EnforcementRequest) error {
	dec := req.Decision
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", a.smtp.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(a.smtp.To, ", "))
	fmt.Fprintf(&msg, "Subject: Address blocked: %s\r\n\r\n", dec.SourceIP)
	fmt.Fprintf(&msg, "Address %s was blocked at %s.\r\n", dec.SourceIP, dec.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&msg, "Score: %.2f\r\nTrigger: %s\r\nReasons: %s\r\n",
		dec.Score, dec.Trigger, strings.Join(dec.Reasons, "; "))
	if req.Metadata.UserAgent != "" {
		fmt.Fprintf(&msg, "User agent: %s\r\n", req.Metadata.UserAgent)
	}

	var auth smtp.Auth
	if a.smtp.Username != "" {
		auth = smtp.PlainAuth("", a.smtp.Username, a.smtp.Password, a.smtp.Host)
	}
	addr := fmt.Sprintf("%s:%d", a.smtp.Host, a.smtp.Port)
	return a.sendMail(addr, auth, a.smtp.From, a.smtp.To, []byte(msg.String()))
}
