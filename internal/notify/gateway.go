// Package notify delivers alert text to recipients through the messaging
// gateway. The alert engine only sees the Sender interface.
package notify

import (
    "bytes"
    "context"
    "crypto/hmac"
    "crypto/sha256"
    "encoding/hex"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "log"
    "net/http"
    "strings"
    "time"

    "golang.org/x/time/rate"

    "fleetwatch/internal/metrics"
)

// Sender delivers one message to one recipient. A nil error means delivered.
type Sender interface {
    Send(ctx context.Context, recipient, message string) error
}

// DefaultTimeout bounds a single gateway call.
const DefaultTimeout = 30 * time.Second

// Gateway posts messages to the WhatsApp gateway's /send-text endpoint. Only
// HTTP 200 counts as delivered.
type Gateway struct {
    BaseURL string
    Secret  string
    HTTP    *http.Client
    Limiter *rate.Limiter
}

// NewGateway builds a gateway client. rps <= 0 disables rate limiting.
func NewGateway(baseURL, secret string, rps float64) *Gateway {
    g := &Gateway{BaseURL: strings.TrimRight(baseURL, "/"), Secret: secret, HTTP: &http.Client{Timeout: DefaultTimeout}}
    if rps > 0 {
        g.Limiter = rate.NewLimiter(rate.Limit(rps), 1)
    }
    return g
}

type sendText struct {
    Number  string `json:"number"`
    Message string `json:"message"`
}

// ChatID turns a phone number into the gateway's chat identifier.
func ChatID(phone string) string {
    p := strings.TrimSpace(phone)
    if strings.Contains(p, "@") { return p }
    return strings.TrimPrefix(p, "+") + "@c.us"
}

func (g *Gateway) Send(ctx context.Context, recipient, message string) error {
    if g.Limiter != nil {
        if err := g.Limiter.Wait(ctx); err != nil { return err }
    }
    body, err := json.Marshal(sendText{Number: ChatID(recipient), Message: message})
    if err != nil { return err }
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/send-text", bytes.NewReader(body))
    if err != nil { return err }
    req.Header.Set("Content-Type", "application/json")
    if g.Secret != "" {
        req.Header.Set("X-Signature", sign(g.Secret, body))
    }
    client := g.HTTP
    if client == nil { client = &http.Client{Timeout: DefaultTimeout} }

    start := time.Now()
    resp, err := client.Do(req)
    latency := float64(time.Since(start).Milliseconds())
    if err != nil {
        metrics.Notifications.WithLabelValues("error").Inc()
        metrics.NotificationLatency.WithLabelValues("error").Observe(latency)
        return fmt.Errorf("send to %s: %w", recipient, err)
    }
    defer resp.Body.Close()
    _, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
    status := "ok"
    if resp.StatusCode != http.StatusOK { status = "rejected" }
    metrics.Notifications.WithLabelValues(status).Inc()
    metrics.NotificationLatency.WithLabelValues(status).Observe(latency)
    if resp.StatusCode != http.StatusOK {
        return fmt.Errorf("send to %s: gateway returned %d", recipient, resp.StatusCode)
    }
    return nil
}

// sign returns lowercase hex HMAC-SHA256 of body for the X-Signature header.
func sign(secret string, body []byte) string {
    mac := hmac.New(sha256.New, []byte(secret))
    mac.Write(body)
    return hex.EncodeToString(mac.Sum(nil))
}

// ErrNotDelivered is returned by LogSender. The alert engine treats it as a
// failed delivery, so dry runs leave no sent marks and no delivery log.
var ErrNotDelivered = errors.New("dry run: not delivered")

// LogSender prints messages instead of sending them; used when no gateway is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, recipient, message string) error {
    log.Printf("notify: (dry-run) to %s: %q", recipient, message)
    return ErrNotDelivered
}
