package queue

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "time"

    amqp "github.com/rabbitmq/amqp091-go"
    "go.uber.org/zap"
)

// AuditLogName is the file, relative to the consumer's log dir, that
// receives one line per connection event.
const AuditLogName = "procore_connections.log"

// AuditConsumer reads ConnectionEvent messages and appends them to
// <LogDir>/procore_connections.log.
type AuditConsumer struct {
    URL    string
    LogDir string
    Log    *zap.Logger
}

// Run connects to RabbitMQ, declares the durable events queue and consumes
// until ctx is cancelled.  Broker failures trigger a reconnect with
// exponential backoff capped at 30 seconds.
func (a *AuditConsumer) Run(ctx context.Context) error {
    log := a.Log
    if log == nil {
        log = zap.NewNop()
    }
    backoff := time.Second
    for {
        if err := ctx.Err(); err != nil {
            return err
        }
        conn, err := amqp.Dial(a.URL)
        if err != nil {
            log.Warn("audit consumer: dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
            if !sleepCtx(ctx, backoff) {
                return ctx.Err()
            }
            if backoff < 30*time.Second {
                backoff *= 2
            }
            continue
        }
        backoff = time.Second

        err = a.consumeLoop(ctx, conn, log)
        _ = conn.Close()
        if ctx.Err() != nil {
            return ctx.Err()
        }
        log.Warn("audit consumer: consume loop ended, reconnecting", zap.Error(err))
        if !sleepCtx(ctx, 2*time.Second) {
            return ctx.Err()
        }
    }
}

func (a *AuditConsumer) consumeLoop(ctx context.Context, conn *amqp.Connection, log *zap.Logger) error {
    ch, err := conn.Channel()
    if err != nil {
        return fmt.Errorf("channel open: %w", err)
    }
    defer func() { _ = ch.Close() }()

    if err := ch.Qos(50, 0, false); err != nil {
        log.Warn("audit consumer: set QoS failed", zap.Error(err))
    }
    if _, err := ch.QueueDeclare(ConnectionEventsQueue, true, false, false, false, nil); err != nil {
        return fmt.Errorf("queue declare: %w", err)
    }
    msgs, err := ch.Consume(ConnectionEventsQueue, "", false, false, false, false, nil)
    if err != nil {
        return fmt.Errorf("queue consume: %w", err)
    }

    for {
        select {
        case <-ctx.Done():
            return ctx.Err()
        case d, ok := <-msgs:
            if !ok {
                return errors.New("deliveries channel closed")
            }
            if err := a.HandleMessage(d.Body); err != nil {
                log.Error("audit consumer: handle message failed", zap.Error(err))
                _ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
                continue
            }
            _ = d.Ack(false)
        }
    }
}

// HandleMessage decodes one event and appends its audit line.
func (a *AuditConsumer) HandleMessage(body []byte) error {
    var ev ConnectionEvent
    if err := json.Unmarshal(body, &ev); err != nil {
        return fmt.Errorf("unmarshal: %w", err)
    }
    if ev.Type == "" || ev.ProcoreUserID == "" {
        return errors.New("event without type or user")
    }
    dir := a.LogDir
    if dir == "" {
        dir = "logs"
    }
    if err := os.MkdirAll(dir, 0o755); err != nil {
        return fmt.Errorf("mkdir %s: %w", dir, err)
    }
    f, err := os.OpenFile(filepath.Join(dir, AuditLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
    if err != nil {
        return fmt.Errorf("open log file: %w", err)
    }
    defer f.Close()

    if _, err := f.WriteString(FormatAuditLine(ev)); err != nil {
        return fmt.Errorf("write log: %w", err)
    }
    return nil
}

// FormatAuditLine renders ev as a single human-readable line.
func FormatAuditLine(ev ConnectionEvent) string {
    line := fmt.Sprintf("[%s] Procore connection %s | event_id=%s | procore_user_id=%s | company_id=%d",
        ev.OccurredAt, ev.Type, ev.ID, ev.ProcoreUserID, ev.CompanyID)
    if ev.ReplacementCompany != 0 {
        line += fmt.Sprintf(" | replacement_company_id=%d", ev.ReplacementCompany)
    }
    if ev.TokenExpiresAt != "" {
        line += " | token_expires_at=" + ev.TokenExpiresAt
    }
    return line + "\n"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return false
    case <-t.C:
        return true
    }
}
