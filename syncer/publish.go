package syncer

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Publisher receives every non-empty committed report. Publishing failures
// are logged by the runner and never undo a cycle.
type Publisher interface {
	Publish(ctx context.Context, rep *Report) error
}

// PublisherFunc adapts a plain function to Publisher.
type PublisherFunc func(ctx context.Context, rep *Report) error

func (f PublisherFunc) Publish(ctx context.Context, rep *Report) error { return f(ctx, rep) }

// NotifyConfig is the `notify` config section.
type NotifyConfig struct {
	SyslogAddr string        `yaml:"syslog_addr"`
	AppName    string        `yaml:"app_name"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Notifier delivers one outbox entry. Entries that fail stay pending and are
// retried at the start of the next cycle.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// SyslogNotifier sends one RFC5424 line per outbox entry.
type SyslogNotifier struct {
	sender  SyslogSender
	appName string
	timeout time.Duration
}

func NewSyslogNotifier(sender SyslogSender, cfg NotifyConfig) *SyslogNotifier {
	if cfg.AppName == "" {
		cfg.AppName = defaultAppName
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &SyslogNotifier{sender: sender, appName: cfg.AppName, timeout: cfg.Timeout}
}

func (p *SyslogNotifier) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := map[string]string{
		"event":       n.Event,
		"cycle":       n.CycleID,
		"id":          strconv.FormatUint(uint64(n.InterventionID), 10),
		"reported_at": FormatTimestamp(n.ReportedAt),
		"status":      n.Status,
		"state":       ClassifyStatus(n.Status),
		"district":    n.District,
		"event_type":  n.EventType,
	}
	var msg string
	switch n.Event {
	case EventStatusChange:
		params["previous_status"] = n.PreviousStatus
		msg = fmt.Sprintf("status changed: %s -> %s", n.PreviousStatus, n.Status)
	default:
		msg = fmt.Sprintf("new intervention: %s / %s, %s (%s)", n.EventType, n.EventSubtype, n.Municipality, n.District)
	}
	sd := buildStructuredData(p.appName, params)
	if err := p.sender.SendRFC5424Timeout(p.appName, sd, msg, p.timeout); err != nil {
		return fmt.Errorf("syslog %s id=%d: %w", n.Event, n.InterventionID, err)
	}
	return nil
}
