package syncer

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"
)

const defaultAppName = "sirena"

type SyslogSender interface {
	SendRFC5424Timeout(appName string, structuredData string, message string, timeout time.Duration) error
}

// SyslogClient writes one RFC5424 line per connection over TCP.
type SyslogClient struct {
	addr string
}

func NewSyslogClient(addr string) *SyslogClient {
	return &SyslogClient{addr: addr}
}

func (c *SyslogClient) SendRFC5424Timeout(appName string, structuredData string, message string, timeout time.Duration) error {
	var (
		conn net.Conn
		err  error
	)
	if timeout > 0 {
		conn, err = net.DialTimeout("tcp", c.addr, timeout)
	} else {
		conn, err = net.Dial("tcp", c.addr)
	}
	if err != nil {
		return err
	}
	defer conn.Close()
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(formatRFC5424(time.Now(), appName, structuredData, message)); err != nil {
		return err
	}
	return w.Flush()
}

func formatRFC5424(now time.Time, appName string, structuredData string, message string) string {
	host, _ := os.Hostname()
	if host == "" {
		host = "-"
	}
	if appName == "" {
		appName = defaultAppName
	}
	if structuredData == "" {
		structuredData = "-"
	}
	pri := 134 // local0.info
	ts := now.UTC().Format(time.RFC3339Nano)
	return fmt.Sprintf("<%d>1 %s %s %s - - %s %s\n", pri, ts, sanitizeSyslogToken(host), sanitizeSyslogToken(appName), structuredData, strings.TrimSpace(message))
}

func sanitizeSyslogToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	s = strings.ReplaceAll(s, " ", "_")
	return s
}

var sdPreferredOrder = []string{"event", "cycle", "id", "reported_at", "status", "previous_status", "state", "district", "event_type"}

// buildStructuredData renders one SD-ELEMENT. Known keys come first in a fixed
// order, the rest sorted; empty values are dropped.
func buildStructuredData(sdID string, kv map[string]string) string {
	if sdID == "" {
		sdID = defaultAppName
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(sdID)
	seen := make(map[string]struct{}, len(kv))
	writeParam := func(k, v string) {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=\"")
		b.WriteString(escapeSDParam(v))
		b.WriteString("\"")
	}
	for _, k := range sdPreferredOrder {
		v, ok := kv[k]
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		seen[k] = struct{}{}
		writeParam(k, v)
	}
	extraKeys := make([]string, 0, len(kv))
	for k, v := range kv {
		if _, ok := seen[k]; ok {
			continue
		}
		if strings.TrimSpace(v) == "" {
			continue
		}
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		writeParam(k, kv[k])
	}
	b.WriteString("]")
	return b.String()
}

func escapeSDParam(v string) string {
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "]", "\\]")
	v = strings.ReplaceAll(v, "\n", " ")
	v = strings.ReplaceAll(v, "\r", " ")
	return v
}
