package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/devblac/wallet-sync/internal/config"
	"github.com/devblac/wallet-sync/internal/event"
	"github.com/devblac/wallet-sync/internal/logging"
	"github.com/devblac/wallet-sync/internal/preload"
)

const (
	KindEvent   = "event"
	KindPreload = "preload"
)

// Notification is the data passed to sinks: either a live event or a preload status change.
type Notification struct {
	Kind    string
	Network string
	Domain  string
	User    string

	Type     string
	Block    uint64
	TxHash   string
	LogIndex uint
	Records  []string
	Args     map[string]any

	Ready    []string
	Pending  []string
	Running  bool
	CacheAge time.Duration
}

// FromRecord builds an event notification.
func FromRecord(network, domain, user string, r event.Record) Notification {
	n := Notification{
		Kind:     KindEvent,
		Network:  network,
		Domain:   domain,
		User:     user,
		Type:     r.Type.String(),
		Block:    r.Block,
		TxHash:   r.TxHash.Hex(),
		LogIndex: r.LogIndex,
	}
	if r.Payload != nil {
		n.Args = r.Payload.Args()
		for _, id := range r.Payload.Records() {
			n.Records = append(n.Records, string(id))
		}
	}
	return n
}

// FromStatus builds a preload notification with domains split by readiness.
func FromStatus(st preload.Status) Notification {
	n := Notification{Kind: KindPreload, User: st.User, Running: st.IsRunning, CacheAge: st.CacheAge}
	for id, ok := range st.PerDomainReady {
		if ok {
			n.Ready = append(n.Ready, id)
		} else {
			n.Pending = append(n.Pending, id)
		}
	}
	sort.Strings(n.Ready)
	sort.Strings(n.Pending)
	return n
}

type Sender interface {
	Send(ctx context.Context, n Notification) error
}

type httpSender struct {
	url     string
	method  string
	render  *template.Template
	client  *http.Client
	headers map[string]string
}

// NewWebhookSender builds a generic HTTP sink.
func NewWebhookSender(url, method, tmpl string, headers map[string]string) (Sender, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	return &httpSender{
		url:     url,
		method:  strings.ToUpper(method),
		render:  t,
		client:  defaultClient(),
		headers: headers,
	}, nil
}

// NewSlackSender builds a Slack-compatible webhook sink.
func NewSlackSender(url, tmpl string) (Sender, error) {
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

// NewTeamsSender builds a Teams-compatible webhook sink.
func NewTeamsSender(url, tmpl string) (Sender, error) {
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

func (s *httpSender) Send(ctx context.Context, n Notification) error {
	bodyStr, err := executeTemplate(s.render, n)
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(map[string]string{
		"text": bodyStr,
	})
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink http status %d", resp.StatusCode)
	}
	return nil
}

// Build creates one sender per configured sink, keyed by sink id.
func Build(sinks []config.Sink) (map[string]Sender, error) {
	out := make(map[string]Sender, len(sinks))
	for _, s := range sinks {
		var (
			sender Sender
			err    error
		)
		switch strings.ToLower(s.Type) {
		case "slack":
			sender, err = NewSlackSender(s.WebhookURL, s.Template)
		case "teams":
			sender, err = NewTeamsSender(s.WebhookURL, s.Template)
		case "webhook":
			sender, err = NewWebhookSender(s.URL, s.Method, s.Template, nil)
		default:
			err = fmt.Errorf("unsupported sink type %q", s.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", s.ID, err)
		}
		out[s.ID] = sender
	}
	return out, nil
}

// Notifier delivers each notification to every sender. Failures are logged, never returned.
type Notifier struct {
	senders map[string]Sender
	ids     []string
	logger  *slog.Logger
	dryRun  bool
}

// NewNotifier wraps a set of senders. With dryRun set, notifications are only logged.
func NewNotifier(senders map[string]Sender, logger *slog.Logger, dryRun bool) *Notifier {
	if logger == nil {
		logger = logging.Discard()
	}
	ids := make([]string, 0, len(senders))
	for id := range senders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &Notifier{senders: senders, ids: ids, logger: logger.With("component", "sink"), dryRun: dryRun}
}

// Notify sends n to all sinks and returns how many accepted it.
func (n *Notifier) Notify(ctx context.Context, msg Notification) int {
	if n == nil {
		return 0
	}
	if n.dryRun {
		n.logger.Info("dry-run notification", "kind", msg.Kind, "domain", msg.Domain, "type", msg.Type, "tx", msg.TxHash)
		return 0
	}
	sent := 0
	for _, id := range n.ids {
		if err := n.senders[id].Send(ctx, msg); err != nil {
			n.logger.Warn("sink delivery failed", "sink", id, "kind", msg.Kind, "err", err)
			continue
		}
		sent++
	}
	return sent
}

func parseTemplate(tmpl string) (*template.Template, error) {
	if tmpl == "" {
		tmpl = `{{if eq .Kind "preload"}}PRELOAD {{.User}} ready={{join .Ready}} pending={{join .Pending}}{{else}}EVENT {{.Domain}} {{.Type}} {{.TxHash}}{{end}}`
	}
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"short_addr": func(addr string) string {
			if len(addr) <= 10 {
				return addr
			}
			return addr[:6] + "..." + addr[len(addr)-4:]
		},
		"join": func(items []string) string { return strings.Join(items, ",") },
	}
	return template.New("msg").Funcs(funcs).Parse(tmpl)
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 8 * time.Second,
	}
}
