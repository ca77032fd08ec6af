package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/itgoyo/faka-usdt/internal/domain"
	"gopkg.in/gomail.v2"
)

// DefaultPushBaseURL is the ServerChan API host
const DefaultPushBaseURL = "https://sctapi.ftqq.com"

const sendTimeout = 10 * time.Second

// Transport delivers a message over one channel
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// PushTransport posts to a ServerChan-style push API
type PushTransport struct {
	baseURL string
	key     string
	http    *resty.Client
}

// NewPushTransport creates a push transport for key
func NewPushTransport(baseURL, key string) *PushTransport {
	if baseURL == "" {
		baseURL = DefaultPushBaseURL
	}
	return &PushTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		http:    resty.New().SetTimeout(sendTimeout),
	}
}

func (t *PushTransport) Name() string { return "push" }

type pushResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (t *PushTransport) Send(ctx context.Context, msg Message) error {
	var out pushResponse
	resp, err := t.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{"title": msg.Title, "desp": msg.Text}).
		SetResult(&out).
		ForceContentType("application/json").
		Post(fmt.Sprintf("%s/%s.send", t.baseURL, t.key))
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("push returned http %d", resp.StatusCode())
	}
	if out.Code != 0 {
		return fmt.Errorf("push rejected: code %d: %s", out.Code, out.Message)
	}
	return nil
}

// MailTransport sends HTML mail over SMTP
type MailTransport struct {
	dialer *gomail.Dialer
	from   string
	to     string
}

// NewMailTransport creates a mail transport. Port 465 uses implicit TLS.
func NewMailTransport(host string, port int, user, pass, to string) *MailTransport {
	d := gomail.NewDialer(host, port, user, pass)
	d.SSL = port == domain.SMTPSPort
	return &MailTransport{dialer: d, from: user, to: to}
}

func (t *MailTransport) Name() string { return "mail" }

func (t *MailTransport) Send(ctx context.Context, msg Message) error {
	m := gomail.NewMessage()
	m.SetHeader("From", t.from)
	m.SetHeader("To", t.to)
	m.SetHeader("Subject", msg.Title)
	m.SetBody("text/html", msg.HTML)

	// gomail has no context support; bound the send from the outside
	done := make(chan error, 1)
	go func() { done <- t.dialer.DialAndSend(m) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send mail: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send mail: %w", ctx.Err())
	}
}

// TransportsFor returns a transport for every channel the settings enable
func TransportsFor(st domain.Settings, pushBaseURL string) []Transport {
	var out []Transport
	if st.PushEnabled() {
		out = append(out, NewPushTransport(pushBaseURL, st.PushKey))
	}
	if st.MailEnabled() {
		out = append(out, NewMailTransport(st.EmailHost, st.EmailPort, st.EmailUser, st.EmailPass, st.EmailTo))
	}
	return out
}
