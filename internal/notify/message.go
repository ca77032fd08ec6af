package notify

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/itgoyo/faka-usdt/internal/domain"
)

// displayZone is the shop's local time for message timestamps
var displayZone = time.FixedZone("CST", 8*60*60)

// Message is one notification rendered for every transport
type Message struct {
	Title string
	Text  string // markdown-ish plain text for push
	HTML  string // mail body
}

type line struct{ label, value string }

func render(title string, lines []line) Message {
	var text, body strings.Builder
	fmt.Fprintf(&body, "<h3>%s</h3>\n", html.EscapeString(title))
	for _, l := range lines {
		fmt.Fprintf(&text, "- **%s**: %s\n", l.label, l.value)
		fmt.Fprintf(&body, "<p><b>%s:</b> %s</p>\n", html.EscapeString(l.label),
			strings.ReplaceAll(html.EscapeString(l.value), "\n", "<br>"))
	}
	return Message{Title: title, Text: strings.TrimSpace(text.String()), HTML: body.String()}
}

// CreatedMessage renders the new-order notification
func CreatedMessage(s domain.OrderSummary, at time.Time) Message {
	return render("[New order] "+s.OrderID, []line{
		{"Order", s.OrderID},
		{"Product", s.Title},
		{"Amount", s.Amount.String() + " USDT"},
		{"Time", at.In(displayZone).Format(time.DateTime)},
	})
}

// PaidMessage renders the payment-confirmed notification. Subscription
// orders also carry the forwarding configuration the operator has to set up.
func PaidMessage(s domain.OrderSummary, at time.Time) Message {
	lines := []line{
		{"Order", s.OrderID},
		{"Product", s.Title},
		{"Amount", s.Amount.String() + " USDT"},
		{"Status", "paid"},
		{"Time", at.In(displayZone).Format(time.DateTime)},
	}
	if tx := strings.TrimSpace(s.PaymentTx); tx != "" {
		lines = append(lines, line{"Transaction", tx})
	}
	if sub := s.Subscription; sub != nil {
		lines = append(lines,
			line{"Source channel", sub.SourceChannel},
			line{"Target channel", sub.TargetChannel},
			line{"Text replaces", replaceRules(sub.TextReplaces)},
			line{"Keywords", orNone(sub.Keywords)},
		)
		if sub.ContactID != "" {
			lines = append(lines, line{"Telegram ID", sub.ContactID})
		}
		if sub.Email != "" {
			lines = append(lines, line{"Email", sub.Email})
		}
	}
	return render("[Paid] "+s.OrderID, lines)
}

func replaceRules(rules []domain.TextReplace) string {
	if len(rules) == 0 {
		return "none"
	}
	parts := make([]string, len(rules))
	for i, r := range rules {
		parts[i] = r.From + " -> " + r.To
	}
	return strings.Join(parts, "\n")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
