package mail

import (
	"bytes"
	"fmt"
	"html/template"
	"math"
	"strings"
	"time"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// AppName appears in subjects and signatures.
const AppName = "NextStack"

const welcomeHTML = `<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
<h1 style="color: #f97316;">Welcome to {{.App}}!</h1>
<p>Hi {{.Name}},</p>
<p>Thank you for signing up! We're excited to have you on board.</p>
<p>You can now access all the features of our application:</p>
<ul>
<li>Google sign-in</li>
<li>Stripe payments</li>
<li>Email notifications</li>
</ul>
<p>If you have any questions, feel free to reach out to our support team.</p>
<p>Best regards,<br>The {{.App}} Team</p>
</div>`

const paymentConfirmationHTML = `<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
<h1 style="color: #f97316;">Payment Confirmation</h1>
<p>Hi {{.Name}},</p>
<p>Your payment has been successfully processed!</p>
<div style="background-color: #f3f4f6; padding: 20px; border-radius: 8px; margin: 20px 0;">
<h3>Payment Details:</h3>
<p><strong>Amount:</strong> {{.Amount}}</p>
<p><strong>Status:</strong> Completed</p>
<p><strong>Date:</strong> {{.Date}}</p>
</div>
<p>Thank you for your purchase!</p>
<p>Best regards,<br>The {{.App}} Team</p>
</div>`

var (
	welcomeTmpl             = template.Must(template.New("welcome").Parse(welcomeHTML))
	paymentConfirmationTmpl = template.Must(template.New("payment_confirmation").Parse(paymentConfirmationHTML))
)

// WelcomeEmail renders the sign-up welcome message.
func WelcomeEmail(to, name string) (Message, error) {
	body, err := render(welcomeTmpl, map[string]string{
		"App":  AppName,
		"Name": displayName(name),
	})
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:      to,
		Subject: fmt.Sprintf("Welcome to %s!", AppName),
		HTML:    body,
	}, nil
}

// PaymentConfirmationEmail renders the receipt sent after a completed checkout.
// amount is in minor units of currencyCode.
func PaymentConfirmationEmail(to, name string, amount int64, currencyCode string, paidAt time.Time) (Message, error) {
	body, err := render(paymentConfirmationTmpl, map[string]string{
		"App":    AppName,
		"Name":   displayName(name),
		"Amount": FormatAmount(amount, currencyCode),
		"Date":   paidAt.UTC().Format("January 2, 2006"),
	})
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:      to,
		Subject: "Payment Confirmation",
		HTML:    body,
	}, nil
}

// FormatAmount renders minor units as a decimal amount followed by the ISO
// code, e.g. 2999 usd -> "29.99 USD". The number of decimals follows the
// currency's standard scale; unknown codes assume two.
func FormatAmount(amount int64, currencyCode string) string {
	code := strings.ToUpper(strings.TrimSpace(currencyCode))
	scale := 2
	if unit, err := currency.ParseISO(code); err == nil {
		scale, _ = currency.Standard.Rounding(unit)
	}

	major := float64(amount) / math.Pow10(scale)
	p := message.NewPrinter(language.AmericanEnglish)
	formatted := p.Sprint(number.Decimal(major, number.Scale(scale)))
	if code == "" {
		return formatted
	}
	return formatted + " " + code
}

func displayName(name string) string {
	if name = strings.TrimSpace(name); name == "" {
		return "there"
	}
	return name
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", t.Name(), err)
	}
	return buf.String(), nil
}
