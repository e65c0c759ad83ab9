package mail

import (
	"fmt"
	"log"
	"net/smtp"

	"github.com/quillchat/quillchat/internal/pkg/env"
)

// SendMail sends an email via SMTP
func SendMail(to string, subject string, body string) error {
	host := env.GetEnv("SMTP_HOST", "")
	port := env.GetEnv("SMTP_PORT", "")
	username := env.GetEnv("SMTP_USERNAME", "")
	password := env.GetEnv("SMTP_PASSWORD", "")
	sender := env.GetEnv("SMTP_SENDER", "")

	if sender == "" {
		sender = fmt.Sprintf("no-reply@%s", "localhost")
		log.Printf("SMTP_SENDER not set, using default sender: %s", sender)
	}

	var auth smtp.Auth
	if username != "" && password != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}

	addr := fmt.Sprintf("%s:%s", host, port)

	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", sender, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)

	err := smtp.SendMail(addr, auth, sender, []string{to}, msg)
	if err != nil {
		log.Printf("SMTP send error: %v", err)
	} else {
		log.Printf("Email sent to %s via %s", to, addr)
	}
	return err
}

// SendPaymentFailedMail notifies a user that their subscription payment
// failed and the grace period is running.
func SendPaymentFailedMail(to string, graceDays int) error {
	subject := "Your QuillChat payment failed"
	body := fmt.Sprintf(
		"<p>We could not collect your latest QuillChat Pro payment.</p>"+
			"<p>Your Pro access stays active for %d more days while we retry. "+
			"Please update your payment method in the billing portal to keep it.</p>",
		graceDays,
	)
	return SendMail(to, subject, body)
}
