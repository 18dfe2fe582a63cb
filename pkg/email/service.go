package email

import (
	"fmt"
	"log"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Service handles email sending. Without an API key it logs instead of
// sending, which is what development and tests use.
type Service struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
}

// NewService creates a new email service
func NewService(apiKey, fromEmail, fromName string) *Service {
	s := &Service{
		fromEmail: fromEmail,
		fromName:  fromName,
	}
	if apiKey != "" {
		s.client = sendgrid.NewSendClient(apiKey)
	}
	return s
}

// SendPaymentFailedNotice sends dunning notification number n of max
func (s *Service) SendPaymentFailedNotice(toEmail, orgName string, n, max int) error {
	subject := fmt.Sprintf("Payment issue for %s — action needed", orgName)
	plain := fmt.Sprintf(
		"Hi,\n\nWe could not collect payment for %s. Please update your payment method to keep your subscription active.\n\nThis is reminder %d of %d before the account is paused.\n\nThanks,\nThe Tally Team",
		orgName, n, max)
	return s.send(toEmail, subject, plain)
}

// SendGraceExpiringNotice warns that the grace period is about to end
func (s *Service) SendGraceExpiringNotice(toEmail, orgName string, deadline time.Time) error {
	subject := fmt.Sprintf("Final notice: %s will be paused soon", orgName)
	plain := fmt.Sprintf(
		"Hi,\n\nPayment for %s is still failing. Access will be paused on %s unless the payment method is updated.\n\nThanks,\nThe Tally Team",
		orgName, deadline.Format("January 2, 2006"))
	return s.send(toEmail, subject, plain)
}

// SendSuspensionNotice informs the organization it has been paused
func (s *Service) SendSuspensionNotice(toEmail, orgName string) error {
	subject := fmt.Sprintf("%s has been paused", orgName)
	plain := fmt.Sprintf(
		"Hi,\n\nAccess for %s has been paused after repeated payment failures. Your data is safe; updating the payment method restores access immediately.\n\nThanks,\nThe Tally Team",
		orgName)
	return s.send(toEmail, subject, plain)
}

func (s *Service) send(toEmail, subject, plain string) error {
	if s.client == nil {
		log.Printf("📧 [EMAIL] To: %s", toEmail)
		log.Printf("   Subject: %s", subject)
		log.Printf("   Body: %s", plain)
		return nil
	}

	from := mail.NewEmail(s.fromName, s.fromEmail)
	to := mail.NewEmail("", toEmail)
	message := mail.NewSingleEmail(from, subject, to, plain, "")

	resp, err := s.client.Send(message)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid returned status %d", resp.StatusCode)
	}
	return nil
}
