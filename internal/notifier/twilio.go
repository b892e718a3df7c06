package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TwilioNotifier delivers WhatsApp messages through the Twilio REST API.
// The contact address is the recipient's phone number (e.g. +1234567890).
type TwilioNotifier struct {
	accountSID string
	authToken  string
	from       string
	apiURL     string
	client     *http.Client
}

// NewTwilio creates a Twilio WhatsApp notifier.
func NewTwilio(accountSID, authToken, from string) (*TwilioNotifier, error) {
	if accountSID == "" || authToken == "" || from == "" {
		return nil, fmt.Errorf("twilio credentials are not fully configured")
	}

	return &TwilioNotifier{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		apiURL:     fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json", accountSID),
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// twilioError is the error envelope Twilio returns on failed requests.
type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Deliver sends the text to the recipient over WhatsApp.
func (t *TwilioNotifier) Deliver(ctx context.Context, address, text string) error {
	form := url.Values{}
	form.Set("From", "whatsapp:"+t.from)
	form.Set("To", "whatsapp:"+address)
	form.Set("Body", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("failed to create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.accountSID, t.authToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("failed to send request: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var apiErr twilioError
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	err = fmt.Errorf("twilio status %d (code %d): %s", resp.StatusCode, apiErr.Code, apiErr.Message)

	// Rate limiting and server errors are retryable; client errors such
	// as an invalid or unverified number are not.
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &TransientError{Err: err}
	}
	return &PermanentError{Err: err}
}
