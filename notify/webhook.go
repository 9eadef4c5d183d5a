package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"time"
)

// WebhookSink POSTs notifications to an HTTP endpoint as JSON. When a
// secret is configured the body is signed the same way incoming push
// hooks are, so receivers can verify who's calling them.
type WebhookSink struct {
	url    string
	secret []byte
	client *http.Client
}

// NewWebhookSink returns a WebhookSink delivering to url. Pass a nil
// secret to skip signing.
func NewWebhookSink(url string, secret []byte) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Notify delivers the notification. Any response outside the 2xx range
// counts as a failed delivery.
func (s *WebhookSink) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if len(s.secret) > 0 {
		mac := hmac.New(sha256.New, s.secret)
		mac.Write(body)
		req.Header.Set("X-Convey-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(ioutil.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification endpoint returned %v", resp.Status)
	}

	return nil
}
