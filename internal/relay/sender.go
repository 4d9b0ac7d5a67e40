package relay

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const maxErrorBody = 256

// HTTPSender posts form-encoded messages with go-resty.
//
// Request: POST <destination URL>, form body token=<destination token>&message=<text>,
// browser-like User-Agent. No retries here; the worker owns the retry policy.
type HTTPSender struct {
	client *resty.Client
}

// NewHTTPSender builds a sender. timeout <= 0 leaves the request unbounded
// (it is still canceled with the worker context).
func NewHTTPSender(userAgent string, timeout time.Duration) *HTTPSender {
	if strings.TrimSpace(userAgent) == "" {
		userAgent = DefaultUserAgent
	}
	c := resty.New().
		SetHeader("User-Agent", userAgent).
		SetRetryCount(0)
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return &HTTPSender{client: c}
}

func (s *HTTPSender) Send(ctx context.Context, d Destination, text string) error {
	res, err := s.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"token":   d.Token,
			"message": text,
		}).
		Post(d.URL)
	if err != nil {
		return fmt.Errorf("post to %s: %w", d.ID, err)
	}
	if res.StatusCode() != http.StatusOK {
		body := strings.TrimSpace(res.String())
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody-3] + "..."
		}
		return &StatusError{Code: res.StatusCode(), Body: body}
	}
	return nil
}
