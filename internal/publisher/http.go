package publisher

import (
	"fmt"
	"io"
	"net/http"
)

// classifyResponse maps an HTTP status from a platform API onto a publish
// error. 2xx is success.
func classifyResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Code: resp.StatusCode, Message: "rate limited by platform", Retryable: true}
	case resp.StatusCode == http.StatusRequestTimeout:
		return &Error{Code: resp.StatusCode, Message: "platform timeout", Retryable: true}
	case resp.StatusCode >= 500:
		return &Error{Code: resp.StatusCode, Message: fmt.Sprintf("server error: %s", body), Retryable: true}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &Error{Code: resp.StatusCode, Message: "invalid or expired credentials"}
	default:
		return &Error{Code: resp.StatusCode, Message: fmt.Sprintf("rejected: %s", body)}
	}
}
