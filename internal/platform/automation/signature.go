package automation

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// SignatureHeader carries the HMAC of outbound triggers and inbound callbacks.
const SignatureHeader = "X-Callback-Signature"

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature, optionally
// prefixed with "sha256=", matches the HMAC-SHA256 of payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// RequireSignature rejects requests whose body is not signed with secret.
// An empty secret disables the check. The body is restored for the handler.
func RequireSignature(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if secret == "" {
			return next
		}
		return func(c echo.Context) error {
			req := c.Request()
			body, err := io.ReadAll(req.Body)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
			}
			req.Body.Close()
			req.Body = io.NopCloser(bytes.NewReader(body))

			if !VerifySignature(body, secret, req.Header.Get(SignatureHeader)) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid callback signature")
			}
			return next(c)
		}
	}
}
