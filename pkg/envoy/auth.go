package envoy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/envoymon/envoymon/pkg/log"
	"github.com/golang-jwt/jwt/v4"
)

// authenticate runs the two-step cloud exchange that yields a token the
// local gateway accepts: log in to Enlighten for a session, then trade the
// session for a gateway token scoped to our serial number. Callers must
// hold the write lock.
func (c *Client) authenticate(ctx context.Context) (string, error) {
	log.Ctx(ctx).DebugContext(ctx, "logging in to enlighten", slog.String("username", c.username))
	sessionID, err := c.cloudLogin(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "enlighten login failed", slog.Any("error", err))
		return "", err
	}

	tok, err := c.issueToken(ctx, sessionID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "token issuance failed", slog.Any("error", err))
		return "", err
	}
	log.Ctx(ctx).DebugContext(ctx, "issued gateway token", slog.String("serial", c.serial))
	return tok, nil
}

func (c *Client) cloudLogin(ctx context.Context) (string, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("user[email]", c.username); err != nil {
		return "", err
	}
	if err := form.WriteField("user[password]", c.password); err != nil {
		return "", err
	}
	if err := form.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.loginURL, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.cloud.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%w: status %d", ErrCloudLogin, resp.StatusCode)
	}

	var res loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if res.SessionID == "" {
		return "", fmt.Errorf("%w: missing session_id", ErrMalformedResponse)
	}
	return res.SessionID, nil
}

func (c *Client) issueToken(ctx context.Context, sessionID string) (string, error) {
	body, err := json.Marshal(tokenRequest{
		SessionID: sessionID,
		Username:  c.username,
		SerialNum: c.serial,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cloud.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%w: status %d", ErrTokenIssuance, resp.StatusCode)
	}

	// the body is the token itself, not JSON
	return strings.ToValidUTF8(string(raw), "�"), nil
}

// tokenExpiry pulls the exp claim out of the token without verifying the
// signature, which we couldn't do anyway without Enphase's keys. Tokens
// that don't parse as a JWT get a zero expiry and are kept until the
// gateway rejects them.
func tokenExpiry(raw string) time.Time {
	tok, _, err := new(jwt.Parser).ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return time.Time{}
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}
	}
	return time.Unix(int64(exp), 0)
}

// Internal Structs

type loginResponse struct {
	SessionID string `json:"session_id"`
}

type tokenRequest struct {
	SessionID string `json:"session_id"`
	Username  string `json:"username"`
	SerialNum string `json:"serial_num"`
}
