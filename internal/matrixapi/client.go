// Package matrixapi is the thin HTTP shim the Bridging Engine calls
// through to reach the Matrix homeserver's client-server API: puppeted
// event sends, redactions, membership, and the media repo. It covers only
// the operations the engine invokes.
package matrixapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/feishu-matrix/bridge/internal/media"
)

// Client is the bridge's puppet-capable handle onto one Matrix
// homeserver's application-service surface.
type Client struct {
	homeserverURL string
	accessToken   string
	httpClient    *http.Client
	logger        *slog.Logger
}

// Config is the subset of Matrix connection details the client needs.
type Config struct {
	HomeserverURL string
	AccessToken   string
}

// New constructs a Client for the application-service access token.
func New(log *slog.Logger, cfg Config) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		homeserverURL: strings.TrimRight(cfg.HomeserverURL, "/"),
		accessToken:   cfg.AccessToken,
		httpClient:    &http.Client{Timeout: 60 * time.Second},
		logger:        log.With(slog.String("component", "matrixapi")),
	}
}

// SentEvent is the result of a successful event send.
type SentEvent struct {
	EventID string
}

// SendEvent sends a state-less room event (m.room.message) as userID,
// puppeted via the application-service "user_id" query parameter. txnID
// gives Matrix's own idempotent-PUT semantics; a deterministic id makes
// retries safe.
func (c *Client) SendEvent(ctx context.Context, roomID, userID, eventType string, content any, txnID string) (SentEvent, error) {
	if txnID == "" {
		txnID = uuid.NewString()
	}
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s", url.PathEscape(roomID), url.PathEscape(eventType), url.PathEscape(txnID))
	var out struct {
		EventID string `json:"event_id"`
	}
	if err := c.doAs(ctx, http.MethodPut, path, userID, content, &out); err != nil {
		return SentEvent{}, err
	}
	return SentEvent{EventID: out.EventID}, nil
}

// Redact sends m.room.redaction for eventID, mirroring a Feishu
// recall.
func (c *Client) Redact(ctx context.Context, roomID, userID, eventID, reason, txnID string) (SentEvent, error) {
	if txnID == "" {
		txnID = uuid.NewString()
	}
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/redact/%s/%s", url.PathEscape(roomID), url.PathEscape(eventID), url.PathEscape(txnID))
	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}
	var out struct {
		EventID string `json:"event_id"`
	}
	if err := c.doAs(ctx, http.MethodPut, path, userID, body, &out); err != nil {
		return SentEvent{}, err
	}
	return SentEvent{EventID: out.EventID}, nil
}

// SetMembership joins or leaves userID from roomID, used to synthesize
// Matrix membership changes for im.chat.member.user.added_v1/deleted_v1.
func (c *Client) SetMembership(ctx context.Context, roomID, userID, membership string) error {
	switch membership {
	case "join":
		return c.Join(ctx, roomID, userID)
	case "leave", "kick":
		path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/leave", url.PathEscape(roomID))
		return c.doAs(ctx, http.MethodPost, path, userID, map[string]string{}, nil)
	default:
		return fmt.Errorf("matrixapi: unsupported membership %q", membership)
	}
}

// Join joins userID to roomID, registering the puppet user first if the
// homeserver reports it does not exist yet.
func (c *Client) Join(ctx context.Context, roomID, userID string) error {
	if err := c.ensureRegistered(ctx, userID); err != nil {
		return err
	}
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/join", url.PathEscape(roomID))
	return c.doAs(ctx, http.MethodPost, path, userID, map[string]string{}, nil)
}

func (c *Client) ensureRegistered(ctx context.Context, userID string) error {
	localpart := localpartOf(userID)
	if localpart == "" {
		return nil
	}
	body := map[string]any{"type": "m.login.application_service", "username": localpart}
	var out struct{}
	err := c.doAs(ctx, http.MethodPost, "/_matrix/client/v3/register", "", body, &out)
	if err != nil && !isAlreadyRegistered(err) {
		return err
	}
	return nil
}

func isAlreadyRegistered(err error) bool {
	var apiErr *Error
	return asError(err, &apiErr) && apiErr.ErrCode == "M_USER_IN_USE"
}

func localpartOf(userID string) string {
	if !strings.HasPrefix(userID, "@") {
		return ""
	}
	rest := userID[1:]
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// UploadMedia uploads bytes to the homeserver's content repository and
// returns the resulting mxc:// URI.
func (c *Client) UploadMedia(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	q := url.Values{}
	if filename != "" {
		q.Set("filename", filename)
	}
	u := c.homeserverURL + "/_matrix/media/v3/upload?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Content-Length", strconv.Itoa(len(data)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("matrixapi: upload media: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		ContentURI string `json:"content_uri"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return "", err
	}
	return out.ContentURI, nil
}

// DownloadMedia fetches an mxc:// resource's bytes and content type.
func (c *Client) DownloadMedia(ctx context.Context, mxcURI string) ([]byte, string, error) {
	serverName, mediaID, ok := parseMXC(mxcURI)
	if !ok {
		return nil, "", fmt.Errorf("matrixapi: invalid mxc uri %q", mxcURI)
	}
	path := fmt.Sprintf("/_matrix/media/v3/download/%s/%s", url.PathEscape(serverName), url.PathEscape(mediaID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.homeserverURL+path, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("matrixapi: download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, "", parseErrorBody(resp)
	}
	data, err := media.ReadAllWithLimit(resp.Body, media.MaxAssetBytes)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func parseMXC(uri string) (serverName, mediaID string, ok bool) {
	const prefix = "mxc://"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", false
	}
	rest := uri[len(prefix):]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (c *Client) doAs(ctx context.Context, method, path, asUserID string, body any, out any) error {
	u := c.homeserverURL + path
	q := url.Values{}
	if asUserID != "" {
		q.Set("user_id", asUserID)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return parseErrorBody(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		return parseErrorBody(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("matrixapi: decode response: %w", err)
	}
	return nil
}

// Error is a Matrix standard-error-response ({"errcode","error"}).
type Error struct {
	StatusCode int
	ErrCode    string `json:"errcode"`
	Err        string `json:"error"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("matrixapi: %d %s: %s", e.StatusCode, e.ErrCode, e.Err)
}

// TransientError wraps a transport-level failure (timeouts, connection
// refused) the caller should retry, mirroring feishuapi's taxonomy.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "matrixapi: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsRetryable reports whether a Matrix API error is worth retrying:
// 429/5xx and transport failures are, other 4xx are not.
func IsRetryable(err error) bool {
	var apiErr *Error
	if asError(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	var transient *TransientError
	return asError(err, &transient)
}

func asError[T error](err error, target *T) bool {
	for err != nil {
		if t, ok := err.(T); ok {
			*target = t
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func parseErrorBody(resp *http.Response) error {
	var apiErr Error
	apiErr.StatusCode = resp.StatusCode
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	return &apiErr
}
