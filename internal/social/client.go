// Package social connects the agent to its VRChat account: it logs in
// (including the two-factor challenge), accepts incoming friend
// requests, greets new friends, and invites them to a group.
package social

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"slices"
	"time"

	"github.com/nugget/tigerbee/internal/httpkit"
)

// DefaultBaseURL is the VRChat REST API root.
const DefaultBaseURL = "https://api.vrchat.cloud/api/1"

// ErrUnauthorized is returned when the API rejects the credentials.
var ErrUnauthorized = errors.New("vrchat: unauthorized")

// CodePrompter asks the operator for a two-factor code.
type CodePrompter func(ctx context.Context, question string) (string, error)

// User is the logged-in account.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Notification is one entry from the account's notification list.
type Notification struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	SenderUserID   string `json:"senderUserId"`
	SenderUsername string `json:"senderUsername"`
}

// NotificationFriendRequest is the type of an incoming friend request.
const NotificationFriendRequest = "friendRequest"

// Client is a minimal VRChat API client. It authenticates with the
// session cookie the API issues on login.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	jar        http.CookieJar
	logger     *slog.Logger
}

// NewClient creates a client. The API requires a descriptive
// User-Agent with contact details.
func NewClient(baseURL, username, password, userAgent string, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithUserAgent(userAgent),
			httpkit.WithCookieJar(jar),
		),
		jar:    jar,
		logger: logger,
	}, nil
}

// currentUser is the /auth/user response: either the account or a
// list of pending two-factor methods.
type currentUser struct {
	User
	RequiresTwoFactorAuth []string `json:"requiresTwoFactorAuth"`
}

// Login authenticates, satisfying a two-factor challenge through
// prompt when the account has one.
func (c *Client) Login(ctx context.Context, prompt CodePrompter) (*User, error) {
	var cu currentUser
	if err := c.do(ctx, http.MethodGet, "/auth/user", nil, &cu, true); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	if len(cu.RequiresTwoFactorAuth) > 0 {
		method, question := "totp", "2FA Code: "
		if slices.Contains(cu.RequiresTwoFactorAuth, "emailOtp") {
			method, question = "emailotp", "Email 2FA Code: "
		}
		if prompt == nil {
			return nil, fmt.Errorf("login: %s two-factor code required but no prompt available", method)
		}

		code, err := prompt(ctx, question)
		if err != nil {
			return nil, fmt.Errorf("read two-factor code: %w", err)
		}

		var verified struct {
			Verified bool `json:"verified"`
		}
		body := map[string]string{"code": code}
		if err := c.do(ctx, http.MethodPost, "/auth/twofactorauth/"+method+"/verify", body, &verified, false); err != nil {
			return nil, fmt.Errorf("verify two-factor code: %w", err)
		}
		if !verified.Verified {
			return nil, fmt.Errorf("verify two-factor code: %w", ErrUnauthorized)
		}

		cu = currentUser{}
		if err := c.do(ctx, http.MethodGet, "/auth/user", nil, &cu, false); err != nil {
			return nil, fmt.Errorf("login after two-factor: %w", err)
		}
	}

	if cu.ID == "" {
		return nil, fmt.Errorf("login: %w", ErrUnauthorized)
	}
	c.logger.Info("logged in to vrchat", "display_name", cu.DisplayName)
	return &cu.User, nil
}

// Ping checks that the session is still valid.
func (c *Client) Ping(ctx context.Context) error {
	var cu currentUser
	if err := c.do(ctx, http.MethodGet, "/auth/user", nil, &cu, false); err != nil {
		return err
	}
	if cu.ID == "" {
		return ErrUnauthorized
	}
	return nil
}

// Notifications lists the account's pending notifications.
func (c *Client) Notifications(ctx context.Context) ([]Notification, error) {
	var out []Notification
	if err := c.do(ctx, http.MethodGet, "/auth/user/notifications", nil, &out, false); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}

// AcceptFriendRequest accepts the friend request notification id.
func (c *Client) AcceptFriendRequest(ctx context.Context, id string) error {
	path := "/auth/user/notifications/" + url.PathEscape(id) + "/accept"
	if err := c.do(ctx, http.MethodPut, path, nil, nil, false); err != nil {
		return fmt.Errorf("accept friend request %s: %w", id, err)
	}
	return nil
}

// InviteToGroup invites userID to groupID, overriding the user's block
// on group invites.
func (c *Client) InviteToGroup(ctx context.Context, groupID, userID string) error {
	body := map[string]any{"userId": userID, "confirmOverrideBlock": true}
	path := "/groups/" + url.PathEscape(groupID) + "/invites"
	if err := c.do(ctx, http.MethodPost, path, body, nil, false); err != nil {
		return fmt.Errorf("invite %s to group: %w", userID, err)
	}
	return nil
}

// AuthToken returns the session cookie value, used to open the
// pipeline websocket. Empty before login.
func (c *Client) AuthToken() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	for _, ck := range c.jar.Cookies(u) {
		if ck.Name == "auth" {
			return ck.Value
		}
	}
	return ""
}

func (c *Client) do(ctx context.Context, method, path string, body, result any, basicAuth bool) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if basicAuth {
		req.Header.Set("Authorization", "Basic "+basicCredentials(c.username, c.password))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrUnauthorized, httpkit.ReadErrorBody(resp.Body, 512))
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// basicCredentials encodes credentials the way the API expects: each
// part URL-encoded before base64.
func basicCredentials(username, password string) string {
	raw := url.QueryEscape(username) + ":" + url.QueryEscape(password)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}
