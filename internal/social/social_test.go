package social

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

// fakeVRChat emulates the handful of endpoints the client calls.
type fakeVRChat struct {
	t         *testing.T
	twoFactor string // "", "emailOtp", "totp"

	mu       sync.Mutex
	verified bool
	accepted []string
	invites  []map[string]any
	agent    string
}

func (f *fakeVRChat) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/user", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.agent = r.Header.Get("User-Agent")

		if c, err := r.Cookie("auth"); err == nil && c.Value == "authcookie_ok" && (f.twoFactor == "" || f.verified) {
			json.NewEncoder(w).Encode(map[string]string{"id": "usr_bot", "displayName": "Tigerbee"})
			return
		}

		want := "Basic " + base64.StdEncoding.EncodeToString([]byte("bot%40example.com:p%40ss"))
		if r.Header.Get("Authorization") != want {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"message":"Invalid Username/Email or Password"}}`))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "auth", Value: "authcookie_ok", Path: "/"})
		if f.twoFactor != "" {
			json.NewEncoder(w).Encode(map[string][]string{"requiresTwoFactorAuth": {f.twoFactor}})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "usr_bot", "displayName": "Tigerbee"})
	})
	mux.HandleFunc("POST /auth/twofactorauth/{method}/verify", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Code string }
		json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		defer f.mu.Unlock()
		wantMethod := strings.ToLower(f.twoFactor)
		ok := r.PathValue("method") == wantMethod && body.Code == "123456"
		f.verified = ok
		json.NewEncoder(w).Encode(map[string]bool{"verified": ok})
	})
	mux.HandleFunc("GET /auth/user/notifications", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Notification{
			{ID: "not_1", Type: "friendRequest", SenderUserID: "usr_a", SenderUsername: "Alice"},
			{ID: "not_2", Type: "invite", SenderUserID: "usr_b", SenderUsername: "Bob"},
		})
	})
	mux.HandleFunc("PUT /auth/user/notifications/{id}/accept", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.accepted = append(f.accepted, r.PathValue("id"))
		w.Write([]byte(`{"success":{"message":"ok"}}`))
	})
	mux.HandleFunc("POST /groups/{group}/invites", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		body["group"] = r.PathValue("group")
		f.mu.Lock()
		defer f.mu.Unlock()
		f.invites = append(f.invites, body)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeVRChat, password string) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, "bot@example.com", password, "TigerbeeTest/1.0 ops@example.com", discard())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestLogin(t *testing.T) {
	tests := []struct {
		name      string
		twoFactor string
		wantQ     string
	}{
		{name: "no two factor"},
		{name: "email code", twoFactor: "emailOtp", wantQ: "Email 2FA Code: "},
		{name: "authenticator code", twoFactor: "totp", wantQ: "2FA Code: "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeVRChat{t: t, twoFactor: tt.twoFactor}
			c := newTestClient(t, f, "p@ss")

			var asked []string
			prompt := func(_ context.Context, q string) (string, error) {
				asked = append(asked, q)
				return "123456", nil
			}

			u, err := c.Login(context.Background(), prompt)
			if err != nil {
				t.Fatalf("Login() error: %v", err)
			}
			if u.DisplayName != "Tigerbee" {
				t.Errorf("DisplayName = %q", u.DisplayName)
			}
			if tt.wantQ == "" && len(asked) != 0 {
				t.Errorf("prompted %q without a challenge", asked)
			}
			if tt.wantQ != "" && !slices.Equal(asked, []string{tt.wantQ}) {
				t.Errorf("prompted %q, want %q", asked, tt.wantQ)
			}
			if c.AuthToken() != "authcookie_ok" {
				t.Errorf("AuthToken() = %q", c.AuthToken())
			}
			if f.agent != "TigerbeeTest/1.0 ops@example.com" {
				t.Errorf("User-Agent = %q", f.agent)
			}
			if err := c.Ping(context.Background()); err != nil {
				t.Errorf("Ping() after login: %v", err)
			}
		})
	}
}

func TestLoginBadPassword(t *testing.T) {
	c := newTestClient(t, &fakeVRChat{t: t}, "wrong")
	if _, err := c.Login(context.Background(), nil); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Login() error = %v, want ErrUnauthorized", err)
	}
}

func TestLoginWrongCode(t *testing.T) {
	c := newTestClient(t, &fakeVRChat{t: t, twoFactor: "totp"}, "p@ss")
	prompt := func(context.Context, string) (string, error) { return "000000", nil }
	if _, err := c.Login(context.Background(), prompt); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Login() error = %v, want ErrUnauthorized", err)
	}
}

func TestLoginChallengeWithoutPrompt(t *testing.T) {
	c := newTestClient(t, &fakeVRChat{t: t, twoFactor: "totp"}, "p@ss")
	if _, err := c.Login(context.Background(), nil); err == nil {
		t.Error("expected error when a code is required and no prompt is set")
	}
}

type stringSet map[string]bool

func (s stringSet) IsFiltered(text string) bool { return s[text] }

type lines struct {
	mu  sync.Mutex
	got []string
}

func (l *lines) Send(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, text)
}

func (l *lines) Speak(_ context.Context, text string) { l.Send(text) }

func TestGreeterPollOverHTTP(t *testing.T) {
	f := &fakeVRChat{t: t}
	c := newTestClient(t, f, "p@ss")
	spoken, shown := &lines{}, &lines{}
	g := NewGreeter(c, stringSet{}, spoken, shown, nil, GreeterConfig{GroupID: "grp_test"}, discard())

	n, err := g.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if n != 1 {
		t.Errorf("accepted %d, want 1", n)
	}
	if !slices.Equal(f.accepted, []string{"not_1"}) {
		t.Errorf("accepted ids = %v", f.accepted)
	}
	want := []string{"thanks for friending me, Alice!"}
	if !slices.Equal(spoken.got, want) || !slices.Equal(shown.got, want) {
		t.Errorf("spoken %q shown %q, want %q", spoken.got, shown.got, want)
	}
	if len(f.invites) != 1 || f.invites[0]["userId"] != "usr_a" || f.invites[0]["confirmOverrideBlock"] != true || f.invites[0]["group"] != "grp_test" {
		t.Errorf("invites = %v", f.invites)
	}
}

type fakeAPI struct {
	notes     []Notification
	listErr   error
	acceptErr map[string]error
	accepted  []string
	invited   []string
}

func (f *fakeAPI) Notifications(context.Context) ([]Notification, error) {
	return f.notes, f.listErr
}

func (f *fakeAPI) AcceptFriendRequest(_ context.Context, id string) error {
	if err := f.acceptErr[id]; err != nil {
		return err
	}
	f.accepted = append(f.accepted, id)
	return nil
}

func (f *fakeAPI) InviteToGroup(_ context.Context, _, userID string) error {
	f.invited = append(f.invited, userID)
	return nil
}

func TestGreeterFiltersNamesAndSkipsFailures(t *testing.T) {
	api := &fakeAPI{
		notes: []Notification{
			{ID: "1", Type: NotificationFriendRequest, SenderUserID: "u1", SenderUsername: "rude_name"},
			{ID: "2", Type: NotificationFriendRequest, SenderUserID: "u2", SenderUsername: "Carol"},
			{ID: "3", Type: NotificationFriendRequest, SenderUserID: "u3", SenderUsername: "Dave"},
		},
		acceptErr: map[string]error{"2": errors.New("already friends")},
	}
	shown := &lines{}
	g := NewGreeter(api, stringSet{"rude_name": true}, nil, shown, nil, GreeterConfig{}, discard())

	n, err := g.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("accepted %d, want 2", n)
	}
	if !slices.Equal(shown.got, []string{"thanks for friending me, Dave!"}) {
		t.Errorf("shown = %q", shown.got)
	}
	if len(api.invited) != 0 {
		t.Errorf("invited %v with no group configured", api.invited)
	}
}

func TestGreeterPollError(t *testing.T) {
	api := &fakeAPI{listErr: errors.New("503")}
	g := NewGreeter(api, nil, nil, nil, nil, GreeterConfig{}, discard())
	if _, err := g.Poll(context.Background()); err == nil {
		t.Error("expected poll error")
	}
}

func TestGreeterRunWakesEarly(t *testing.T) {
	api := &fakeAPI{notes: []Notification{{ID: "1", Type: NotificationFriendRequest, SenderUsername: "Eve"}}}
	shown := &lines{}
	g := NewGreeter(api, nil, nil, shown, nil, GreeterConfig{Interval: time.Hour}, discard())

	ctx, cancel := context.WithCancel(context.Background())
	wake := make(chan struct{})
	done := make(chan struct{})
	go func() {
		g.Run(ctx, wake)
		close(done)
	}()

	wake <- struct{}{}
	deadline := time.Now().Add(time.Second)
	for {
		shown.mu.Lock()
		n := len(shown.got)
		shown.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("wake did not trigger a poll")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
}

func TestPipelineSignalsOnNotification(t *testing.T) {
	tokens := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("authToken")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"friend-online","content":"{}"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"notification","content":"{}"}`))
		// Hold the connection until the client goes away.
		conn.ReadMessage()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	p := NewPipeline(wsURL, func() string { return "authcookie_ok" }, "test", discard())

	ctx, cancel := context.WithCancel(context.Background())
	wake := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		p.Run(ctx, wake)
		close(done)
	}()

	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatal("no wake signal for notification event")
	}
	if tok := <-tokens; tok != "authcookie_ok" {
		t.Errorf("authToken = %q", tok)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
