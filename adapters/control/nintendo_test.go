package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"

	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/domain/repositories"
)

// fakeNintendo emulates the token endpoint and the parental-controls API.
type fakeNintendo struct {
	mu           sync.Mutex
	t            *testing.T
	sessionToken string
	logins       int
	limit        int
	conflict     bool
	devices      int
	expireOnPost bool
	expired      bool
}

func (f *fakeNintendo) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/connect/1.0.0/api/token":
		r.ParseForm()
		if r.PostForm.Get("session_token") != f.sessionToken {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.logins++
		f.expired = false
		idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "acc-42"}).
			SignedString([]byte("nintendo-key"))
		if err != nil {
			f.t.Errorf("Failed to sign id token: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-1",
			"id_token":     idToken,
			"expires_in":   900,
		})
	case f.expired || r.Header.Get("Authorization") != "Bearer access-1":
		w.WriteHeader(http.StatusUnauthorized)
	case r.Method == http.MethodGet && r.URL.Path == "/moon/v1/users/acc-42/devices":
		items := []map[string]any{}
		for i := 0; i < f.devices; i++ {
			items = append(items, map[string]any{
				"deviceId": "dev-" + string(rune('a'+i)),
				"label":    "Switch",
				"parentalControlSetting": map[string]any{
					"playTimerRegulations": map[string]any{
						"dailyRegulations": map[string]any{
							"timeToPlayInOneDay": map[string]any{"enableRestriction": true, "limitTime": f.limit},
						},
					},
				},
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"items": items})
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/moon/v1/devices/dev-a/"):
		if f.expireOnPost {
			f.expireOnPost = false
			f.expired = true
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			PlayTimerRegulations struct {
				DailyRegulations struct {
					TimeToPlayInOneDay struct {
						LimitTime int `json:"limitTime"`
					} `json:"timeToPlayInOneDay"`
				} `json:"dailyRegulations"`
			} `json:"playTimerRegulations"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		limit := body.PlayTimerRegulations.DailyRegulations.TimeToPlayInOneDay.LimitTime
		if f.conflict && limit == f.limit {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.limit = limit
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestNintendo(t *testing.T, fake *fakeNintendo) *Nintendo {
	t.Helper()
	fake.t = t
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	opts := DefaultNintendoOptions()
	opts.AccountsURL = server.URL
	opts.APIURL = server.URL + "/moon/v1"
	return NewNintendo(server.Client(), NewTokenCache(0, nil), opts,
		entities.ConnectionConfig{Token: "session-token"}, zaptest.NewLogger(t))
}

func consoleTarget(allowance time.Duration) repositories.ControlTarget {
	return repositories.ControlTarget{
		Category:  entities.CategoryConsole,
		Method:    entities.ControlNintendo,
		Allowance: allowance,
	}
}

func TestNintendo_EnableDisable(t *testing.T) {
	fake := &fakeNintendo{sessionToken: "session-token", devices: 2}
	adapter := newTestNintendo(t, fake)
	ctx := context.Background()

	if adapter.Status(ctx, consoleTarget(0)) {
		t.Error("Expected zero limit to report locked")
	}
	if !adapter.Enable(ctx, consoleTarget(60*time.Minute)) {
		t.Fatal("Expected enable to succeed")
	}
	if fake.limit != 60 {
		t.Errorf("Expected limit 60 minutes, got %d", fake.limit)
	}
	if !adapter.Status(ctx, consoleTarget(0)) {
		t.Error("Expected positive limit to report unlocked")
	}
	if !adapter.Disable(ctx, consoleTarget(0)) {
		t.Fatal("Expected disable to succeed")
	}
	if fake.limit != 0 {
		t.Errorf("Expected limit 0, got %d", fake.limit)
	}
	if fake.logins != 1 {
		t.Errorf("Expected access token to be reused, got %d logins", fake.logins)
	}
}

func TestNintendo_DisableConflictIsSuccess(t *testing.T) {
	fake := &fakeNintendo{sessionToken: "session-token", devices: 1, conflict: true}
	adapter := newTestNintendo(t, fake)

	if !adapter.Disable(context.Background(), consoleTarget(0)) {
		t.Error("Expected conflict on disable to count as success")
	}
}

func TestNintendo_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("NoDevices", func(t *testing.T) {
		adapter := newTestNintendo(t, &fakeNintendo{sessionToken: "session-token"})
		err := adapter.setLimit(ctx, consoleTarget(30*time.Minute), 30)
		if KindOf(err) != KindTargetNotFound {
			t.Errorf("Expected target not found, got %v", err)
		}
	})

	t.Run("BadSessionToken", func(t *testing.T) {
		adapter := newTestNintendo(t, &fakeNintendo{sessionToken: "other", devices: 1})
		err := adapter.setLimit(ctx, consoleTarget(30*time.Minute), 30)
		if KindOf(err) != KindAuthenticationFailed {
			t.Errorf("Expected authentication failure, got %v", err)
		}
	})

	t.Run("MissingToken", func(t *testing.T) {
		fake := &fakeNintendo{sessionToken: "session-token", devices: 1}
		adapter := newTestNintendo(t, fake)
		adapter.defaults.Token = ""
		if adapter.Enable(ctx, consoleTarget(30*time.Minute)) {
			t.Error("Expected enable to fail without token")
		}
		if fake.logins != 0 {
			t.Error("Expected no request without token")
		}
	})

	t.Run("ConflictOnEnableFails", func(t *testing.T) {
		fake := &fakeNintendo{sessionToken: "session-token", devices: 1, conflict: true, limit: 30}
		adapter := newTestNintendo(t, fake)
		if adapter.Enable(ctx, consoleTarget(30*time.Minute)) {
			t.Error("Expected conflict on enable to be reported as failure")
		}
	})
}

func TestNintendo_RevokedTokenOnSettingLogsInAgain(t *testing.T) {
	fake := &fakeNintendo{sessionToken: "session-token", devices: 1, expireOnPost: true}
	adapter := newTestNintendo(t, fake)
	ctx := context.Background()

	if adapter.Enable(ctx, consoleTarget(30*time.Minute)) {
		t.Error("Expected enable to fail when the setting update is unauthorized")
	}
	if !adapter.Enable(ctx, consoleTarget(30*time.Minute)) {
		t.Error("Expected enable to succeed after logging in again")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.logins != 2 {
		t.Errorf("Expected 2 logins, got %d", fake.logins)
	}
	if fake.limit != 30 {
		t.Errorf("Expected limit 30, got %d", fake.limit)
	}
}
