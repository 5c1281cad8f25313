package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/domain/repositories"
)

// NintendoOptions locates the parental-controls cloud service.
type NintendoOptions struct {
	AccountsURL string
	APIURL      string
	ClientID    string
	Timezone    string
	Language    string
}

// DefaultNintendoOptions returns the production endpoints.
func DefaultNintendoOptions() NintendoOptions {
	return NintendoOptions{
		AccountsURL: "https://accounts.nintendo.com",
		APIURL:      "https://api-lp1.pctl.srv.nintendo.net/moon/v1",
		ClientID:    "54789befb391a838",
		Timezone:    "Europe/Berlin",
		Language:    "de-DE",
	}
}

// Nintendo sets the daily play-time limit of the first console registered
// on a parental-controls account. Enabling grants the session's allowance,
// disabling sets the limit to zero.
type Nintendo struct {
	client   *http.Client
	tokens   *TokenCache
	opts     NintendoOptions
	defaults entities.ConnectionConfig
	now      func() time.Time
	logger   *zap.Logger
}

var _ repositories.DeviceController = (*Nintendo)(nil)

// NewNintendo creates the adapter. defaults.Token is the fallback
// session token.
func NewNintendo(client *http.Client, tokens *TokenCache, opts NintendoOptions, defaults entities.ConnectionConfig, logger *zap.Logger) *Nintendo {
	return &Nintendo{
		client:   client,
		tokens:   tokens,
		opts:     opts,
		defaults: defaults,
		now:      time.Now,
		logger:   logger.With(zap.String("adapter", "nintendo")),
	}
}

// Enable sets the daily limit to the target's allowance.
func (n *Nintendo) Enable(ctx context.Context, target repositories.ControlTarget) bool {
	minutes := int(target.Allowance / time.Minute)
	if minutes < 1 {
		minutes = entities.CoinDurationMinutes
	}
	return report(n.logger, "enable", target, n.setLimit(ctx, target, minutes))
}

// Disable sets the daily limit to zero. A conflict means the console is
// already at zero and counts as success.
func (n *Nintendo) Disable(ctx context.Context, target repositories.ControlTarget) bool {
	err := n.setLimit(ctx, target, 0)
	if hasStatus(err, http.StatusConflict) {
		n.logger.Info("Limit already zero", zap.String("identifier", target.Identifier))
		err = nil
	}
	return report(n.logger, "disable", target, err)
}

// Status reports true when the daily limit is above zero.
func (n *Nintendo) Status(ctx context.Context, target repositories.ControlTarget) bool {
	device, _, err := n.firstDevice(ctx, target)
	if err != nil {
		n.logger.Warn("Status query failed", zap.Stringer("kind", KindOf(err)), zap.Error(err))
		return false
	}
	return device.limitMinutes() > 0
}

type accessToken struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type consoleDevice struct {
	DeviceID string `json:"deviceId"`
	Label    string `json:"label"`
	Setting  struct {
		PlayTimerRegulations struct {
			DailyRegulations struct {
				TimeToPlayInOneDay struct {
					EnableRestriction bool `json:"enableRestriction"`
					LimitTime         *int `json:"limitTime"`
				} `json:"timeToPlayInOneDay"`
			} `json:"dailyRegulations"`
		} `json:"playTimerRegulations"`
	} `json:"parentalControlSetting"`
}

func (d consoleDevice) limitMinutes() int {
	t := d.Setting.PlayTimerRegulations.DailyRegulations.TimeToPlayInOneDay
	if !t.EnableRestriction || t.LimitTime == nil {
		// No restriction means unlimited play.
		return 24 * 60
	}
	return *t.LimitTime
}

type session struct {
	key       string
	token     string
	accountID string
}

func (n *Nintendo) sessionToken(target repositories.ControlTarget) (string, error) {
	cfg := n.defaults.Merge(target.Config)
	if cfg.Token == "" {
		return "", newError(KindConfigurationMissing, "nintendo", errors.New("session token not configured"))
	}
	return cfg.Token, nil
}

// login exchanges the long-lived session token for an access token and
// reads the account id from the id token.
func (n *Nintendo) login(ctx context.Context, sessionToken string) (*session, error) {
	key := n.opts.AccountsURL + "|" + sessionToken
	if cached, ok := n.tokens.Get(key); ok {
		if token, account, found := strings.Cut(cached, "|"); found {
			return &session{key: key, token: token, accountID: account}, nil
		}
	}

	form := url.Values{
		"client_id":     {n.opts.ClientID},
		"session_token": {sessionToken},
		"grant_type":    {"urn:ietf:params:oauth:grant-type:jwt-bearer-session-token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(n.opts.AccountsURL, "/")+"/connect/1.0.0/api/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, newError(KindConfigurationMissing, "nintendo token", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, newError(KindTransport, "nintendo token", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return nil, &Error{Kind: KindAuthenticationFailed, Op: "nintendo token", StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("nintendo token", resp.StatusCode)
	}
	var token accessToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, newError(KindRemoteRejected, "nintendo token", err)
	}
	if token.AccessToken == "" {
		return nil, newError(KindAuthenticationFailed, "nintendo token", errors.New("empty access token"))
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token.IDToken, claims); err != nil {
		return nil, newError(KindAuthenticationFailed, "nintendo token", fmt.Errorf("failed to parse id token: %w", err))
	}
	accountID, err := claims.GetSubject()
	if err != nil || accountID == "" {
		return nil, newError(KindAuthenticationFailed, "nintendo token", errors.New("id token has no subject"))
	}

	ttl := time.Duration(token.ExpiresIn)*time.Second - time.Minute
	if ttl > 0 {
		n.tokens.PutUntil(key, token.AccessToken+"|"+accountID, n.now().Add(ttl))
	}
	return &session{key: key, token: token.AccessToken, accountID: accountID}, nil
}

func (n *Nintendo) api(ctx context.Context, s *session, method, path string, body any) ([]byte, error) {
	op := "nintendo " + strings.ToLower(method)
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, newError(KindConfigurationMissing, op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(n.opts.APIURL, "/")+path, reader)
	if err != nil {
		return nil, newError(KindConfigurationMissing, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("X-Moon-Os-Language", n.opts.Language)
	req.Header.Set("X-Moon-App-Language", n.opts.Language)
	req.Header.Set("X-Moon-TimeZone", n.opts.Timezone)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, newError(KindTransport, op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(op, resp.StatusCode)
	}
	if err != nil {
		return nil, newError(KindTransport, op, err)
	}
	return data, nil
}

func (n *Nintendo) firstDevice(ctx context.Context, target repositories.ControlTarget) (*consoleDevice, *session, error) {
	sessionToken, err := n.sessionToken(target)
	if err != nil {
		return nil, nil, err
	}
	s, err := n.login(ctx, sessionToken)
	if err != nil {
		return nil, nil, err
	}
	data, err := n.api(ctx, s, http.MethodGet,
		"/users/"+url.PathEscape(s.accountID)+"/devices?filter.device.activated.$eq=true", nil)
	if err != nil {
		if hasStatus(err, http.StatusUnauthorized) {
			n.tokens.Invalidate(s.key)
		}
		return nil, nil, err
	}
	var payload struct {
		Items []consoleDevice `json:"items"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, nil, newError(KindRemoteRejected, "nintendo devices", err)
	}
	if len(payload.Items) == 0 {
		return nil, nil, newError(KindTargetNotFound, "nintendo devices", errors.New("no console registered on account"))
	}
	return &payload.Items[0], s, nil
}

func (n *Nintendo) setLimit(ctx context.Context, target repositories.ControlTarget, minutes int) error {
	device, s, err := n.firstDevice(ctx, target)
	if err != nil {
		return err
	}
	body := map[string]any{
		"deviceId": device.DeviceID,
		"playTimerRegulations": map[string]any{
			"timerMode": "DAILY",
			"dailyRegulations": map[string]any{
				"timeToPlayInOneDay": map[string]any{
					"enableRestriction": true,
					"limitTime":         minutes,
				},
			},
		},
	}
	_, err = n.api(ctx, s, http.MethodPost,
		"/devices/"+url.PathEscape(device.DeviceID)+"/parental_control_setting", body)
	if err != nil {
		if hasStatus(err, http.StatusUnauthorized) {
			n.tokens.Invalidate(s.key)
		}
		return err
	}
	n.logger.Info("Daily limit set",
		zap.String("device", device.Label),
		zap.Int("minutes", minutes))
	return nil
}
