package control

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/encoding/unicode"

	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/domain/repositories"
)

// FritzBox switches a network device between two parental-control
// profiles through the router's Lua web interface.
type FritzBox struct {
	client   *http.Client
	sessions *TokenCache
	defaults entities.ConnectionConfig
	logger   *zap.Logger
}

var _ repositories.DeviceController = (*FritzBox)(nil)

// NewFritzBox creates the adapter. defaults fill fields the device's
// stored config leaves empty.
func NewFritzBox(client *http.Client, sessions *TokenCache, defaults entities.ConnectionConfig, logger *zap.Logger) *FritzBox {
	return &FritzBox{
		client:   client,
		sessions: sessions,
		defaults: defaults,
		logger:   logger.With(zap.String("adapter", "fritzbox")),
	}
}

// Enable assigns the allowed profile.
func (f *FritzBox) Enable(ctx context.Context, target repositories.ControlTarget) bool {
	cfg := f.defaults.Merge(target.Config)
	return report(f.logger, "enable", target, f.changeProfile(ctx, cfg, target.Identifier, cfg.AllowedProfile))
}

// Disable assigns the blocked profile.
func (f *FritzBox) Disable(ctx context.Context, target repositories.ControlTarget) bool {
	cfg := f.defaults.Merge(target.Config)
	return report(f.logger, "disable", target, f.changeProfile(ctx, cfg, target.Identifier, cfg.BlockedProfile))
}

// Status reports whether the device currently has the allowed profile.
func (f *FritzBox) Status(ctx context.Context, target repositories.ControlTarget) bool {
	cfg := f.defaults.Merge(target.Config)
	unlocked, err := f.status(ctx, cfg, target.Identifier)
	if err != nil {
		f.logger.Warn("Status query failed",
			zap.String("identifier", target.Identifier),
			zap.Stringer("kind", KindOf(err)),
			zap.Error(err))
		return false
	}
	return unlocked
}

func baseURL(host, scheme string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if strings.Contains(host, "://") {
		return host
	}
	return scheme + "://" + host
}

func checkFritzConfig(cfg entities.ConnectionConfig) error {
	if cfg.Host == "" {
		return newError(KindConfigurationMissing, "fritzbox", errors.New("host not configured"))
	}
	if cfg.Password == "" {
		return newError(KindConfigurationMissing, "fritzbox", errors.New("password not configured"))
	}
	return nil
}

// changeProfile authenticates, resolves device and profile and applies the
// assignment. A 403 invalidates the session and repeats everything once.
func (f *FritzBox) changeProfile(ctx context.Context, cfg entities.ConnectionConfig, identifier, profile string) error {
	if err := checkFritzConfig(cfg); err != nil {
		return err
	}
	if identifier == "" || profile == "" {
		return newError(KindConfigurationMissing, "fritzbox", errors.New("device name and profile are required"))
	}

	key := baseURL(cfg.Host, "http")
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var sid string
		sid, err = f.session(ctx, cfg, attempt > 0)
		if err != nil {
			return err
		}
		err = f.applyProfile(ctx, cfg, sid, identifier, profile)
		if err == nil {
			return nil
		}
		if attempt == 0 && hasStatus(err, http.StatusForbidden) {
			f.logger.Warn("Session rejected, logging in again", zap.String("host", key))
			f.sessions.Invalidate(key)
			continue
		}
		break
	}
	if hasStatus(err, http.StatusForbidden) {
		return newError(KindAuthenticationFailed, "fritzbox apply", err)
	}
	return err
}

func (f *FritzBox) applyProfile(ctx context.Context, cfg entities.ConnectionConfig, sid, identifier, profile string) error {
	device, err := f.findDevice(ctx, cfg, sid, identifier)
	if err != nil {
		return err
	}
	profileID, err := f.findProfile(ctx, cfg, sid, profile)
	if err != nil {
		return err
	}
	_, err = f.dataLua(ctx, cfg, url.Values{
		"sid":     {sid},
		"page":    {"kids_device"},
		"xhrId":   {"all"},
		"dev":     {device.UID},
		"profile": {profileID},
		"apply":   {""},
	})
	if err != nil {
		return err
	}
	f.logger.Info("Profile assigned",
		zap.String("device", identifier),
		zap.String("profile", profile))
	return nil
}

func (f *FritzBox) status(ctx context.Context, cfg entities.ConnectionConfig, identifier string) (bool, error) {
	if err := checkFritzConfig(cfg); err != nil {
		return false, err
	}
	sid, err := f.session(ctx, cfg, false)
	if err != nil {
		return false, err
	}
	device, err := f.findDevice(ctx, cfg, sid, identifier)
	if err != nil {
		return false, err
	}
	allowed, err := f.findProfile(ctx, cfg, sid, cfg.AllowedProfile)
	if err != nil {
		return false, err
	}
	return device.profile() == allowed, nil
}

// session returns a cached session id or logs in.
func (f *FritzBox) session(ctx context.Context, cfg entities.ConnectionConfig, forceRefresh bool) (string, error) {
	key := baseURL(cfg.Host, "http")
	if !forceRefresh {
		if sid, ok := f.sessions.Get(key); ok {
			return sid, nil
		}
	}
	sid, err := f.login(ctx, cfg)
	if err != nil {
		return "", err
	}
	f.sessions.Put(key, sid)
	return sid, nil
}

type sessionInfo struct {
	XMLName   xml.Name `xml:"SessionInfo"`
	SID       string   `xml:"SID"`
	Challenge string   `xml:"Challenge"`
	BlockTime int      `xml:"BlockTime"`
}

func (f *FritzBox) login(ctx context.Context, cfg entities.ConnectionConfig) (string, error) {
	loginURL := baseURL(cfg.Host, "http") + "/login_sid.lua?version=2"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loginURL, nil)
	if err != nil {
		return "", newError(KindConfigurationMissing, "fritzbox login", err)
	}
	info, err := f.doSessionInfo(req)
	if err != nil {
		return "", err
	}
	if info.SID != "" && info.SID != InvalidToken {
		return info.SID, nil
	}
	if info.Challenge == "" {
		return "", newError(KindAuthenticationFailed, "fritzbox login", errors.New("no challenge in login response"))
	}

	response, err := challengeResponse(info.Challenge, cfg.Password)
	if err != nil {
		return "", newError(KindAuthenticationFailed, "fritzbox login", err)
	}
	form := url.Values{"username": {cfg.User}, "response": {response}}
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", newError(KindConfigurationMissing, "fritzbox login", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	info, err = f.doSessionInfo(req)
	if err != nil {
		return "", err
	}
	if info.SID == "" || info.SID == InvalidToken {
		return "", newError(KindAuthenticationFailed, "fritzbox login",
			fmt.Errorf("login rejected (block time %ds)", info.BlockTime))
	}
	f.logger.Info("Logged in", zap.String("host", cfg.Host))
	return info.SID, nil
}

func (f *FritzBox) doSessionInfo(req *http.Request) (*sessionInfo, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, newError(KindTransport, "fritzbox login", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("fritzbox login", resp.StatusCode)
	}
	var info sessionInfo
	if err := xml.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, newError(KindRemoteRejected, "fritzbox login", fmt.Errorf("failed to decode session info: %w", err))
	}
	return &info, nil
}

// challengeResponse answers a login challenge. "2$<iter1>$<salt1>$<iter2>$<salt2>"
// selects PBKDF2-SHA256; anything else is the legacy MD5 scheme.
func challengeResponse(challenge, password string) (string, error) {
	if strings.HasPrefix(challenge, "2$") {
		return pbkdf2Response(challenge, password)
	}
	return md5Response(challenge, password)
}

func pbkdf2Response(challenge, password string) (string, error) {
	parts := strings.Split(challenge, "$")
	if len(parts) != 5 {
		return "", fmt.Errorf("malformed challenge %q", challenge)
	}
	iter1, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", fmt.Errorf("invalid iteration count: %w", err)
	}
	salt1, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("invalid salt: %w", err)
	}
	iter2, err := strconv.Atoi(parts[3])
	if err != nil {
		return "", fmt.Errorf("invalid iteration count: %w", err)
	}
	salt2, err := hex.DecodeString(parts[4])
	if err != nil {
		return "", fmt.Errorf("invalid salt: %w", err)
	}

	hash1 := pbkdf2.Key([]byte(password), salt1, iter1, sha256.Size, sha256.New)
	hash2 := pbkdf2.Key(hash1, salt2, iter2, sha256.Size, sha256.New)
	return challenge + "$" + hex.EncodeToString(hash2), nil
}

func md5Response(challenge, password string) (string, error) {
	encoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).
		NewEncoder().String(challenge + "-" + password)
	if err != nil {
		return "", fmt.Errorf("failed to encode response: %w", err)
	}
	sum := md5.Sum([]byte(encoded))
	return challenge + "-" + hex.EncodeToString(sum[:]), nil
}

type netDevice struct {
	Name        string `json:"name"`
	UID         string `json:"UID"`
	KisiProfile string `json:"kisi_profile"`
	Profile     string `json:"profile"`
}

func (d netDevice) profile() string {
	if d.KisiProfile != "" {
		return d.KisiProfile
	}
	return d.Profile
}

type kidProfile struct {
	Name string `json:"Name"`
	ID   string `json:"Id"`
}

func (f *FritzBox) findDevice(ctx context.Context, cfg entities.ConnectionConfig, sid, name string) (*netDevice, error) {
	body, err := f.dataLua(ctx, cfg, url.Values{"sid": {sid}, "page": {"netDev"}, "xhrId": {"all"}})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Data struct {
			Active  []netDevice `json:"active"`
			Passive []netDevice `json:"passive"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, newError(KindRemoteRejected, "fritzbox netDev", fmt.Errorf("failed to decode devices: %w", err))
	}
	for _, list := range [][]netDevice{payload.Data.Active, payload.Data.Passive} {
		for _, dev := range list {
			if dev.Name == name {
				return &dev, nil
			}
		}
	}
	return nil, newError(KindTargetNotFound, "fritzbox netDev", fmt.Errorf("device %q not found", name))
}

func (f *FritzBox) findProfile(ctx context.Context, cfg entities.ConnectionConfig, sid, name string) (string, error) {
	body, err := f.dataLua(ctx, cfg, url.Values{"sid": {sid}, "page": {"kidProfils"}})
	if err != nil {
		return "", err
	}
	var payload struct {
		Data struct {
			Profiles []kidProfile `json:"profiles"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", newError(KindRemoteRejected, "fritzbox kidProfils", fmt.Errorf("failed to decode profiles: %w", err))
	}
	for _, p := range payload.Data.Profiles {
		if p.Name == name {
			return p.ID, nil
		}
	}
	return "", newError(KindTargetNotFound, "fritzbox kidProfils", fmt.Errorf("profile %q not found", name))
}

func (f *FritzBox) dataLua(ctx context.Context, cfg entities.ConnectionConfig, form url.Values) ([]byte, error) {
	op := "fritzbox " + form.Get("page")
	form.Set("xhr", "1")
	form.Set("lang", "de")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(cfg.Host, "http")+"/data.lua",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, newError(KindConfigurationMissing, op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, newError(KindTransport, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(op, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(KindTransport, op, err)
	}
	return body, nil
}
