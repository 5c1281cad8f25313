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

	"go.uber.org/zap"

	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/domain/repositories"
)

const addressListPath = "/rest/ip/firewall/address-list"

// MikroTik toggles a firewall address-list entry through the RouterOS v7
// REST API. A disabled entry is excluded from the block list, so
// disabled=true means the device is unlocked.
type MikroTik struct {
	client   *http.Client
	entries  *TokenCache
	defaults entities.ConnectionConfig
	logger   *zap.Logger
}

var _ repositories.DeviceController = (*MikroTik)(nil)

// NewMikroTik creates the adapter. client should accept the router's
// self-signed certificate. entries caches resolved entry ids per
// host and identifier.
func NewMikroTik(client *http.Client, entries *TokenCache, defaults entities.ConnectionConfig, logger *zap.Logger) *MikroTik {
	return &MikroTik{
		client:   client,
		entries:  entries,
		defaults: defaults,
		logger:   logger.With(zap.String("adapter", "mikrotik")),
	}
}

// Enable unlocks the device by disabling its block-list entry.
func (m *MikroTik) Enable(ctx context.Context, target repositories.ControlTarget) bool {
	return report(m.logger, "enable", target, m.setDisabled(ctx, target, true))
}

// Disable blocks the device by enabling its block-list entry.
func (m *MikroTik) Disable(ctx context.Context, target repositories.ControlTarget) bool {
	return report(m.logger, "disable", target, m.setDisabled(ctx, target, false))
}

// Status reports true when the entry is disabled.
func (m *MikroTik) Status(ctx context.Context, target repositories.ControlTarget) bool {
	unlocked, err := m.status(ctx, target)
	if err != nil {
		m.logger.Warn("Status query failed",
			zap.String("identifier", target.Identifier),
			zap.Stringer("kind", KindOf(err)),
			zap.Error(err))
		return false
	}
	return unlocked
}

// routerBool accepts RouterOS booleans, which REST renders as strings.
type routerBool bool

func (b *routerBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	*b = routerBool(strings.EqualFold(s, "true") || s == "yes")
	return nil
}

type addressListEntry struct {
	ID       string     `json:".id"`
	List     string     `json:"list"`
	Address  string     `json:"address"`
	Comment  string     `json:"comment"`
	Disabled routerBool `json:"disabled"`
}

func (m *MikroTik) config(target repositories.ControlTarget) (entities.ConnectionConfig, error) {
	cfg := m.defaults.Merge(target.Config)
	if cfg.Host == "" {
		return cfg, newError(KindConfigurationMissing, "mikrotik", errors.New("host not configured"))
	}
	if cfg.User == "" || cfg.Password == "" {
		return cfg, newError(KindConfigurationMissing, "mikrotik", errors.New("credentials incomplete"))
	}
	if target.Identifier == "" {
		return cfg, newError(KindConfigurationMissing, "mikrotik", errors.New("identifier not configured"))
	}
	return cfg, nil
}

func (m *MikroTik) setDisabled(ctx context.Context, target repositories.ControlTarget, disabled bool) error {
	cfg, err := m.config(target)
	if err != nil {
		return err
	}
	id, err := m.entryID(ctx, cfg, target.Identifier)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]string{"disabled": fmt.Sprintf("%t", disabled)})
	if err != nil {
		return fmt.Errorf("failed to encode address-list patch: %w", err)
	}
	_, err = m.do(ctx, cfg, http.MethodPatch, addressListPath+"/"+url.PathEscape(id), nil, body)
	if hasStatus(err, http.StatusNotFound) {
		m.entries.Invalidate(entryKey(cfg.Host, target.Identifier))
	}
	return err
}

func (m *MikroTik) status(ctx context.Context, target repositories.ControlTarget) (bool, error) {
	cfg, err := m.config(target)
	if err != nil {
		return false, err
	}
	id, err := m.entryID(ctx, cfg, target.Identifier)
	if err != nil {
		return false, err
	}
	data, err := m.do(ctx, cfg, http.MethodGet, addressListPath+"/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return false, err
	}
	var entry addressListEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return false, newError(KindRemoteRejected, "mikrotik status", err)
	}
	return bool(entry.Disabled), nil
}

func entryKey(host, identifier string) string {
	return host + ":" + identifier
}

// entryID resolves the address-list entry whose comment matches
// identifier, asking the router to filter first and scanning the full
// list when that yields nothing.
func (m *MikroTik) entryID(ctx context.Context, cfg entities.ConnectionConfig, identifier string) (string, error) {
	key := entryKey(cfg.Host, identifier)
	if id, ok := m.entries.Get(key); ok {
		return id, nil
	}

	for _, query := range []url.Values{{"comment": {identifier}}, nil} {
		data, err := m.do(ctx, cfg, http.MethodGet, addressListPath, query, nil)
		if err != nil {
			return "", err
		}
		var entries []addressListEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return "", newError(KindRemoteRejected, "mikrotik address-list", err)
		}
		if id := matchEntry(entries, identifier); id != "" {
			m.entries.Put(key, id)
			return id, nil
		}
	}
	return "", newError(KindTargetNotFound, "mikrotik address-list",
		fmt.Errorf("no entry with comment matching %q", identifier))
}

// matchEntry prefers an exact case-insensitive comment match and falls
// back to containment in either direction.
func matchEntry(entries []addressListEntry, identifier string) string {
	ident := normalize(identifier)
	if ident == "" {
		return ""
	}
	for _, e := range entries {
		if normalize(e.Comment) == ident {
			return e.ID
		}
	}
	for _, e := range entries {
		comment := normalize(e.Comment)
		if comment != "" && (strings.Contains(comment, ident) || strings.Contains(ident, comment)) {
			return e.ID
		}
	}
	return ""
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// baseURLs prefers HTTPS and falls back to plain HTTP unless the host
// names a scheme itself.
func baseURLs(host string) []string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if strings.Contains(host, "://") {
		return []string{host}
	}
	return []string{"https://" + host, "http://" + host}
}

// do sends the request to each base URL in turn, moving on only when the
// transport fails. Any HTTP response ends the loop.
func (m *MikroTik) do(ctx context.Context, cfg entities.ConnectionConfig, method, path string, query url.Values, body []byte) ([]byte, error) {
	op := "mikrotik " + strings.ToLower(method)
	var lastErr error
	for _, base := range baseURLs(cfg.Host) {
		target := base + path
		if len(query) > 0 {
			target += "?" + query.Encode()
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, newError(KindConfigurationMissing, op, err)
		}
		req.SetBasicAuth(cfg.User, cfg.Password)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := m.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, newError(KindTransport, op, err)
			}
			m.logger.Debug("Transport failed, trying next", zap.String("url", base), zap.Error(err))
			lastErr = err
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, statusError(op, resp.StatusCode)
		}
		if readErr != nil {
			return nil, newError(KindTransport, op, readErr)
		}
		return data, nil
	}
	return nil, newError(KindTransport, op, fmt.Errorf("%s unreachable: %w", cfg.Host, lastErr))
}
