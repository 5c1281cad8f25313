package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/muenzbox/muenzbox/adapters/control"
	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/internal/auth"
	"github.com/muenzbox/muenzbox/internal/websocket"
	"github.com/muenzbox/muenzbox/usecase"
)

const (
	claimsKey          = "claims"
	recentSessionLimit = 100
	ledgerLimit        = 200
)

// Handler serves the HTTP API.
type Handler struct {
	sessions  *usecase.SessionService
	allowance *usecase.AllowanceService
	household *usecase.HouseholdService
	issuer    *auth.Issuer
	hub       *websocket.Hub
	simulator *control.Simulator
	logger    *zap.Logger
}

// NewHandler creates the API handler. simulator is nil unless hardware
// is mocked.
func NewHandler(
	sessions *usecase.SessionService,
	allowance *usecase.AllowanceService,
	household *usecase.HouseholdService,
	issuer *auth.Issuer,
	hub *websocket.Hub,
	simulator *control.Simulator,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		sessions:  sessions,
		allowance: allowance,
		household: household,
		issuer:    issuer,
		hub:       hub,
		simulator: simulator,
		logger:    logger,
	}
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, h *Handler) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "muenzbox",
		})
	})

	v1 := e.Group("/api")

	// Household members
	v1.GET("/children", h.listChildren)
	v1.POST("/children/:id/verify-pin", h.verifyPIN)

	member := v1.Group("", h.requireToken(false))
	member.GET("/children/:id/status", h.childStatus)
	member.GET("/children/:id/active-session", h.activeSession)
	member.POST("/sessions", h.startSession)
	member.POST("/sessions/:id/end", h.endSession)
	member.GET("/ws", h.events)

	// Administration
	v1.POST("/admin/verify", h.verifyAdmin)

	admin := v1.Group("/admin", h.requireToken(true))
	admin.GET("/children", h.adminListChildren)
	admin.POST("/children", h.createChild)
	admin.PUT("/children/:id", h.updateChild)
	admin.DELETE("/children/:id", h.deleteChild)
	admin.POST("/children/:id/adjust-coins", h.adjustCoins)
	admin.GET("/sessions", h.recentSessions)
	admin.POST("/sessions/:id/cancel", h.cancelSession)
	admin.GET("/mock-status", h.mockStatus)
	admin.GET("/devices", h.listDevices)
	admin.POST("/devices", h.createDevice)
	admin.PUT("/devices/:id", h.updateDevice)
	admin.DELETE("/devices/:id", h.deleteDevice)
	admin.GET("/devices/:id/status", h.deviceStatus)
	admin.GET("/coin-log", h.coinLog)
}

// requireToken validates the bearer token. Browsers cannot set headers
// on websocket upgrades, so the token may also come as ?token=.
func (h *Handler) requireToken(adminOnly bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := c.QueryParam("token")
			if header := c.Request().Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
				token = strings.TrimPrefix(header, "Bearer ")
			}
			if token == "" {
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "missing_token",
					Message: "JWT token is required in Authorization header",
				})
			}

			claims, err := h.issuer.ValidateToken(token)
			if err != nil {
				h.logger.Warn("Request rejected: invalid token", zap.Error(err))
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "invalid_token",
					Message: "Invalid or expired JWT token",
				})
			}
			if adminOnly && !claims.IsAdmin() {
				return c.JSON(http.StatusForbidden, ErrorResponse{
					Error:   "invalid_role",
					Message: "Administrator token required",
				})
			}

			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

func claimsFrom(c echo.Context) *auth.JWTClaims {
	claims, _ := c.Get(claimsKey).(*auth.JWTClaims)
	return claims
}

// authorizeIdentity allows admins and the identity itself.
func authorizeIdentity(c echo.Context, identityID string) error {
	claims := claimsFrom(c)
	if claims == nil || (!claims.IsAdmin() && claims.IdentityID != identityID) {
		return entities.ErrForbidden
	}
	return nil
}

func bindError(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "invalid_request",
		Message: "Invalid request format",
	})
}

func queryLimit(c echo.Context, fallback int) int {
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 && v <= fallback {
		return v
	}
	return fallback
}

func (h *Handler) listChildren(c echo.Context) error {
	identities, err := h.household.ListIdentities(c.Request().Context())
	if err != nil {
		return h.errorResponse(c, err)
	}
	result := make([]IdentitySummary, 0, len(identities))
	for _, identity := range identities {
		result = append(result, IdentitySummary{ID: identity.ID, Name: identity.Name, Avatar: identity.Avatar})
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) verifyPIN(c echo.Context) error {
	var req VerifyPINRequest
	if err := c.Bind(&req); err != nil {
		return bindError(c)
	}

	identity, err := h.household.VerifyPIN(c.Request().Context(), c.Param("id"), req.PIN)
	if err != nil {
		return h.errorResponse(c, err)
	}
	token, expires, err := h.issuer.GenerateChildToken(identity.ID)
	if err != nil {
		return h.errorResponse(c, err)
	}

	h.logger.Info("Identity authenticated", zap.String("identity_id", identity.ID))
	return c.JSON(http.StatusOK, TokenResponse{
		Token:      token,
		ExpiresAt:  expires,
		Role:       auth.RoleChild,
		IdentityID: identity.ID,
		Name:       identity.Name,
	})
}

func (h *Handler) verifyAdmin(c echo.Context) error {
	var req VerifyPINRequest
	if err := c.Bind(&req); err != nil {
		return bindError(c)
	}
	if err := h.household.VerifyAdminPIN(req.PIN); err != nil {
		h.logger.Warn("Admin PIN rejected")
		return h.errorResponse(c, err)
	}
	token, expires, err := h.issuer.GenerateAdminToken()
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, TokenResponse{Token: token, ExpiresAt: expires, Role: auth.RoleAdmin})
}

func (h *Handler) childStatus(c echo.Context) error {
	id := c.Param("id")
	if err := authorizeIdentity(c, id); err != nil {
		return h.errorResponse(c, err)
	}
	status, err := h.household.IdentityStatus(c.Request().Context(), id)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handler) activeSession(c echo.Context) error {
	id := c.Param("id")
	if err := authorizeIdentity(c, id); err != nil {
		return h.errorResponse(c, err)
	}
	session, err := h.sessions.ActiveSession(c.Request().Context(), id)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"session": session})
}

func (h *Handler) startSession(c echo.Context) error {
	claims := claimsFrom(c)
	if claims.IsAdmin() {
		return h.errorResponse(c, entities.ErrForbidden)
	}
	var req StartSessionRequest
	if err := c.Bind(&req); err != nil {
		return bindError(c)
	}
	category, err := entities.ParseCategory(string(req.Category))
	if err != nil {
		return h.errorResponse(c, err)
	}

	result, err := h.sessions.StartSession(c.Request().Context(), claims.IdentityID, category, req.Coins)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *Handler) endSession(c echo.Context) error {
	claims := claimsFrom(c)
	result, err := h.sessions.EndSession(c.Request().Context(), c.Param("id"), usecase.Actor{
		IdentityID: claims.IdentityID,
		Admin:      claims.IsAdmin(),
	})
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) events(c echo.Context) error {
	claims := claimsFrom(c)
	h.logger.Info("WebSocket connection authenticated",
		zap.String("identity_id", claims.IdentityID),
		zap.String("role", claims.Role))
	return websocket.HandleWebSocket(h.hub, c, claims.IdentityID, claims.IsAdmin(), h.logger)
}

func (h *Handler) adminListChildren(c echo.Context) error {
	identities, err := h.household.ListIdentities(c.Request().Context())
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, identities)
}

func (h *Handler) createChild(c echo.Context) error {
	var req usecase.IdentityInput
	if err := c.Bind(&req); err != nil {
		return bindError(c)
	}
	identity, err := h.household.CreateIdentity(c.Request().Context(), req)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, identity)
}

func (h *Handler) updateChild(c echo.Context) error {
	var req usecase.IdentityInput
	if err := c.Bind(&req); err != nil {
		return bindError(c)
	}
	identity, err := h.household.UpdateIdentity(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, identity)
}

func (h *Handler) deleteChild(c echo.Context) error {
	if err := h.household.DeleteIdentity(c.Request().Context(), c.Param("id")); err != nil {
		return h.errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) adjustCoins(c echo.Context) error {
	var req AdjustBalanceRequest
	if err := c.Bind(&req); err != nil {
		return bindError(c)
	}
	category, err := entities.ParseCategory(string(req.Category))
	if err != nil {
		return h.errorResponse(c, err)
	}
	id := c.Param("id")
	balance, err := h.allowance.AdjustBalance(c.Request().Context(), id, category, req.Delta)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, AdjustBalanceResponse{IdentityID: id, Category: category, Balance: balance})
}

func (h *Handler) recentSessions(c echo.Context) error {
	sessions, err := h.sessions.RecentSessions(c.Request().Context(), queryLimit(c, recentSessionLimit))
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, sessions)
}

func (h *Handler) cancelSession(c echo.Context) error {
	result, err := h.sessions.CancelSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) mockStatus(c echo.Context) error {
	if h.simulator == nil {
		return c.JSON(http.StatusOK, MockStatusResponse{Mock: false})
	}
	state := h.simulator.Snapshot()
	return c.JSON(http.StatusOK, MockStatusResponse{Mock: true, State: &state})
}

func (h *Handler) listDevices(c echo.Context) error {
	devices, err := h.household.ListDevices(c.Request().Context())
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, devices)
}

func (h *Handler) createDevice(c echo.Context) error {
	var req usecase.DeviceInput
	if err := c.Bind(&req); err != nil {
		return bindError(c)
	}
	device, err := h.household.CreateDevice(c.Request().Context(), req)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, device)
}

func (h *Handler) updateDevice(c echo.Context) error {
	var req usecase.DeviceInput
	if err := c.Bind(&req); err != nil {
		return bindError(c)
	}
	device, err := h.household.UpdateDevice(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, device)
}

func (h *Handler) deleteDevice(c echo.Context) error {
	if err := h.household.DeleteDevice(c.Request().Context(), c.Param("id")); err != nil {
		return h.errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) deviceStatus(c echo.Context) error {
	status, err := h.household.DeviceStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handler) coinLog(c echo.Context) error {
	entries, err := h.allowance.Ledger(c.Request().Context(), c.QueryParam("identity_id"), queryLimit(c, ledgerLimit))
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}
