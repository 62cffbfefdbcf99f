package handler

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strings"

	"account_service/internal/logger"
	"account_service/internal/middleware"
	"account_service/internal/model"
	"account_service/internal/service"
	"account_service/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// clientErrors are reported with 400 and their own message.
var clientErrors = []error{
	service.ErrAccountExists,
	service.ErrAccountNotFound,
	service.ErrInvalidCredentials,
	service.ErrInvalidToken,
	service.ErrPasswordMismatch,
	service.ErrInvalidPhone,
	service.ErrInvalidFileFormat,
	service.ErrFileSizeExceeded,
	service.ErrMissingFile,
}

// CookieConfig controls the session cookie.
type CookieConfig struct {
	MaxAge int
	Domain string
	Secure bool
}

// RateLimitFunc returns the limiter for a named route.
type RateLimitFunc func(route string) gin.HandlerFunc

// AccountHandler handles account requests
type AccountHandler struct {
	service service.AccountService
	cookie  CookieConfig
}

// NewAccountHandler creates a new AccountHandler
func NewAccountHandler(s service.AccountService, cookie CookieConfig) *AccountHandler {
	return &AccountHandler{service: s, cookie: cookie}
}

func respondError(c *gin.Context, err error) {
	for _, known := range clientErrors {
		if errors.Is(err, known) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": known.Error()})
			return
		}
	}
	logger.Logger.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
}

func respondBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": utils.FormatValidationError(err)})
}

func (h *AccountHandler) setSessionCookie(c *gin.Context, token string, maxAge int) {
	if h.cookie.Secure {
		c.SetSameSite(http.SameSiteNoneMode)
	} else {
		c.SetSameSite(http.SameSiteLaxMode)
	}
	c.SetCookie(middleware.TokenCookie, token, maxAge, "/", h.cookie.Domain, h.cookie.Secure, true)
}

func (h *AccountHandler) authUser(c *gin.Context) (uuid.UUID, bool) {
	id, ok := middleware.AuthUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Please login to continue"})
	}
	return id, ok
}

// optionalFile returns the named upload, or nil when the request carries none.
func optionalFile(c *gin.Context, field string) (*multipart.FileHeader, error) {
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		return nil, nil
	}
	file, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	return file, err
}

func (h *AccountHandler) CreateUser(c *gin.Context) {
	var req model.RegisterRequest
	if err := c.ShouldBind(&req); err != nil {
		respondBindError(c, err)
		return
	}

	avatar, err := optionalFile(c, "file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid file upload: " + err.Error()})
		return
	}

	if err := h.service.Register(c.Request.Context(), req, avatar); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "please check your email: " + utils.NormalizeEmail(req.Email) + " to activate your account!",
	})
}

func (h *AccountHandler) Activate(c *gin.Context) {
	var req model.ActivationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	user, token, err := h.service.Activate(c.Request.Context(), req.ActivationToken)
	if err != nil {
		respondError(c, err)
		return
	}

	h.setSessionCookie(c, token, h.cookie.MaxAge)
	c.JSON(http.StatusCreated, gin.H{"success": true, "user": user, "token": token})
}

func (h *AccountHandler) Login(c *gin.Context) {
	var req model.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	user, token, err := h.service.Login(c.Request.Context(), req.UsernameOrEmail, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}

	h.setSessionCookie(c, token, h.cookie.MaxAge)
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user, "token": token})
}

func (h *AccountHandler) GetUser(c *gin.Context) {
	id, ok := h.authUser(c)
	if !ok {
		return
	}

	user, err := h.service.GetAccount(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

// Logout replaces the session cookie with an already expired one.
func (h *AccountHandler) Logout(c *gin.Context) {
	h.setSessionCookie(c, "", -1)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Log out successful!"})
}

func (h *AccountHandler) UpdateUserInfo(c *gin.Context) {
	id, ok := h.authUser(c)
	if !ok {
		return
	}

	var req model.UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	user, err := h.service.UpdateProfile(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

func (h *AccountHandler) UpdateAvatar(c *gin.Context) {
	id, ok := h.authUser(c)
	if !ok {
		return
	}

	file, err := optionalFile(c, "image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid file upload: " + err.Error()})
		return
	}

	user, err := h.service.UpdateAvatar(c.Request.Context(), id, file)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

// UserAddresses backs the address routes, which only confirm the caller
// still exists.
func (h *AccountHandler) UserAddresses(c *gin.Context) {
	id, ok := h.authUser(c)
	if !ok {
		return
	}

	user, err := h.service.GetAccount(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

func (h *AccountHandler) UpdatePassword(c *gin.Context) {
	id, ok := h.authUser(c)
	if !ok {
		return
	}

	var req model.ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	if _, err := h.service.ChangePassword(c.Request.Context(), id, req); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Password updated successfully!"})
}

func (h *AccountHandler) UserInfo(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, service.ErrAccountNotFound)
		return
	}

	user, err := h.service.GetAccount(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

func (h *AccountHandler) AdminAllUsers(c *gin.Context) {
	users, err := h.service.ListAccounts(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "users": users})
}

func (h *AccountHandler) DeleteUser(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, service.ErrAccountNotFound)
		return
	}

	if err := h.service.DeleteAccount(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "User deleted successfully!"})
}

func (h *AccountHandler) ForgotPassword(c *gin.Context) {
	var req model.ForgotPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	if err := h.service.RequestPasswordReset(c.Request.Context(), req.Email); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "If an account exists for this email, a reset link has been sent.",
	})
}

func (h *AccountHandler) ResetPassword(c *gin.Context) {
	var req model.ResetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	if err := h.service.ResetPassword(c.Request.Context(), req); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Password has been reset. Please log in."})
}

// RegisterAccountRoutes registers account routes. limit may be nil.
func (h *AccountHandler) RegisterAccountRoutes(rg *gin.RouterGroup, authMW, adminMW gin.HandlerFunc, limit RateLimitFunc) {
	limited := func(route string, handler gin.HandlerFunc) []gin.HandlerFunc {
		if limit == nil {
			return []gin.HandlerFunc{handler}
		}
		return []gin.HandlerFunc{limit(route), handler}
	}

	rg.POST("/create-user", limited("create-user", h.CreateUser)...)
	rg.POST("/activation", limited("activation", h.Activate)...)
	rg.POST("/login-user", limited("login-user", h.Login)...)
	rg.POST("/forgot-password", limited("forgot-password", h.ForgotPassword)...)
	rg.POST("/reset-password", limited("reset-password", h.ResetPassword)...)
	rg.GET("/logout", h.Logout)
	rg.GET("/user-info/:id", h.UserInfo)

	authGroup := rg.Group("", authMW)
	{
		authGroup.GET("/getuser", h.GetUser)
		authGroup.PUT("/update-user-info", h.UpdateUserInfo)
		authGroup.PUT("/update-avatar", h.UpdateAvatar)
		authGroup.PUT("/update-user-addresses", h.UserAddresses)
		authGroup.DELETE("/delete-user-address/:id", h.UserAddresses)
		authGroup.PUT("/update-user-password", h.UpdatePassword)
	}

	adminGroup := rg.Group("", authMW, adminMW)
	{
		adminGroup.GET("/admin-all-users", h.AdminAllUsers)
		adminGroup.DELETE("/delete-user/:id", h.DeleteUser)
	}
}
