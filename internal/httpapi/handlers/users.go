package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/suPer8Hu/taskflow/internal/auth"
	"github.com/suPer8Hu/taskflow/internal/common"
	"github.com/suPer8Hu/taskflow/internal/models"
	"gorm.io/gorm"
)

type signupReq struct {
	Email    string `json:"email" binding:"required,email,min=5,max=255"`
	Username string `json:"username" binding:"required,min=2,max=100"`
	Password string `json:"password" binding:"required,min=6,max=100"`
}

type loginReq struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type updateMeReq struct {
	Email    *string `json:"email" binding:"omitempty,email,min=5,max=255"`
	Username *string `json:"username" binding:"omitempty,min=2,max=100"`
}

func userView(u *models.User) gin.H {
	return gin.H{
		"id":         u.ID,
		"email":      u.Email,
		"username":   u.Username,
		"created_at": u.CreatedAt,
	}
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (h *Handler) emailTaken(c *gin.Context, email, exceptID string) (bool, error) {
	var cnt int64
	q := h.DB.WithContext(c.Request.Context()).Model(&models.User{}).Where("email = ?", email)
	if exceptID != "" {
		q = q.Where("id <> ?", exceptID)
	}
	if err := q.Count(&cnt).Error; err != nil {
		return false, err
	}
	return cnt > 0, nil
}

func (h *Handler) Signup(c *gin.Context) {
	var req signupReq
	if !bindJSON(c, &req) {
		return
	}
	email := normalizeEmail(req.Email)

	taken, err := h.emailTaken(c, email, "")
	if err != nil {
		h.internalError(c, "signup", err)
		return
	}
	if taken {
		common.Fail(c, http.StatusBadRequest, 10003, "email already registered")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.internalError(c, "signup", err)
		return
	}

	user := models.User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     strings.TrimSpace(req.Username),
		PasswordHash: hash,
	}
	if err := h.DB.WithContext(c.Request.Context()).Create(&user).Error; err != nil {
		// lost a race on the unique index
		common.Fail(c, http.StatusBadRequest, 10003, "email already registered")
		return
	}

	h.Log.WithField("user_id", user.ID).Info("auth: user signed up")
	common.Created(c, userView(&user))
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if !bindJSON(c, &req) {
		return
	}

	var user models.User
	err := h.DB.WithContext(c.Request.Context()).
		Where("email = ?", normalizeEmail(req.Email)).
		First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		h.internalError(c, "login", err)
		return
	}
	// same answer for unknown email and wrong password
	if err != nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		common.Fail(c, http.StatusUnauthorized, 40103, "incorrect email or password")
		return
	}

	token, err := h.Auth.Issue(user.ID)
	if err != nil {
		h.internalError(c, "login", err)
		return
	}
	common.OK(c, gin.H{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func (h *Handler) currentUser(c *gin.Context) (*models.User, bool) {
	uid, ok := mustUser(c)
	if !ok {
		return nil, false
	}
	var user models.User
	if err := h.DB.WithContext(c.Request.Context()).Where("id = ?", uid).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// token outlived its user
			common.Fail(c, http.StatusUnauthorized, 40104, "user not found")
			return nil, false
		}
		h.internalError(c, "me", err)
		return nil, false
	}
	return &user, true
}

func (h *Handler) Me(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	common.OK(c, userView(user))
}

func (h *Handler) UpdateMe(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	var req updateMeReq
	if !bindJSON(c, &req) {
		return
	}

	if req.Email != nil {
		email := normalizeEmail(*req.Email)
		taken, err := h.emailTaken(c, email, user.ID)
		if err != nil {
			h.internalError(c, "update_me", err)
			return
		}
		if taken {
			common.Fail(c, http.StatusBadRequest, 10003, "email already registered")
			return
		}
		user.Email = email
	}
	if req.Username != nil {
		user.Username = strings.TrimSpace(*req.Username)
	}

	if err := h.DB.WithContext(c.Request.Context()).Save(user).Error; err != nil {
		h.internalError(c, "update_me", err)
		return
	}
	common.OK(c, userView(user))
}
