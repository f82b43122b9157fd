package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"modernvpn/pkg/auth"
	"modernvpn/pkg/log"
	"modernvpn/pkg/model"
)

const minPasswordLen = 8

// AuthHandler serves registration and login against the user table.
type AuthHandler struct {
	DB     *gorm.DB
	Issuer *auth.Issuer
	// AdminEmail registers as admin. The first user is always admin.
	AdminEmail string
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (a *AuthHandler) decode(w http.ResponseWriter, r *http.Request) (authRequest, bool) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return req, false
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	return req, true
}

func (a *AuthHandler) issue(w http.ResponseWriter, r *http.Request, status int, user model.User) {
	token, err := a.Issuer.Generate(user.ID, user.Email, user.IsAdmin)
	if err != nil {
		log.G(r.Context()).WithError(err).Error("sign token")
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, status, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(a.Issuer.TTL().Seconds()),
	})
}

func (a *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decode(w, r)
	if !ok {
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		http.Error(w, "invalid email", http.StatusBadRequest)
		return
	}
	if len(req.Password) < minPasswordLen {
		http.Error(w, "password too short", http.StatusBadRequest)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "failed to hash password", http.StatusInternalServerError)
		return
	}

	var user model.User
	err = a.DB.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.User{}).Where("email = ?", req.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return errUserExists
		}
		if err := tx.Model(&model.User{}).Count(&count).Error; err != nil {
			return err
		}
		user = model.User{
			Email:        req.Email,
			PasswordHash: string(hash),
			IsAdmin:      count == 0 || (a.AdminEmail != "" && strings.EqualFold(a.AdminEmail, req.Email)),
		}
		return tx.Create(&user).Error
	})
	switch {
	case errors.Is(err, errUserExists), errors.Is(err, gorm.ErrDuplicatedKey):
		http.Error(w, "user exists", http.StatusConflict)
		return
	case err != nil:
		log.G(r.Context()).WithError(err).Error("create user")
		http.Error(w, "failed to create user", http.StatusInternalServerError)
		return
	}
	log.G(r.Context()).WithFields(logrus.Fields{"user_id": user.ID, "admin": user.IsAdmin}).Info("user registered")
	a.issue(w, r, http.StatusCreated, user)
}

var errUserExists = errors.New("user exists")

func (a *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decode(w, r)
	if !ok {
		return
	}
	var user model.User
	if err := a.DB.WithContext(r.Context()).Where("email = ?", req.Email).First(&user).Error; err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	a.issue(w, r, http.StatusOK, user)
}

func (a *AuthHandler) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var user model.User
	if err := a.DB.WithContext(r.Context()).First(&user, p.UserID).Error; err != nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
