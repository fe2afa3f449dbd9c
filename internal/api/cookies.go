package api

import (
	"net/http"
	"time"
)

// cookieSpec is the minimal typed wrapper over http.Cookie §6 describes: one
// name, one max age, one path, always HttpOnly + SameSite=Lax, Secure
// governed by the deployment's base URL scheme.
type cookieSpec struct {
	Name   string
	MaxAge time.Duration
	Path   string
}

var (
	oauthStateCookie = cookieSpec{Name: "oauthState", MaxAge: 10 * time.Minute, Path: "/api/auth/oauth"}
	refreshCookie    = cookieSpec{Name: "refreshToken", MaxAge: 30 * 24 * time.Hour, Path: "/api/auth"}
)

func (s cookieSpec) get(r *http.Request) (string, bool) {
	c, err := r.Cookie(s.Name)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func (s cookieSpec) set(w http.ResponseWriter, value string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.Name,
		Value:    value,
		Path:     s.Path,
		MaxAge:   int(s.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s cookieSpec) clear(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.Name,
		Value:    "",
		Path:     s.Path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
