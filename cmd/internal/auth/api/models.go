package authapi

import "time"

type registerRequest struct {
	Username    string  `json:"username"`
	Email       string  `json:"email"`
	Password    string  `json:"password"`
	DisplayName *string `json:"display_name"`
	Platform    string  `json:"platform"`
}

type loginRequest struct {
	Username *string `json:"username"`
	Email    *string `json:"email"`
	Password string  `json:"password"`
	Platform string  `json:"platform"`
}

type refreshRequest struct {
	RefreshSecret string `json:"refresh_secret"`
	Platform      string `json:"platform"`
}

type userResponse struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	DisplayName *string   `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type sessionResponse struct {
	SessionID        string    `json:"session_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshSecret    string    `json:"refresh_secret,omitempty"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type registerResponse struct {
	User    userResponse    `json:"user"`
	Session sessionResponse `json:"session"`
}

type loginResponse struct {
	User    userResponse    `json:"user"`
	Session sessionResponse `json:"session"`
}

type refreshResponse struct {
	Session sessionResponse `json:"session"`
}

type meResponse struct {
	User userResponse `json:"user"`
}

type sessionItem struct {
	ID            string    `json:"id"`
	OriginAddress *string   `json:"origin_address"`
	AgentLabel    *string   `json:"agent_label"`
	Platform      string    `json:"platform"`
	CreatedAt     time.Time `json:"created_at"`
	LastActiveAt  time.Time `json:"last_active_at"`
	Current       bool      `json:"current"`
}

type sessionsResponse struct {
	Sessions []sessionItem `json:"sessions"`
}

type logoutAllResponse struct {
	Revoked int64 `json:"revoked"`
}
