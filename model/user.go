package model

// UserProfile is the directory projection of a user.
type UserProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	RoleID      string `json:"role_id"`
}

// Role describes what a user's position demands when signing.
type Role struct {
	ID           string `json:"id"`
	Label        string `json:"label"`
	RequiresSeal bool   `json:"requires_seal"`
}
