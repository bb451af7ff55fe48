package domain

import "time"

type Role string

const (
	RoleAdmin       Role = "admin"
	RoleEntryPerson Role = "entry_person"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleEntryPerson
}

type UserAccount struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	LastLogin    time.Time `json:"last_login"`
}

// Capabilities is the role of a session resolved into what it may do.
type Capabilities struct {
	ViewAllStores      bool `json:"view_all_stores"`
	ManageStores       bool `json:"manage_stores"`
	ManageUsers        bool `json:"manage_users"`
	RecordTransactions bool `json:"record_transactions"`
	EditTransactions   bool `json:"edit_transactions"`
	ViewDashboard      bool `json:"view_dashboard"`
}

func CapabilitiesFor(role Role) Capabilities {
	switch role {
	case RoleAdmin:
		return Capabilities{
			ViewAllStores:      true,
			ManageStores:       true,
			ManageUsers:        true,
			RecordTransactions: true,
			EditTransactions:   true,
			ViewDashboard:      true,
		}
	case RoleEntryPerson:
		return Capabilities{
			RecordTransactions: true,
			ViewDashboard:      true,
		}
	}
	return Capabilities{}
}

// Session is the authenticated identity a request acts as.
type Session struct {
	UserID       string       `json:"user_id"`
	Email        string       `json:"email"`
	DisplayName  string       `json:"display_name"`
	Role         Role         `json:"role"`
	Capabilities Capabilities `json:"capabilities"`
	StoreIDs     []string     `json:"store_ids,omitempty"`
	TokenID      string       `json:"-"`
	ExpiresAt    time.Time    `json:"-"`
}

// CanAccessStore reports whether the session may read or record against storeID.
func (s Session) CanAccessStore(storeID string) bool {
	if s.Capabilities.ViewAllStores {
		return true
	}
	for _, id := range s.StoreIDs {
		if id == storeID {
			return true
		}
	}
	return false
}

// Name is what gets stamped on transactions the session records.
func (s Session) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Email
}

type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

type SignInResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresAt   string  `json:"expires_at"`
	Session     Session `json:"session"`
}

type ProfileUpdateRequest struct {
	DisplayName *string `json:"display_name,omitempty"`
}
