package model

import "time"

// WonStatusID is the amoCRM system status for a successfully closed lead.
const WonStatusID int64 = 142

// LostStatusID is the amoCRM system status for a closed-lost lead.
const LostStatusID int64 = 143

// Purchase is the downstream sale record keyed by remote lead id.
type Purchase struct {
	TenantID     string    `json:"tenant_id"`
	LeadID       string    `json:"lead_id"`
	RemoteLeadID int64     `json:"remote_lead_id"`
	Amount       float64   `json:"amount"`
	StatusID     int64     `json:"status_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Won reports whether the purchase's status is the terminal won stage.
func (p Purchase) Won() bool { return p.StatusID == WonStatusID }

// Connection is a stored CRM connection for a tenant or one of its ad
// accounts.
type Connection struct {
	TenantID    string    `json:"tenant_id"`
	AccountID   string    `json:"account_id,omitempty"`
	Subdomain   string    `json:"subdomain"`
	AccessToken string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
}
