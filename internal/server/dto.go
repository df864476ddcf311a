package server

import (
	"karmaline/internal/domain"
)

type TransferRequest struct {
	To     string `json:"to" example:"bob"`
	Amount int64  `json:"amount" example:"1000"`
	// From pulls on an allowance instead of spending the caller's own
	// balance when set to an account other than the caller.
	From *string `json:"from,omitempty"`
}

type ApproveRequest struct {
	Spender string `json:"spender" example:"escrow"`
	Amount  int64  `json:"amount" example:"5000"`
}

type BalanceResponse struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

type AllowanceResponse struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Amount  int64  `json:"amount"`
}

type RegisterProfileRequest struct {
	IsCompany   bool    `json:"is_company,omitempty"`
	MetadataURI *string `json:"metadata_uri,omitempty"`
}

type UpdateProfileRequest struct {
	MetadataURI string `json:"metadata_uri"`
}

type SetKarmaRequest struct {
	Karma int64 `json:"karma"`
}

type CreateSkillRequest struct {
	Name     string  `json:"name" example:"solidity"`
	Category *string `json:"category,omitempty"`
}

type DeclareSkillRequest struct {
	Level int `json:"level" minimum:"1" maximum:"3"`
}

type ValidateSkillRequest struct {
	Professional string `json:"professional"`
	Level        int    `json:"level" minimum:"1" maximum:"3"`
}

type KarmaResponse struct {
	Professional string `json:"professional"`
	SkillID      *int64 `json:"skill_id,omitempty"`
	Karma        int64  `json:"karma"`
}

type RegisterTimeRequest struct {
	Company     string  `json:"company"`
	StartTime   int64   `json:"start_time"`
	EndTime     int64   `json:"end_time"`
	Description *string `json:"description,omitempty"`
	SkillIDs    []int64 `json:"skill_ids,omitempty"`
}

type HoursResponse struct {
	Employee       string `json:"employee"`
	TotalHours     int64  `json:"total_hours"`
	ValidatedHours int64  `json:"validated_hours"`
}

type CreateServiceRequest struct {
	Title        string  `json:"title"`
	Description  *string `json:"description,omitempty"`
	PricePerHour int64   `json:"price_per_hour"`
	SkillIDs     []int64 `json:"skill_ids,omitempty"`
}

type CreateOrderRequest struct {
	ServiceID   int64   `json:"service_id"`
	NumHours    int64   `json:"num_hours"`
	Description *string `json:"description,omitempty"`
}

type GrantRoleRequest struct {
	Account string `json:"account"`
	Role    string `json:"role" example:"ADMIN"`
}

type RolesResponse struct {
	Account string   `json:"account"`
	Roles   []string `json:"roles"`
}

type SystemResponse struct {
	Paused         bool  `json:"paused"`
	PlatformFeeBps int64 `json:"platform_fee_bps"`
	TotalSupply    int64 `json:"total_supply"`
}

type UpdateFeeRequest struct {
	Bps int64 `json:"bps"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Account   string `json:"account"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	// Key is only present on creation; it is never stored raw.
	Key string `json:"key,omitempty"`
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, Account: k.Account, Name: k.Name, CreatedAt: k.CreatedAt}
}
