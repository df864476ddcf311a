package domain

// Account is an opaque participant address. It keys every per-participant map.
type Account = string

// Role names understood by the access kernel.
const (
	RoleSuperAdmin   = "SUPER_ADMIN"
	RoleAdmin        = "ADMIN"
	RoleFeeManager   = "FEE_MANAGER"
	RoleKarmaManager = "KARMA_MANAGER"
)

// SkillLevel is a declared or asserted proficiency level.
type SkillLevel int

const (
	LevelBeginner     SkillLevel = 1
	LevelIntermediate SkillLevel = 2
	LevelAdvanced     SkillLevel = 3
)

// Valid reports whether the level is inside the enum range.
func (l SkillLevel) Valid() bool {
	return l >= LevelBeginner && l <= LevelAdvanced
}

type Profile struct {
	Owner       Account `json:"owner"`
	IsCompany   bool    `json:"is_company"`
	IsActive    bool    `json:"is_active"`
	MetadataURI string  `json:"metadata_uri,omitempty"`
	Karma       int64   `json:"karma"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Skill struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	IsActive bool   `json:"is_active"`
}

type DeclaredSkill struct {
	ID            int64      `json:"id"`
	Professional  Account    `json:"professional"`
	SkillID       int64      `json:"skill_id"`
	DeclaredLevel SkillLevel `json:"declared_level"`
	DeclaredAt    string     `json:"declared_at" format:"date-time"`
}

// SkillValidation is one validator's assertion about a professional's skill.
// A validator holds at most one assertion per (professional, skill);
// re-asserting overwrites the prior level.
type SkillValidation struct {
	Professional  Account    `json:"professional"`
	SkillID       int64      `json:"skill_id"`
	Validator     Account    `json:"validator"`
	AssertedLevel SkillLevel `json:"asserted_level"`
	ValidatedAt   string     `json:"validated_at" format:"date-time"`
}

type TimeRecordStatus string

const (
	TimePending   TimeRecordStatus = "pending"
	TimeValidated TimeRecordStatus = "validated"
	TimeDisputed  TimeRecordStatus = "disputed"
)

type TimeRecord struct {
	ID          int64            `json:"id"`
	Employee    Account          `json:"employee"`
	Company     Account          `json:"company"`
	StartTime   int64            `json:"start_time"`
	EndTime     int64            `json:"end_time"`
	Description string           `json:"description,omitempty"`
	SkillIDs    []int64          `json:"skill_ids,omitempty"`
	Status      TimeRecordStatus `json:"status" enum:"pending,validated,disputed"`
	CreatedAt   string           `json:"created_at" format:"date-time"`
}

type Service struct {
	ID           int64   `json:"id"`
	Provider     Account `json:"provider"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	PricePerHour int64   `json:"price_per_hour"`
	SkillIDs     []int64 `json:"skill_ids,omitempty"`
	IsActive     bool    `json:"is_active"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type OrderStatus string

const (
	OrderCreated   OrderStatus = "created"
	OrderAccepted  OrderStatus = "accepted"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

type Order struct {
	ID          int64       `json:"id"`
	ServiceID   int64       `json:"service_id"`
	Client      Account     `json:"client"`
	Provider    Account     `json:"provider"`
	NumHours    int64       `json:"num_hours"`
	TotalPrice  int64       `json:"total_price"`
	Description string      `json:"description,omitempty"`
	Status      OrderStatus `json:"status" enum:"created,accepted,completed,cancelled"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	CompletedAt *string     `json:"completed_at,omitempty" format:"date-time"`
}

// Event is one row of the append-only mutation log that clients use to
// reconcile their cached view without polling.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Account    string `json:"account"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Account   string `json:"account"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
