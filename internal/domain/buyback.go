package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// ConditionGrade grades both the screen and the body of a device.
type ConditionGrade string

const (
	GradePerfect  ConditionGrade = "parfait"
	GradeVeryGood ConditionGrade = "tres_bon"
	GradeGood     ConditionGrade = "bon"
	GradeFair     ConditionGrade = "moyen"
	GradePoor     ConditionGrade = "mauvais"
)

// ConditionGrades lists every grade; multiplier tables must cover all of them.
var ConditionGrades = []ConditionGrade{GradePerfect, GradeVeryGood, GradeGood, GradeFair, GradePoor}

func (g ConditionGrade) Valid() bool {
	return slices.Contains(ConditionGrades, g)
}

type IDType string

const (
	IDTypeNationalCard   IDType = "cni"
	IDTypePassport       IDType = "passeport"
	IDTypeResidence      IDType = "titre_sejour"
	IDTypeDrivingLicence IDType = "permis_conduire"
)

var IDTypes = []IDType{IDTypeNationalCard, IDTypePassport, IDTypeResidence, IDTypeDrivingLicence}

func (t IDType) Valid() bool {
	return slices.Contains(IDTypes, t)
}

// IssueTag names a functional defect found during assessment.
type IssueTag string

const (
	IssueFaceID       IssueTag = "face_id"
	IssueTouchID      IssueTag = "touch_id"
	IssueCameraFront  IssueTag = "camera_front"
	IssueCameraBack   IssueTag = "camera_back"
	IssueMicrophone   IssueTag = "microphone"
	IssueSpeaker      IssueTag = "speaker"
	IssueWifi         IssueTag = "wifi"
	IssueBluetooth    IssueTag = "bluetooth"
	IssueChargingPort IssueTag = "charging_port"
	IssueButtons      IssueTag = "buttons"
	IssueVibration    IssueTag = "vibration"
	IssueSensors      IssueTag = "sensors"
	IssueNetwork      IssueTag = "network"
)

var IssueTags = []IssueTag{
	IssueFaceID, IssueTouchID, IssueCameraFront, IssueCameraBack, IssueMicrophone,
	IssueSpeaker, IssueWifi, IssueBluetooth, IssueChargingPort, IssueButtons,
	IssueVibration, IssueSensors, IssueNetwork,
}

func (t IssueTag) Valid() bool {
	return slices.Contains(IssueTags, t)
}

type Accessory string

const (
	AccessoryBox        Accessory = "box"
	AccessoryCharger    Accessory = "charger"
	AccessoryHeadphones Accessory = "headphones"
	AccessoryManual     Accessory = "manual"
)

var AccessoryKinds = []Accessory{AccessoryBox, AccessoryCharger, AccessoryHeadphones, AccessoryManual}

type SellerIdentity struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Email      string `json:"email,omitempty"`
	Address    string `json:"address"`
	IDType     IDType `json:"id_type"`
	IDNumber   string `json:"id_number"`
	IDPhotoRef string `json:"id_photo_ref,omitempty"`
}

type DeviceIdentity struct {
	Brand         string           `json:"brand"`
	Model         string           `json:"model"`
	Storage       string           `json:"storage,omitempty"`
	Color         string           `json:"color,omitempty"`
	IMEI          string           `json:"imei"`
	PurchaseDate  *time.Time       `json:"purchase_date,omitempty"`
	OriginalPrice *decimal.Decimal `json:"original_price,omitempty"`
}

type Accessories struct {
	Box        bool `json:"box"`
	Charger    bool `json:"charger"`
	Headphones bool `json:"headphones"`
	Manual     bool `json:"manual"`
}

// Has reports whether the given accessory was handed over.
func (a Accessories) Has(kind Accessory) bool {
	switch kind {
	case AccessoryBox:
		return a.Box
	case AccessoryCharger:
		return a.Charger
	case AccessoryHeadphones:
		return a.Headphones
	case AccessoryManual:
		return a.Manual
	}
	return false
}

type Condition struct {
	Screen        ConditionGrade `json:"screen"`
	Body          ConditionGrade `json:"body"`
	BatteryHealth int            `json:"battery_health"`
	Issues        []IssueTag     `json:"issues,omitempty"`
	WaterDamage   bool           `json:"water_damage"`
	Accessories   Accessories    `json:"accessories"`
}

// Valuation is the full set of derived pricing fields. It is produced only
// by the valuation engine.
type Valuation struct {
	BaseValue      decimal.Decimal `json:"base_value"`
	ValueUnknown   bool            `json:"value_unknown"`
	EstimatedValue decimal.Decimal `json:"estimated_value"`
	ResaleEstimate decimal.Decimal `json:"resale_estimate"`
	Margin         decimal.Decimal `json:"margin"`
	MarginTax      decimal.Decimal `json:"margin_tax"`
	FinalOffer     decimal.Decimal `json:"final_offer"`
}

// DeviceSnapshot freezes everything the valuation was derived from.
type DeviceSnapshot struct {
	Seller    SellerIdentity  `json:"seller"`
	Device    DeviceIdentity  `json:"device"`
	Condition Condition       `json:"condition"`
	BaseValue decimal.Decimal `json:"base_value"`
	PhotoRefs []string        `json:"photo_refs"`
	Notes     string          `json:"notes,omitempty"`
}

// PriceOverride is a manual offer set by a manager. It never replaces the
// computed valuation.
type PriceOverride struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
	By     string          `json:"by"`
	At     time.Time       `json:"at"`
}

type DeviceStatus string

const (
	DeviceStatusEvaluation DeviceStatus = "evaluation"
	DeviceStatusOffered    DeviceStatus = "offered"
	DeviceStatusAccepted   DeviceStatus = "accepted"
	DeviceStatusRejected   DeviceStatus = "rejected"
	DeviceStatusPaid       DeviceStatus = "paid"
	DeviceStatusResold     DeviceStatus = "resold"
)

type BuybackDevice struct {
	ID          string         `json:"id"`
	StoreID     string         `json:"store_id"`
	Snapshot    DeviceSnapshot `json:"snapshot"`
	Valuation   Valuation      `json:"valuation"`
	Override    *PriceOverride `json:"override,omitempty"`
	Status      DeviceStatus   `json:"status"`
	EvaluatedBy string         `json:"evaluated_by"`
	CreatedAt   time.Time      `json:"created_at"`
	EvaluatedAt time.Time      `json:"evaluated_at"`
	AcceptedAt  *time.Time     `json:"accepted_at,omitempty"`
	PaidAt      *time.Time     `json:"paid_at,omitempty"`
	ResoldAt    *time.Time     `json:"resold_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// EffectiveOffer is what the shop pays: the override when one exists,
// otherwise the computed final offer.
func (d BuybackDevice) EffectiveOffer() decimal.Decimal {
	if d.Override != nil {
		return d.Override.Amount
	}
	return d.Valuation.FinalOffer
}

type DeviceFilter struct {
	StoreID string
	Status  DeviceStatus
	IMEI    string
	Limit   int
}

type DeviceTransitionRequest struct {
	Target    DeviceStatus     `json:"target"`
	SoldTo    string           `json:"sold_to,omitempty"`
	SoldPrice *decimal.Decimal `json:"sold_price,omitempty"`
	SoldAt    *time.Time       `json:"sold_at,omitempty"`
}

type PriceOverrideRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
	ManagerPIN string          `json:"manager_pin"`
}
