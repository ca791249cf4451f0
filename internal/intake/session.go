// Package intake runs the five-step buyback evaluation wizard. Sessions
// live in memory only; nothing reaches the database before Finalize.
package intake

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/validation"
)

type Step int

const (
	StepIdentification Step = iota + 1
	StepDevice
	StepCondition
	StepDocumentation
	StepOfferReview
)

const stepCount = int(StepOfferReview)

var stepNames = map[Step]string{
	StepIdentification: "identification",
	StepDevice:         "device",
	StepCondition:      "condition",
	StepDocumentation:  "documentation",
	StepOfferReview:    "offer_review",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return "step(" + strconv.Itoa(int(s)) + ")"
}

func (s Step) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStep accepts a step name or its 1-based index.
func ParseStep(raw string) (Step, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for step, name := range stepNames {
		if raw == name {
			return step, nil
		}
	}
	if n, err := strconv.Atoi(raw); err == nil && n >= 1 && n <= stepCount {
		return Step(n), nil
	}
	return 0, domain.NewValidationError("step", fmt.Sprintf("unknown step %q", raw))
}

// Session is the transient state of one evaluation. Sessions are values:
// the transition functions below return an updated copy.
type Session struct {
	ID        string                `json:"id"`
	StoreID   string                `json:"store_id"`
	Operator  string                `json:"operator"`
	Step      Step                  `json:"step"`
	Completed [stepCount]bool       `json:"completed"`
	Seller    domain.SellerIdentity `json:"seller"`
	Device    domain.DeviceIdentity `json:"device"`
	IMEIState validation.IMEIState  `json:"imei_state"`
	Condition domain.Condition      `json:"condition"`
	// ConditionSet distinguishes "not assessed yet" from a zero assessment.
	ConditionSet bool      `json:"condition_set"`
	PhotoRefs    []string  `json:"photo_refs"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func NewSession(id string, storeID string, operator string, now time.Time) Session {
	return Session{
		ID:        id,
		StoreID:   storeID,
		Operator:  operator,
		Step:      StepIdentification,
		IMEIState: validation.IMEIUnchecked,
		PhotoRefs: []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s Session) clone() Session {
	dup := s
	dup.PhotoRefs = slices.Clone(s.PhotoRefs)
	dup.Condition.Issues = slices.Clone(s.Condition.Issues)
	return dup
}

// ValidationResult is the outcome of a step check: pass, or the first
// failing field.
type ValidationResult struct {
	Step    Step   `json:"step"`
	Valid   bool   `json:"valid"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message,omitempty"`
}

func resultFor(step Step, err error) ValidationResult {
	if err == nil {
		return ValidationResult{Step: step, Valid: true}
	}
	res := ValidationResult{Step: step, Message: err.Error()}
	if verr, ok := err.(*domain.ValidationError); ok {
		res.Field = verr.Field
		res.Message = verr.Message
	}
	return res
}

// Err converts a failed result back into a *domain.ValidationError.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return domain.NewValidationError(r.Field, r.Message)
}

// StepInput is the data entered on one wizard step. The set of
// implementations is closed.
type StepInput interface {
	Step() Step
	apply(s *Session)
}

type IdentificationInput struct {
	Seller domain.SellerIdentity `json:"seller"`
}

type DeviceInput struct {
	Device domain.DeviceIdentity `json:"device"`
}

type ConditionInput struct {
	Condition domain.Condition `json:"condition"`
}

type DocumentationInput struct {
	PhotoRefs []string `json:"photo_refs"`
	Notes     string   `json:"notes,omitempty"`
}

type OfferReviewInput struct {
	Notes string `json:"notes,omitempty"`
}

func (IdentificationInput) Step() Step { return StepIdentification }
func (DeviceInput) Step() Step         { return StepDevice }
func (ConditionInput) Step() Step      { return StepCondition }
func (DocumentationInput) Step() Step  { return StepDocumentation }
func (OfferReviewInput) Step() Step    { return StepOfferReview }

func (in IdentificationInput) apply(s *Session) {
	seller := in.Seller
	seller.Name = strings.TrimSpace(seller.Name)
	seller.Phone = strings.TrimSpace(seller.Phone)
	seller.Email = strings.TrimSpace(seller.Email)
	seller.Address = strings.TrimSpace(seller.Address)
	seller.IDNumber = strings.TrimSpace(seller.IDNumber)
	s.Seller = seller
}

func (in DeviceInput) apply(s *Session) {
	device := in.Device
	device.Brand = strings.TrimSpace(device.Brand)
	device.Model = strings.TrimSpace(device.Model)
	device.IMEI = validation.NormalizeIMEI(device.IMEI)

	if device.IMEI != s.Device.IMEI || s.IMEIState == validation.IMEIUnchecked {
		// The check is synchronous, so "checking" never outlives this call.
		s.IMEIState = validation.IMEIChecking
		if device.IMEI == "" {
			s.IMEIState = validation.IMEIUnchecked
		} else {
			s.IMEIState = validation.CheckIMEI(device.IMEI)
		}
	}
	s.Device = device
}

func (in ConditionInput) apply(s *Session) {
	s.Condition = in.Condition
	s.Condition.Issues = slices.Clone(in.Condition.Issues)
	s.ConditionSet = true
}

func (in DocumentationInput) apply(s *Session) {
	refs := make([]string, 0, len(in.PhotoRefs))
	for _, ref := range in.PhotoRefs {
		if ref = strings.TrimSpace(ref); ref != "" && !slices.Contains(refs, ref) {
			refs = append(refs, ref)
		}
	}
	s.PhotoRefs = refs
	s.Notes = strings.TrimSpace(in.Notes)
}

func (in OfferReviewInput) apply(s *Session) {
	if notes := strings.TrimSpace(in.Notes); notes != "" {
		s.Notes = notes
	}
}

// Apply stores the data of the current step and reports whether the step
// would pass. Invalid data is kept so the operator can correct it; only the
// completion flag depends on validity.
func Apply(s Session, in StepInput, now time.Time) (Session, ValidationResult) {
	if in.Step() != s.Step {
		return s, ValidationResult{
			Step:    in.Step(),
			Field:   "step",
			Message: fmt.Sprintf("session is on step %s", s.Step),
		}
	}

	next := s.clone()
	in.apply(&next)
	next.UpdatedAt = now

	res := resultFor(next.Step, validateStep(next, next.Step))
	next.Completed[next.Step-1] = res.Valid
	return next, res
}

// Advance moves to the next step when the current one validates.
func Advance(s Session, now time.Time) (Session, ValidationResult) {
	if s.Step == StepOfferReview {
		return s, ValidationResult{Step: s.Step, Field: "step", Message: "offer review is the last step, finalize instead"}
	}

	res := resultFor(s.Step, validateStep(s, s.Step))
	if !res.Valid {
		return s, res
	}
	next := s.clone()
	next.Completed[next.Step-1] = true
	next.Step++
	next.UpdatedAt = now
	return next, res
}

// Retreat moves one step back. Entered data is preserved.
func Retreat(s Session, now time.Time) Session {
	if s.Step == StepIdentification {
		return s
	}
	next := s.clone()
	next.Step--
	next.UpdatedAt = now
	return next
}

// ValidateAll re-checks every step before Offer review and returns the first
// failure.
func ValidateAll(s Session) error {
	for step := StepIdentification; step < StepOfferReview; step++ {
		if err := validateStep(s, step); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s Session, step Step) error {
	switch step {
	case StepIdentification:
		return validation.Identification(s.Seller)
	case StepDevice:
		if err := validation.Device(s.Device); err != nil {
			return err
		}
		if s.IMEIState != validation.IMEIValid {
			return domain.NewValidationError("imei", "imei has not been verified")
		}
		return nil
	case StepCondition:
		if !s.ConditionSet {
			return domain.NewValidationError("condition", "condition assessment missing")
		}
		return validation.Condition(s.Condition)
	case StepDocumentation:
		return validation.Documentation(s.PhotoRefs)
	case StepOfferReview:
		return nil
	}
	return domain.NewValidationError("step", "unknown step")
}
