package intake

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/validation"
)

var t0 = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func validSeller() domain.SellerIdentity {
	return domain.SellerIdentity{
		Name:     "Camille Martin",
		Phone:    "+33 6 12 34 56 78",
		Address:  "12 rue des Lilas, Lyon",
		IDType:   domain.IDTypeNationalCard,
		IDNumber: "X1234567",
	}
}

func validDevice() domain.DeviceIdentity {
	return domain.DeviceIdentity{Brand: "Apple", Model: "iPhone 13", IMEI: "490154203237518"}
}

func validCondition() domain.Condition {
	return domain.Condition{Screen: domain.GradePerfect, Body: domain.GradePerfect, BatteryHealth: 100}
}

func mustAdvance(t *testing.T, s Session) Session {
	t.Helper()
	next, res := Advance(s, t0)
	require.Truef(t, res.Valid, "advance from %s: %s %s", s.Step, res.Field, res.Message)
	return next
}

func mustApply(t *testing.T, s Session, in StepInput) Session {
	t.Helper()
	next, res := Apply(s, in, t0)
	require.Truef(t, res.Valid, "apply %s: %s %s", in.Step(), res.Field, res.Message)
	return next
}

// toOfferReview walks a fresh session through the four data steps.
func toOfferReview(t *testing.T, s Session) Session {
	t.Helper()
	s = mustAdvance(t, mustApply(t, s, IdentificationInput{Seller: validSeller()}))
	s = mustAdvance(t, mustApply(t, s, DeviceInput{Device: validDevice()}))
	s = mustAdvance(t, mustApply(t, s, ConditionInput{Condition: validCondition()}))
	s = mustAdvance(t, mustApply(t, s, DocumentationInput{PhotoRefs: []string{"p1.jpg", "p2.jpg", "p3.jpg"}}))
	require.Equal(t, StepOfferReview, s.Step)
	return s
}

func TestNewSessionStartsOnIdentification(t *testing.T) {
	s := NewSession("eval-1", "main-store", "op", t0)
	assert.Equal(t, StepIdentification, s.Step)
	assert.Equal(t, validation.IMEIUnchecked, s.IMEIState)
	assert.Equal(t, [stepCount]bool{}, s.Completed)
}

func TestAdvanceBlockedByFirstFailingField(t *testing.T) {
	s := NewSession("eval-1", "main-store", "op", t0)

	next, res := Advance(s, t0)
	assert.False(t, res.Valid)
	assert.Equal(t, "name", res.Field)
	assert.Equal(t, StepIdentification, next.Step)

	seller := validSeller()
	seller.Phone = ""
	s, res = Apply(s, IdentificationInput{Seller: seller}, t0)
	assert.False(t, res.Valid)
	assert.Equal(t, "phone", res.Field)
	assert.Equal(t, "Camille Martin", s.Seller.Name, "invalid data is still stored")
	assert.False(t, s.Completed[StepIdentification-1])

	err := res.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestDeviceStepTracksIMEIState(t *testing.T) {
	s := mustAdvance(t, mustApply(t, NewSession("eval-1", "", "op", t0), IdentificationInput{Seller: validSeller()}))

	device := validDevice()
	device.IMEI = "490154203237519"
	s, res := Apply(s, DeviceInput{Device: device}, t0)
	assert.False(t, res.Valid)
	assert.Equal(t, "imei", res.Field)
	assert.Equal(t, validation.IMEIInvalid, s.IMEIState)

	_, res = Advance(s, t0)
	assert.False(t, res.Valid)

	device.IMEI = "49-0154 2032.37518"
	s, res = Apply(s, DeviceInput{Device: device}, t0)
	assert.True(t, res.Valid)
	assert.Equal(t, validation.IMEIValid, s.IMEIState)
	assert.Equal(t, "490154203237518", s.Device.IMEI)

	s = mustAdvance(t, s)
	assert.Equal(t, StepCondition, s.Step)
}

func TestConditionStepRequiresAssessment(t *testing.T) {
	s := NewSession("eval-1", "", "op", t0)
	s = mustAdvance(t, mustApply(t, s, IdentificationInput{Seller: validSeller()}))
	s = mustAdvance(t, mustApply(t, s, DeviceInput{Device: validDevice()}))

	_, res := Advance(s, t0)
	assert.False(t, res.Valid)
	assert.Equal(t, "condition", res.Field)

	bad := validCondition()
	bad.BatteryHealth = 120
	_, res = Apply(s, ConditionInput{Condition: bad}, t0)
	assert.False(t, res.Valid)
	assert.Equal(t, "battery_health", res.Field)
}

func TestDocumentationNeedsThreePhotos(t *testing.T) {
	s := NewSession("eval-1", "", "op", t0)
	s = mustAdvance(t, mustApply(t, s, IdentificationInput{Seller: validSeller()}))
	s = mustAdvance(t, mustApply(t, s, DeviceInput{Device: validDevice()}))
	s = mustAdvance(t, mustApply(t, s, ConditionInput{Condition: validCondition()}))

	s, res := Apply(s, DocumentationInput{PhotoRefs: []string{"a.jpg", "a.jpg", " ", "b.jpg"}}, t0)
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, s.PhotoRefs)

	s = mustApply(t, s, DocumentationInput{PhotoRefs: []string{"a.jpg", "b.jpg", "c.jpg"}, Notes: " scratch on lens "})
	assert.Equal(t, "scratch on lens", s.Notes)
}

func TestApplyRejectsInputForAnotherStep(t *testing.T) {
	s := NewSession("eval-1", "", "op", t0)
	next, res := Apply(s, DeviceInput{Device: validDevice()}, t0)
	assert.False(t, res.Valid)
	assert.Equal(t, "step", res.Field)
	assert.Equal(t, domain.DeviceIdentity{}, next.Device)
}

func TestRetreatPreservesData(t *testing.T) {
	s := toOfferReview(t, NewSession("eval-1", "", "op", t0))

	for i := 0; i < 10; i++ {
		s = Retreat(s, t0)
	}
	assert.Equal(t, StepIdentification, s.Step)
	assert.Equal(t, validSeller(), s.Seller)
	assert.Equal(t, "490154203237518", s.Device.IMEI)
	assert.Len(t, s.PhotoRefs, 3)

	s = mustAdvance(t, s)
	assert.Equal(t, StepDevice, s.Step)
}

func TestAdvancePastOfferReviewIsRefused(t *testing.T) {
	s := toOfferReview(t, NewSession("eval-1", "", "op", t0))
	next, res := Advance(s, t0)
	assert.False(t, res.Valid)
	assert.Equal(t, StepOfferReview, next.Step)
}

func TestTransitionsDoNotMutateTheirInput(t *testing.T) {
	s := toOfferReview(t, NewSession("eval-1", "", "op", t0))
	s = Retreat(s, t0)
	before := s.clone()

	_, _ = Apply(s, DocumentationInput{PhotoRefs: []string{"x.jpg"}}, t0.Add(time.Minute))
	assert.Equal(t, before, s)
}

func TestValidateAllReportsFirstIncompleteStep(t *testing.T) {
	s := toOfferReview(t, NewSession("eval-1", "", "op", t0))
	require.NoError(t, ValidateAll(s))

	s.ConditionSet = false
	err := ValidateAll(s)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "condition", verr.Field)
}

func TestParseStep(t *testing.T) {
	for raw, want := range map[string]Step{
		"identification": StepIdentification,
		"Device":         StepDevice,
		"3":              StepCondition,
		"documentation":  StepDocumentation,
		"offer_review":   StepOfferReview,
	} {
		got, err := ParseStep(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got)
	}

	_, err := ParseStep("6")
	assert.True(t, errors.Is(err, domain.ErrValidation))
}
