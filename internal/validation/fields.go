// Package validation holds the pure predicates that gate the intake wizard.
// Each step validator returns nil or the first failing field.
package validation

import (
	"net/mail"
	"strings"

	"repairpos/backend/internal/domain"
)

// MinPhotos is the number of photo references the documentation step needs.
const MinPhotos = 3

// Identification checks the seller step: contact fields and identity document.
func Identification(seller domain.SellerIdentity) error {
	required := []struct {
		field string
		value string
	}{
		{"name", seller.Name},
		{"phone", seller.Phone},
		{"id_number", seller.IDNumber},
		{"address", seller.Address},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return domain.NewValidationError(r.field, "required")
		}
	}
	if seller.IDType != "" && !seller.IDType.Valid() {
		return domain.NewValidationError("id_type", "unknown identity document type")
	}
	if email := strings.TrimSpace(seller.Email); email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return domain.NewValidationError("email", "invalid email address")
		}
	}
	return nil
}

// Device checks the device step, including the IMEI checksum.
func Device(device domain.DeviceIdentity) error {
	if strings.TrimSpace(device.Brand) == "" {
		return domain.NewValidationError("brand", "required")
	}
	if strings.TrimSpace(device.Model) == "" {
		return domain.NewValidationError("model", "required")
	}
	if len(device.IMEI) != imeiLength {
		return domain.NewValidationError("imei", "must be 15 digits")
	}
	if !ValidIMEI(device.IMEI) {
		return domain.NewValidationError("imei", "checksum mismatch")
	}
	if device.OriginalPrice != nil && device.OriginalPrice.IsNegative() {
		return domain.NewValidationError("original_price", "must not be negative")
	}
	return nil
}

// Condition checks the assessment inputs at the boundary. Out-of-range or
// unknown values are rejected, never clamped or defaulted.
func Condition(c domain.Condition) error {
	if !c.Screen.Valid() {
		return domain.NewValidationError("screen", "unknown condition grade")
	}
	if !c.Body.Valid() {
		return domain.NewValidationError("body", "unknown condition grade")
	}
	if c.BatteryHealth < 0 || c.BatteryHealth > 100 {
		return domain.NewValidationError("battery_health", "must be between 0 and 100")
	}
	for _, tag := range c.Issues {
		if !tag.Valid() {
			return domain.NewValidationError("issues", "unknown issue tag "+string(tag))
		}
	}
	return nil
}

// Documentation requires at least MinPhotos non-blank photo references.
func Documentation(photoRefs []string) error {
	count := 0
	for _, ref := range photoRefs {
		if strings.TrimSpace(ref) != "" {
			count++
		}
	}
	if count < MinPhotos {
		return domain.NewValidationError("photos", "at least 3 photos required")
	}
	return nil
}
