package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// LooseString accepts a JSON string, number, or null. Phone numbers often arrive as
// bare numbers, so they are kept in their literal text form.
type LooseString string

// UnmarshalJSON implements json.Unmarshaler
func (s *LooseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}

	switch data[0] {
	case '"':
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = LooseString(str)
		return nil
	case '{', '[':
		return fmt.Errorf("expected string or number, got %s", string(data[:1]))
	case 't', 'f':
		return fmt.Errorf("expected string or number, got boolean")
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = LooseString(num.String())
	return nil
}

// IdentifyRequest is the inbound observation body. "phone" is accepted as an alias of
// "phoneNumber".
type IdentifyRequest struct {
	Email       LooseString `json:"email" validate:"omitempty,max=320"`
	PhoneNumber LooseString `json:"phoneNumber" validate:"omitempty,max=64"`
	Phone       LooseString `json:"phone" validate:"omitempty,max=64"`
}

// PhoneValue returns phoneNumber, falling back to the phone alias
func (r IdentifyRequest) PhoneValue() string {
	if r.PhoneNumber != "" {
		return string(r.PhoneNumber)
	}
	return string(r.Phone)
}
