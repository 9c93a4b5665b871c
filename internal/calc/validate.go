package calc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"openbooking/internal/bookingerr"
	"openbooking/internal/models"
)

// detailsRequired reports whether attendee, intake form and customer checks
// apply at the stage. C1 is advisory only.
func detailsRequired(stage models.FlowStage) bool {
	switch stage {
	case models.StageC2, models.StageP, models.StageB:
		return true
	}
	return false
}

// ValidateCustomer requires a customer with an email address from C2 onward.
func ValidateCustomer(order *models.Order, stage models.FlowStage) error {
	if !detailsRequired(stage) {
		return nil
	}
	if order.Customer == nil || order.Customer.Email == "" {
		return bookingerr.New(bookingerr.CodeIncompleteCustomerDetails, "customer.email is required")
	}
	if order.Customer.Relationship() == models.BusinessToConsumer &&
		(order.Customer.GivenName == "" || order.Customer.FamilyName == "") && order.Customer.Name == "" {
		return bookingerr.New(bookingerr.CodeIncompleteCustomerDetails, "customer name is required")
	}
	return nil
}

// ValidateDetails attaches attendee and intake form errors to each item. Every
// offending field gets its own error.
func ValidateDetails(items []*models.OrderItem, stage models.FlowStage) {
	if !detailsRequired(stage) {
		return
	}
	for _, item := range items {
		validateAttendee(item)
		validateIntakeForm(item)
	}
}

func validateAttendee(item *models.OrderItem) {
	if len(item.AttendeeDetailsRequired) == 0 {
		return
	}
	var missing []string
	for _, field := range item.AttendeeDetailsRequired {
		if strings.TrimSpace(item.Attendee.Field(field)) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		item.AddError(bookingerr.CodeIncompleteAttendeeDetails,
			fmt.Sprintf("attendee is missing %s", strings.Join(missing, ", ")))
	}
	if email := item.Attendee.Field("email"); email != "" && !strings.Contains(email, "@") {
		item.AddError(bookingerr.CodeInvalidAttendeeDetails, "attendee email is not a valid address")
	}
}

func validateIntakeForm(item *models.OrderItem) {
	if len(item.OrderItemIntakeForm) == 0 && len(item.OrderItemIntakeFormResponse) == 0 {
		return
	}

	responses := make(map[string][]models.PropertyValue)
	for _, r := range item.OrderItemIntakeFormResponse {
		responses[r.PropertyID] = append(responses[r.PropertyID], r)
	}

	var missing []string
	known := make(map[string]bool, len(item.OrderItemIntakeForm))
	for _, field := range item.OrderItemIntakeForm {
		known[field.ID] = true
		got := responses[field.ID]
		switch {
		case len(got) > 1:
			item.AddError(bookingerr.CodeInvalidIntakeForm,
				fmt.Sprintf("more than one response for %s", field.ID))
		case len(got) == 0 || isEmptyValue(got[0].Value):
			if field.ValueRequired {
				missing = append(missing, field.ID)
			}
		default:
			if msg := checkValue(field, got[0].Value); msg != "" {
				item.AddError(bookingerr.CodeInvalidIntakeForm, msg)
			}
		}
	}
	if len(missing) > 0 {
		item.AddError(bookingerr.CodeIncompleteIntakeForm,
			fmt.Sprintf("no response for %s", strings.Join(missing, ", ")))
	}

	for _, r := range item.OrderItemIntakeFormResponse {
		if !known[r.PropertyID] {
			item.AddError(bookingerr.CodeInvalidIntakeForm,
				fmt.Sprintf("%s is not a question on this form", r.PropertyID))
		}
	}
}

func isEmptyValue(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) == 0 || bytes.Equal(t, []byte("null")) || bytes.Equal(t, []byte(`""`))
}

func checkValue(field models.FormField, raw json.RawMessage) string {
	switch field.Type {
	case models.FormBoolean:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Sprintf("%s must be true or false", field.ID)
		}
	case models.FormDropdown:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Sprintf("%s must be one of its options", field.ID)
		}
		for _, opt := range field.ValueOption {
			if opt == s {
				return ""
			}
		}
		return fmt.Sprintf("%q is not an option for %s", s, field.ID)
	default:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Sprintf("%s must be text", field.ID)
		}
	}
	return ""
}
