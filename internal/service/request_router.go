package service

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spec-kit/ticket-gateway/internal/domain"
	apperrors "github.com/spec-kit/ticket-gateway/pkg/util/errorutil"
)

// Field names accepted from the form.
const (
	FieldReceivingGroup      = "receivingGroup"
	FieldCustomString1       = "customString1"
	FieldConfigurationItemID = "configurationItemId"
	FieldType                = "type"
	FieldImpact              = "impact"
	FieldUrgency             = "urgency"
	FieldDescription         = "description"
	FieldLocation            = "location"
	FieldPurchase            = "purchase"
	FieldQuantity            = "quantity"
	FieldTransactionStatus   = "transactionStatus"
)

// variantSchema lists what a variant requires.
type variantSchema struct {
	required []string
	// numeric fields must parse as integers when present.
	numeric []string
	// positive fields must be integers greater than zero.
	positive        []string
	allowAttachment bool
}

var schemas = map[domain.Variant]variantSchema{
	domain.VariantCall: {
		required: []string{FieldReceivingGroup, FieldCustomString1, FieldConfigurationItemID, FieldType, FieldImpact, FieldUrgency, FieldDescription},
		numeric:  []string{FieldReceivingGroup, FieldConfigurationItemID, FieldType, FieldImpact, FieldUrgency},
	},
	domain.VariantInfo: {
		required:        []string{FieldReceivingGroup, FieldCustomString1, FieldType, FieldImpact, FieldUrgency, FieldDescription},
		numeric:         []string{FieldReceivingGroup, FieldType, FieldImpact, FieldUrgency, FieldLocation},
		allowAttachment: true,
	},
	domain.VariantStock: {
		required: []string{FieldPurchase, FieldQuantity, FieldTransactionStatus},
		numeric:  []string{FieldPurchase, FieldQuantity, FieldTransactionStatus},
		positive: []string{FieldQuantity},
	},
}

// RawRequest is an inbound request before validation.
type RawRequest struct {
	CodeType   string
	Fields     map[string]string
	Attachment *domain.FileHandle
}

// ParseVariant maps a codeType discriminator to a Variant.
func ParseVariant(codeType string) (domain.Variant, error) {
	switch strings.ToLower(strings.TrimSpace(codeType)) {
	case "call":
		return domain.VariantCall, nil
	case "inf", "info":
		return domain.VariantInfo, nil
	case "stock":
		return domain.VariantStock, nil
	case "":
		return "", apperrors.NewValidationError("codeType is required", map[string]any{
			"missing_fields": []string{"codeType"},
		})
	default:
		return "", apperrors.NewValidationError(
			fmt.Sprintf("unknown codeType %q; expected call, inf or stock", codeType),
			map[string]any{"invalid_fields": []string{"codeType"}})
	}
}

// Route validates raw against its variant's schema and returns the immutable
// request. Every missing or malformed field is reported in one error.
func Route(raw RawRequest) (*domain.TicketRequest, error) {
	variant, err := ParseVariant(raw.CodeType)
	if err != nil {
		return nil, err
	}
	schema := schemas[variant]

	fields := make(map[string]string, len(raw.Fields))
	for k, v := range raw.Fields {
		if v = strings.TrimSpace(v); v != "" {
			fields[k] = v
		}
	}

	var missing []string
	for _, name := range schema.required {
		if _, ok := fields[name]; !ok {
			missing = append(missing, name)
		}
	}

	var invalid []string
	for _, name := range schema.numeric {
		value, ok := fields[name]
		if !ok {
			continue
		}
		if _, err := strconv.Atoi(value); err != nil {
			invalid = append(invalid, name)
		}
	}
	for _, name := range schema.positive {
		value, ok := fields[name]
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(value); err == nil && n <= 0 {
			invalid = append(invalid, name)
		}
	}
	if raw.Attachment != nil && !schema.allowAttachment {
		invalid = append(invalid, "attachment")
	}

	if len(missing) > 0 || len(invalid) > 0 {
		return nil, validationFailure(variant, missing, invalid)
	}
	return domain.NewTicketRequest(variant, fields, raw.Attachment), nil
}

func validationFailure(variant domain.Variant, missing, invalid []string) error {
	var parts []string
	details := map[string]any{"codeType": string(variant)}
	if len(missing) > 0 {
		parts = append(parts, "missing required fields: "+strings.Join(missing, ", "))
		details["missing_fields"] = missing
	}
	if len(invalid) > 0 {
		parts = append(parts, "invalid fields: "+strings.Join(invalid, ", "))
		details["invalid_fields"] = invalid
	}
	return apperrors.NewValidationError(strings.Join(parts, "; "), details)
}

// intField reads a field Route already checked.
func intField(req *domain.TicketRequest, name string) int {
	n, _ := strconv.Atoi(req.Field(name))
	return n
}
