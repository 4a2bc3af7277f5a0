package models

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	pkgerrors "github.com/angelmondragon/stockhold/pkg/errors"
)

var validate = validator.New()

// All lists the persisted models in dependency order.
func All() []any {
	return []any{
		&StockLedger{},
		&CartReservation{},
		&OrderHold{},
		&OrderHoldLine{},
		&OutboxEvent{},
	}
}

func validateRecord(record any) error {
	err := validate.Struct(record)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		details := map[string]string{}
		for _, fe := range fieldErrs {
			details[fe.Field()] = validationMessage(fe)
		}
		return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(details)
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "validation failed")
}

func validationError(field, message string) error {
	return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
		WithDetails(map[string]string{field: message})
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt", "gte":
		return fmt.Sprintf("must be %s %s", fe.Tag(), fe.Param())
	case "gtefield":
		return fmt.Sprintf("must not precede %s", fe.Param())
	}
	return "is invalid"
}
