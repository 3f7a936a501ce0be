package providers

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateMessages checks that the list is non-empty and every message has
// a known role and non-empty content.
func ValidateMessages(messages []Message) error {
	if len(messages) == 0 {
		return &MessageError{Index: -1, Reason: "messages must not be empty"}
	}
	v := validatorInstance()
	for i, m := range messages {
		if err := v.Struct(m); err != nil {
			return &MessageError{Index: i, Reason: describe(err)}
		}
	}
	return nil
}

// Validate checks option ranges: temperature in [0,2], topP in [0,1],
// maxTokens >= 0.
func (o Options) Validate() error {
	if err := validatorInstance().Struct(o); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return &OptionError{Field: ve[0].Field(), Reason: ruleText(ve[0])}
		}
		return &OptionError{Field: "options", Reason: err.Error()}
	}
	for i, t := range o.Tools {
		if t.Name == "" {
			return &OptionError{Field: "tools", Reason: "tool " + strconv.Itoa(i) + " has no name"}
		}
	}
	return nil
}

func describe(err error) string {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		fe := ve[0]
		switch fe.Field() {
		case "Role":
			if fe.Tag() == "required" {
				return "role is required"
			}
			return "unknown role " + strconv.Quote(fmt.Sprint(fe.Value()))
		case "Content":
			return "content must not be empty"
		}
		return fe.Field() + " " + ruleText(fe)
	}
	return err.Error()
}

func ruleText(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	}
	return "failed " + fe.Tag()
}
