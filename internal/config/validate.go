package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"agentrelay/internal/domain"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks that the config has valid values. Struct tags cover
// ranges and required fields; cross-field rules are checked by hand.
func Validate(cfg *Config) error {
	var errs []string

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, describe(fe))
		}
	}

	if cfg.Pipeline.Lock == "advisory" && cfg.Database.Driver != "postgres" {
		errs = append(errs, "pipeline.lock=advisory requires database.driver=postgres")
	}
	for name := range cfg.Pipeline.FallbackModels {
		if _, ok := domain.ParseProviderID(name); !ok {
			errs = append(errs, fmt.Sprintf("pipeline.fallbackModels references unknown provider: %s", name))
		}
	}

	if cfg.Probe.Enabled {
		if _, err := cron.ParseStandard(cfg.Probe.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("probe.schedule is invalid: %v", err))
		}
	}

	tg := cfg.Alerts.Telegram
	if tg.Enabled && (tg.Token == "" || tg.ChatID == 0) {
		errs = append(errs, "alerts.telegram requires token and chatId when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min", "max":
		return fmt.Sprintf("%s must be %s %s", field, map[string]string{"min": ">=", "max": "<="}[fe.Tag()], fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
