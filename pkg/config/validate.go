package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report the mapstructure name so errors reference config keys, not
	// Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks a configuration snapshot for structural errors. It
// combines struct-tag validation with cross-field checks the tags cannot
// express. All problems are reported together.
func Validate(cfg *Config) error {
	var errs []error

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fieldError(fe))
			}
		} else {
			errs = append(errs, err)
		}
	}

	errs = append(errs, validateRelay(&cfg.Relay)...)
	errs = append(errs, validateShares(&cfg.Shares)...)

	if err := cfg.Database.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}

	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) error {
	key := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s: required", key)
	case "required_if":
		return fmt.Errorf("%s: required (%s)", key, fe.Param())
	case "oneof":
		return fmt.Errorf("%s: must be one of [%s]", key, fe.Param())
	case "min":
		return fmt.Errorf("%s: must be at least %s", key, fe.Param())
	case "max":
		return fmt.Errorf("%s: must be at most %s", key, fe.Param())
	case "hostname_port":
		return fmt.Errorf("%s: must be host:port", key)
	case "url":
		return fmt.Errorf("%s: must be a valid URL", key)
	default:
		return fmt.Errorf("%s: failed %q validation", key, fe.Tag())
	}
}

// validateRelay covers the mode-dependent requirements struct tags only
// partially express.
func validateRelay(cfg *RelayConfig) []error {
	var errs []error

	switch cfg.Mode {
	case RelayModeController:
		if len(cfg.Agents) == 0 {
			errs = append(errs, errors.New("relay.agents: controller mode requires at least one agent"))
		}
		seen := make(map[string]bool, len(cfg.Agents))
		for _, a := range cfg.Agents {
			if seen[a.Name] {
				errs = append(errs, fmt.Errorf("relay.agents: duplicate agent name %q", a.Name))
			}
			seen[a.Name] = true
		}
	case RelayModeAgent:
		if len(cfg.Secret) > 0 && len(cfg.Secret) < 16 {
			errs = append(errs, errors.New("relay.secret: must be at least 16 characters"))
		}
	}

	return errs
}

func validateShares(cfg *SharesConfig) []error {
	var errs []error
	seen := make(map[string]bool, len(cfg.Roots))
	for _, root := range cfg.Roots {
		if root == "" {
			errs = append(errs, errors.New("shares.roots: empty root path"))
			continue
		}
		if seen[root] {
			errs = append(errs, fmt.Errorf("shares.roots: duplicate root %q", root))
		}
		seen[root] = true
	}
	return errs
}
