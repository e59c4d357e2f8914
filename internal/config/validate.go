package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// structValidator checks the `validate` struct tags. Field names in its
// errors follow the mapstructure keys so messages match the TOML file.
var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config validation failed: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, describeFieldError(fe))
		}
	}

	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Admin.Enabled && cfg.Server.Port == cfg.Admin.Port {
		errs = append(errs, fmt.Sprintf("server.port and admin.port must differ, both are %d", cfg.Server.Port))
	}

	for name, o := range cfg.Health.Overrides {
		if o.BaseOpenSecs > 0 && o.MaxOpenSecs > 0 && o.MaxOpenSecs < o.BaseOpenSecs {
			errs = append(errs, fmt.Sprintf("health.overrides.%s.max_open_secs must be >= base_open_secs", name))
		}
	}

	seen := make(map[string]bool, len(cfg.Models))
	for i, m := range cfg.Models {
		if seen[m.Name] {
			errs = append(errs, fmt.Sprintf("models[%d].name %q is declared twice", i, m.Name))
		}
		seen[m.Name] = true
		for j, p := range m.Providers {
			if _, ok := cfg.Providers[p.ID]; !ok {
				errs = append(errs, fmt.Sprintf("models[%d].providers[%d].id %q is not a configured provider", i, j, p.ID))
			}
		}
	}
	for i, pc := range cfg.Pricing {
		if _, ok := cfg.Providers[pc.Provider]; !ok {
			errs = append(errs, fmt.Sprintf("pricing[%d].provider %q is not a configured provider", i, pc.Provider))
		}
	}

	if cfg.Tracing.Enabled {
		if !isValidEnum(cfg.Tracing.Exporter, ValidTracingExporters) {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of %v, got %q", ValidTracingExporters, cfg.Tracing.Exporter))
		}
		if cfg.Tracing.ServiceName == "" {
			errs = append(errs, "tracing.service_name must not be empty when tracing is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// describeFieldError renders a validator failure using the TOML key path.
func describeFieldError(fe validator.FieldError) string {
	path := fe.Namespace()
	if i := strings.IndexByte(path, '.'); i >= 0 {
		path = path[i+1:]
	}
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s must not be empty", path)
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s, got %v", path, fe.Param(), fe.Value())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s, got %v", path, fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s, got %v", path, fe.Param(), fe.Value())
	case "gtefield":
		return fmt.Sprintf("%s must be >= %s, got %v", path, fe.Param(), fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", path, fe.Param(), fe.Value())
	case "url":
		return fmt.Sprintf("%s must be a valid URL, got %q", path, fe.Value())
	default:
		return fmt.Sprintf("%s failed %q validation", path, fe.Tag())
	}
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
