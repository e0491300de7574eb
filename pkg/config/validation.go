package config

import (
	"reflect"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

// Validator is implemented by configuration structs with rules beyond
// required fields. Platform errors are returned unchanged; anything else
// is wrapped as a validation failure.
type Validator interface {
	Validate() error
}

func validate(cfg any, rv reflect.Value) error {
	err := walk(rv, "", "", func(f reflect.Value, sf reflect.StructField, path, _ string) error {
		if sf.Tag.Get("required") == "true" && f.IsZero() {
			return sserr.Newf(sserr.CodeConfigRequired, "config: required field %q is empty", path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		if _, isPlatform := sserr.AsError(err); isPlatform {
			return err
		}
		return sserr.Wrap(err, sserr.CodeConfigInvalid, "config: validation failed")
	}
	return nil
}
