// Package config loads realmgate configuration from struct tag defaults,
// an optional YAML or JSON file, dotenv files and the process environment.
// Values resolve in this order, later sources winning:
//
//	envDefault tags
//	config file (.yaml, .yml, .json)
//	dotenv files (only for variables not already set in the process)
//	environment variables
//
// # Struct Tags
//
//   - `env:"NAME"` binds a field to an environment variable. On a nested
//     struct the tag becomes a prefix for the children.
//   - `envDefault:"value"` applies when the field is still zero.
//   - `required:"true"` fails loading if the field is zero afterwards.
//
// # Usage
//
//	var cfg gateway.Config
//	err := config.New().
//	    WithEnvPrefix("REALMGATE").
//	    WithDotEnv(".env").
//	    WithFile("/etc/realmgate/config.yaml").
//	    Load(&cfg)
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Loader resolves configuration into a struct. It is not safe for
// concurrent use.
type Loader struct {
	envPrefix string
	filePath  string
	dotEnvs   []string
	lookupEnv func(string) (string, bool)
}

// New returns a Loader that reads only the process environment.
func New() *Loader {
	return &Loader{lookupEnv: os.LookupEnv}
}

// WithEnvPrefix prepends PREFIX_ to every environment variable name.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets a YAML or JSON file to read. A missing file is ignored.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// WithDotEnv loads the given dotenv files into the process environment
// before environment variables are applied. Variables already present in
// the environment are not overwritten. Missing files are ignored.
func (l *Loader) WithDotEnv(paths ...string) *Loader {
	l.dotEnvs = append(l.dotEnvs, paths...)
	return l
}

// Load populates cfg, which must be a non-nil pointer to a struct, and
// validates it. If cfg implements [Validator], its Validate method runs
// last.
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return sserr.New(sserr.CodeConfigInvalid, "config: Load requires a non-nil pointer to a struct")
	}
	rv = rv.Elem()

	if err := walk(rv, "", l.envPrefix, applyDefault); err != nil {
		return err
	}
	if err := l.loadFile(cfg); err != nil {
		return err
	}
	if err := l.loadDotEnv(); err != nil {
		return err
	}
	lookup := l.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	err := walk(rv, "", l.envPrefix, func(f reflect.Value, sf reflect.StructField, _, envKey string) error {
		return applyEnv(f, sf, envKey, lookup)
	})
	if err != nil {
		return err
	}
	return validate(cfg, rv)
}

// MustLoad loads a T or panics. Use it only from main.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

func (l *Loader) loadFile(cfg any) error {
	if l.filePath == "" {
		return nil
	}
	if strings.Contains(l.filePath, "..") {
		return sserr.New(sserr.CodeConfigInvalid, "config: file path must not contain \"..\"")
	}
	data, err := os.ReadFile(l.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeConfigInvalid, "config: read %q", l.filePath)
	}

	switch ext := strings.ToLower(filepath.Ext(l.filePath)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	default:
		return sserr.Newf(sserr.CodeConfigInvalid, "config: unsupported file extension %q", ext)
	}
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeConfigInvalid, "config: parse %q", l.filePath)
	}
	return nil
}

func (l *Loader) loadDotEnv() error {
	var present []string
	for _, p := range l.dotEnvs {
		if _, err := os.Stat(p); err == nil {
			present = append(present, p)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return sserr.Wrap(err, sserr.CodeConfigInvalid, "config: load dotenv")
	}
	return nil
}

// fieldFunc is called for every settable leaf field. path is the dotted Go
// field path and envKey the fully prefixed variable name (empty when the
// field has no env tag).
type fieldFunc func(f reflect.Value, sf reflect.StructField, path, envKey string) error

func walk(rv reflect.Value, path, prefix string, fn fieldFunc) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f, sf := rv.Field(i), rt.Field(i)
		if !f.CanSet() {
			continue
		}
		fieldPath := joinPath(path, ".", sf.Name)
		envTag := sf.Tag.Get("env")

		if f.Kind() == reflect.Struct && sf.Type != durationType {
			childPrefix := prefix
			if envTag != "" {
				childPrefix = joinPath(prefix, "_", envTag)
			}
			if err := walk(f, fieldPath, childPrefix, fn); err != nil {
				return err
			}
			continue
		}

		envKey := ""
		if envTag != "" {
			envKey = joinPath(prefix, "_", envTag)
		}
		if err := fn(f, sf, fieldPath, envKey); err != nil {
			return err
		}
	}
	return nil
}

func joinPath(a, sep, b string) string {
	if a == "" {
		return b
	}
	return a + sep + b
}

func applyDefault(f reflect.Value, sf reflect.StructField, path, _ string) error {
	def, ok := sf.Tag.Lookup("envDefault")
	if !ok || !f.IsZero() {
		return nil
	}
	if err := setField(f, def); err != nil {
		return sserr.Wrapf(err, sserr.CodeConfigInvalid, "config: default for %q", path)
	}
	return nil
}

func applyEnv(f reflect.Value, sf reflect.StructField, envKey string, lookup func(string) (string, bool)) error {
	if envKey == "" {
		return nil
	}
	val, ok := lookup(envKey)
	if !ok {
		return nil
	}
	if err := setField(f, val); err != nil {
		return sserr.Wrapf(err, sserr.CodeConfigInvalid, "config: %s from %s", sf.Name, envKey)
	}
	return nil
}

// setField parses value into f. Supported kinds are strings (including
// named string types), bools, signed and unsigned integers, floats,
// time.Duration and string slices (comma separated).
func setField(f reflect.Value, value string) error {
	if f.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", value, err)
		}
		f.SetInt(int64(d))
		return nil
	}

	switch f.Kind() {
	case reflect.String:
		f.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("parse bool %q: %w", value, err)
		}
		f.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, f.Type().Bits())
		if err != nil {
			return fmt.Errorf("parse int %q: %w", value, err)
		}
		f.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, f.Type().Bits())
		if err != nil {
			return fmt.Errorf("parse uint %q: %w", value, err)
		}
		f.SetUint(n)
	case reflect.Float32, reflect.Float64:
		n, err := strconv.ParseFloat(value, f.Type().Bits())
		if err != nil {
			return fmt.Errorf("parse float %q: %w", value, err)
		}
		f.SetFloat(n)
	case reflect.Slice:
		if f.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element %s", f.Type().Elem().Kind())
		}
		var parts []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		s := reflect.MakeSlice(f.Type(), len(parts), len(parts))
		for i, p := range parts {
			s.Index(i).SetString(p)
		}
		f.Set(s)
	default:
		return fmt.Errorf("unsupported field kind %s", f.Kind())
	}
	return nil
}
