package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ValidationError is one problem found in a configuration file.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path + ": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// LoadError lists every problem of a rejected configuration.
type LoadError struct {
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Loader reads daemon configuration files. Files ending in .cue are
// compiled as CUE; .yaml and .yml files are read as YAML. Both are checked
// against the builtin #Config schema, applied on top of Default and
// validated with struct tags.
type Loader struct {
	ctx      *cue.Context
	schemas  *SchemaRegistry
	validate *validator.Validate
}

// NewLoader creates a loader.
func NewLoader() *Loader {
	ctx := cuecontext.New()
	return &Loader{
		ctx:      ctx,
		schemas:  NewSchemaRegistry(ctx),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Load reads the configuration file at path.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		format = "cue"
	case ".yaml", ".yml":
		format = "yaml"
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return l.Parse(data, format, path)
}

// Parse decodes data in the given format ("cue" or "yaml"). name is used
// in error positions.
func (l *Loader) Parse(data []byte, format, name string) (*Config, error) {
	var val cue.Value
	switch format {
	case "cue":
		val = l.ctx.CompileBytes(data, cue.Filename(name))
	case "yaml":
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, &LoadError{Errors: []ValidationError{{File: name, Message: err.Error()}}}
		}
		if raw == nil {
			raw = map[string]interface{}{}
		}
		val = l.ctx.Encode(raw)
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	if err := val.Err(); err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err, name)}
	}

	unified, err := l.schemas.Unify("config", val)
	if err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err, name)}
	}

	js, err := unified.MarshalJSON()
	if err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err, name)}
	}

	// Handler table entries in the file override the defaults per code.
	cfg := Default()
	if err := json.Unmarshal(js, cfg); err != nil {
		return nil, &LoadError{Errors: []ValidationError{{File: name, Message: err.Error()}}}
	}

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and the handler table.
func (l *Loader) Validate(cfg *Config) error {
	var errs []ValidationError

	if err := l.validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, ValidationError{
					Path:    fe.Namespace(),
					Message: fmt.Sprintf("failed on %s", fe.Tag()),
				})
			}
		} else {
			errs = append(errs, ValidationError{Message: err.Error()})
		}
	}
	if _, err := cfg.Bindings(); err != nil {
		errs = append(errs, ValidationError{Path: "handlers", Message: err.Error()})
	}

	if len(errs) > 0 {
		return &LoadError{Errors: errs}
	}
	return nil
}

func convertCUEErrors(err error, name string) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File:    name,
			Message: e.Error(),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() != "" {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{File: name, Message: err.Error()})
	}
	return out
}
