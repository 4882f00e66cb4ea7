package core

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// labelPattern constrains capability labels and lock names: lowercase
// alphanumerics with inner dots, dashes and underscores.
var labelPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// reslabel validates capability labels and lock names.
	_ = v.RegisterValidation("reslabel", func(fl validator.FieldLevel) bool {
		return labelPattern.MatchString(fl.Field().String())
	})
	return v
}

// ParseDefinition decodes a YAML job definition and validates it.
// Unknown fields, empty stage lists, malformed labels and incomplete
// action variants all come back as ErrInvalidDefinition.
func ParseDefinition(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty definition", ErrInvalidDefinition)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinition reads and parses a definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDefinition(data)
}

// ValidateDefinition checks structural constraints plus the
// variant-specific required fields of each stage action.
func ValidateDefinition(def *Definition) error {
	if err := validate.Struct(def); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	check := func(stages []Stage) error {
		for _, stage := range stages {
			if err := validateAction(stage); err != nil {
				return err
			}
		}
		return nil
	}
	for _, stages := range [][]Stage{
		def.Stages, def.Hooks.Always, def.Hooks.OnSuccess, def.Hooks.OnFailure,
	} {
		if err := check(stages); err != nil {
			return err
		}
	}
	return nil
}

func validateAction(stage Stage) error {
	a := stage.Action
	switch a.Type {
	case ActionShell:
		if a.Run == "" {
			return fmt.Errorf("%w: stage %q: shell action needs run", ErrInvalidDefinition, stage.Name)
		}
	case ActionContainer:
		if a.Image == "" {
			return fmt.Errorf("%w: stage %q: container action needs image", ErrInvalidDefinition, stage.Name)
		}
	case ActionGate:
		if a.Metric == "" {
			return fmt.Errorf("%w: stage %q: gate action needs metric", ErrInvalidDefinition, stage.Name)
		}
	case ActionApproval:
		// approver optional, any operator may approve
	default:
		return fmt.Errorf("%w: stage %q: unknown action type %q", ErrInvalidDefinition, stage.Name, a.Type)
	}
	return nil
}
