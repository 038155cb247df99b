package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// maxDefinitionSize caps definition files at 1MB.
const maxDefinitionSize = 1 << 20

// Definition is the on-disk description of a workflow.
type Definition struct {
	Name  string `yaml:"name" validate:"required"`
	Tier  Tier   `yaml:"tier" validate:"gte=0,lte=4"`
	Steps []Step `yaml:"steps" validate:"required,min=1,dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseDefinition decodes and validates a YAML workflow definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	if err := validate.Struct(&def); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, fmt.Errorf("%w: field %s failed %q", ErrInvalidDefinition, verrs[0].Namespace(), verrs[0].Tag())
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	for i := range def.Steps {
		if def.Steps[i].Oversight == "" {
			def.Steps[i].Oversight = OversightNone
		}
	}
	return &def, nil
}

// LoadDefinition reads a definition file from disk.
func LoadDefinition(path string) (*Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat definition: %w", err)
	}
	if info.Size() > maxDefinitionSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidDefinition, path, maxDefinitionSize)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path supplied by operator
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return ParseDefinition(data)
}

// Instantiate creates a new instance of the definition.
func (d *Definition) Instantiate(id string, now time.Time) (*Instance, error) {
	return NewInstance(id, d.Name, d.Tier, d.Steps, now)
}
