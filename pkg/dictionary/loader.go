package dictionary

import (
	"fmt"
	"io"
	"strings"

	"github.com/cuemby/nodestore/pkg/types"
	"gopkg.in/yaml.v3"
)

// ModelFile is the YAML form of a content model
type ModelFile struct {
	Namespace    string      `yaml:"namespace"`
	Prefix       string      `yaml:"prefix"`
	Types        []ClassSpec `yaml:"types"`
	Aspects      []ClassSpec `yaml:"aspects"`
	Associations []AssocSpec `yaml:"associations"`
}

type ClassSpec struct {
	Name             string         `yaml:"name"`
	Parent           string         `yaml:"parent"`
	Properties       []PropertySpec `yaml:"properties"`
	MandatoryAspects []string       `yaml:"mandatory_aspects"`
}

type PropertySpec struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Default   any    `yaml:"default"`
	Multiple  bool   `yaml:"multiple"`
	Mandatory bool   `yaml:"mandatory"`
	Protected bool   `yaml:"protected"`
}

type AssocSpec struct {
	Name  string `yaml:"name"`
	Child bool   `yaml:"child"`
}

// LoadModel parses a YAML model and adds its definitions. Names without a
// prefix resolve to the model's namespace.
func (s *Service) LoadModel(r io.Reader) error {
	var mf ModelFile
	if err := yaml.NewDecoder(r).Decode(&mf); err != nil {
		return fmt.Errorf("failed to decode model: %w", err)
	}
	if mf.Namespace == "" {
		return fmt.Errorf("model has no namespace")
	}
	if mf.Prefix != "" {
		types.RegisterPrefix(mf.Prefix, mf.Namespace)
	}

	resolve := func(name string) (types.QName, error) {
		if name == "" {
			return types.QName{}, nil
		}
		if strings.Contains(name, ":") || strings.HasPrefix(name, "{") {
			return types.ParseQName(name)
		}
		return types.NewQName(mf.Namespace, name), nil
	}

	var (
		classes []*ClassDef
		props   []*PropertyDef
		assocs  []*AssocDef
	)

	buildClass := func(spec ClassSpec, aspect bool) error {
		name, err := resolve(spec.Name)
		if err != nil || name.IsZero() {
			return fmt.Errorf("invalid class name %q", spec.Name)
		}
		parent, err := resolve(spec.Parent)
		if err != nil {
			return fmt.Errorf("class %s: invalid parent: %w", name, err)
		}
		if !aspect && parent.IsZero() {
			parent = TypeBase
		}
		def := &ClassDef{Name: name, Parent: parent, IsAspect: aspect}
		for _, ps := range spec.Properties {
			prop, err := buildProperty(ps, resolve)
			if err != nil {
				return fmt.Errorf("class %s: %w", name, err)
			}
			props = append(props, prop)
			def.Properties = append(def.Properties, prop.Name)
		}
		for _, a := range spec.MandatoryAspects {
			q, err := resolve(a)
			if err != nil {
				return fmt.Errorf("class %s: %w", name, err)
			}
			def.MandatoryAspects = append(def.MandatoryAspects, q)
		}
		classes = append(classes, def)
		return nil
	}

	for _, spec := range mf.Types {
		if err := buildClass(spec, false); err != nil {
			return err
		}
	}
	for _, spec := range mf.Aspects {
		if err := buildClass(spec, true); err != nil {
			return err
		}
	}
	for _, spec := range mf.Associations {
		name, err := resolve(spec.Name)
		if err != nil || name.IsZero() {
			return fmt.Errorf("invalid association name %q", spec.Name)
		}
		assocs = append(assocs, &AssocDef{Name: name, IsChild: spec.Child})
	}

	// Parents may come from this model or any model already loaded
	known := func(q types.QName) bool {
		if _, ok := s.Class(q); ok {
			return true
		}
		for _, c := range classes {
			if c.Name == q {
				return true
			}
		}
		return false
	}
	for _, c := range classes {
		if !c.Parent.IsZero() && !known(c.Parent) {
			return fmt.Errorf("class %s: %w: parent %s", c.Name, ErrUnknownClass, c.Parent)
		}
		for _, a := range c.MandatoryAspects {
			if !known(a) {
				return fmt.Errorf("class %s: %w: aspect %s", c.Name, ErrUnknownClass, a)
			}
		}
	}

	s.register(classes, props, assocs)
	return nil
}

func buildProperty(ps PropertySpec, resolve func(string) (types.QName, error)) (*PropertyDef, error) {
	name, err := resolve(ps.Name)
	if err != nil || name.IsZero() {
		return nil, fmt.Errorf("invalid property name %q", ps.Name)
	}
	dt := DataType(ps.Type)
	if dt == "" {
		dt = DataTypeText
	}
	def := &PropertyDef{
		Name:      name,
		Type:      dt,
		Multiple:  ps.Multiple,
		Mandatory: ps.Mandatory,
		Protected: ps.Protected,
	}
	if ps.Default != nil {
		v, err := types.NormalizeValue(ps.Default)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", name, err)
		}
		v, err = coerce(dt, v)
		if err != nil {
			return nil, fmt.Errorf("property %s default: %w", name, err)
		}
		def.Default = v
	}
	return def, nil
}
