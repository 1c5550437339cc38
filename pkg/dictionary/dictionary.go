package dictionary

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/nodestore/pkg/types"
)

// ErrUnknownClass is returned for type or aspect names with no definition
var ErrUnknownClass = errors.New("unknown class")

// Service resolves type, aspect, property and association definitions
type Service struct {
	mu         sync.RWMutex
	classes    map[types.QName]*ClassDef
	properties map[types.QName]*PropertyDef
	assocs     map[types.QName]*AssocDef
	owners     map[types.QName]types.QName
}

// New creates a dictionary holding the built-in model
func New() *Service {
	s := &Service{
		classes:    make(map[types.QName]*ClassDef),
		properties: make(map[types.QName]*PropertyDef),
		assocs:     make(map[types.QName]*AssocDef),
		owners:     make(map[types.QName]types.QName),
	}
	classes, props, assocs := builtinModel()
	s.register(classes, props, assocs)
	return s
}

func (s *Service) register(classes []*ClassDef, props []*PropertyDef, assocs []*AssocDef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range props {
		s.properties[p.Name] = p
	}
	for _, c := range classes {
		s.classes[c.Name] = c
		for _, p := range c.Properties {
			s.owners[p] = c.Name
		}
	}
	for _, a := range assocs {
		s.assocs[a.Name] = a
	}
}

// Class returns a type or aspect definition
func (s *Service) Class(name types.QName) (*ClassDef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.classes[name]
	return c, ok
}

// Type returns a type definition; aspects are not returned
func (s *Service) Type(name types.QName) (*ClassDef, bool) {
	c, ok := s.Class(name)
	if !ok || c.IsAspect {
		return nil, false
	}
	return c, true
}

// Aspect returns an aspect definition
func (s *Service) Aspect(name types.QName) (*ClassDef, bool) {
	c, ok := s.Class(name)
	if !ok || !c.IsAspect {
		return nil, false
	}
	return c, true
}

// Property returns a property definition. Properties without a definition
// are residual and accepted with any supported value.
func (s *Service) Property(name types.QName) (*PropertyDef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.properties[name]
	return p, ok
}

// PropertyClass returns the type or aspect that declares prop
func (s *Service) PropertyClass(prop types.QName) (types.QName, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.owners[prop]
	return c, ok
}

// Association returns an association definition
func (s *Service) Association(name types.QName) (*AssocDef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assocs[name]
	return a, ok
}

// IsSubClass reports whether class equals or inherits from of
func (s *Service) IsSubClass(class, of types.QName) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for seen := 0; !class.IsZero() && seen < 64; seen++ {
		if class == of {
			return true
		}
		c, ok := s.classes[class]
		if !ok {
			return false
		}
		class = c.Parent
	}
	return false
}

// Hierarchy returns class followed by its ancestors
func (s *Service) Hierarchy(class types.QName) []types.QName {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.QName
	for !class.IsZero() && len(out) < 64 {
		c, ok := s.classes[class]
		if !ok {
			break
		}
		out = append(out, class)
		class = c.Parent
	}
	return out
}

// ClassProperties returns the properties declared by class and its ancestors
func (s *Service) ClassProperties(class types.QName) []types.QName {
	var out []types.QName
	for _, name := range s.Hierarchy(class) {
		c, _ := s.Class(name)
		out = append(out, c.Properties...)
	}
	return out
}

// MandatoryAspects returns the aspects class and its ancestors require
func (s *Service) MandatoryAspects(class types.QName) []types.QName {
	var out []types.QName
	for _, name := range s.Hierarchy(class) {
		c, _ := s.Class(name)
		out = append(out, c.MandatoryAspects...)
	}
	return out
}

// DefaultProperties returns the default values declared for class
func (s *Service) DefaultProperties(class types.QName) types.Properties {
	out := types.Properties{}
	for _, name := range s.ClassProperties(class) {
		p, ok := s.Property(name)
		if ok && p.Default != nil {
			out[name] = p.Default
		}
	}
	return out
}

// Coerce converts a normalized value into the declared data type of the
// property, or fails when no conversion applies
func (s *Service) Coerce(name types.QName, value any) (any, error) {
	value, err := types.NormalizeValue(value)
	if err != nil {
		return nil, err
	}
	p, ok := s.Property(name)
	if !ok || value == nil {
		return value, nil
	}
	if p.Multiple {
		if _, ok := value.([]string); ok {
			return value, nil
		}
	}
	return coerce(p.Type, value)
}

func coerce(dt DataType, value any) (any, error) {
	mismatch := func() (any, error) {
		return nil, fmt.Errorf("value of type %T is not valid for %s", value, dt)
	}
	switch dt {
	case DataTypeText, DataTypeLocale:
		if _, ok := value.(string); ok {
			return value, nil
		}
	case DataTypeInt, DataTypeLong:
		switch v := value.(type) {
		case int64:
			return v, nil
		case float64:
			if v == float64(int64(v)) {
				return int64(v), nil
			}
		}
	case DataTypeFloat, DataTypeDouble:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		}
	case DataTypeBoolean:
		if _, ok := value.(bool); ok {
			return value, nil
		}
	case DataTypeDateTime:
		switch v := value.(type) {
		case time.Time:
			return v, nil
		case string:
			t, err := time.Parse(time.RFC3339, v)
			if err == nil {
				return t.UTC(), nil
			}
		}
	case DataTypeContent:
		if _, ok := value.(types.ContentData); ok {
			return value, nil
		}
	case DataTypeNodeRef:
		switch v := value.(type) {
		case types.NodeRef:
			return v, nil
		case string:
			if ref, err := types.ParseNodeRef(v); err == nil {
				return ref, nil
			}
		}
	case DataTypeChildAssocRef:
		if _, ok := value.(types.ChildAssociationRef); ok {
			return value, nil
		}
	case DataTypeQName:
		switch v := value.(type) {
		case types.QName:
			return v, nil
		case string:
			if q, err := types.ParseQName(v); err == nil {
				return q, nil
			}
		}
	case DataTypeAny, "":
		return value, nil
	}
	return mismatch()
}
