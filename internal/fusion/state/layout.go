package state

import (
	"errors"
	"fmt"
	"strings"
)

// FieldKind describes how a state field is stored in the nominal vector and
// how an error-state correction is composed into it.
type FieldKind int

const (
	KindVector3    FieldKind = iota // 3 nominal, 3 error, additive
	KindQuaternion                  // 4 nominal, 3 error, multiplicative
	KindScalar                      // 1 nominal, 1 error, additive
)

func (k FieldKind) String() string {
	switch k {
	case KindVector3:
		return "vector3"
	case KindQuaternion:
		return "quaternion"
	case KindScalar:
		return "scalar"
	default:
		return fmt.Sprintf("FieldKind(%d)", int(k))
	}
}

// ParseFieldKind maps the configuration spelling of a kind to a FieldKind.
func ParseFieldKind(s string) (FieldKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vector3", "vec3":
		return KindVector3, nil
	case "quaternion", "quat":
		return KindQuaternion, nil
	case "scalar":
		return KindScalar, nil
	}
	return 0, fmt.Errorf("unknown state field kind %q", s)
}

func (k FieldKind) nominalDim() int {
	switch k {
	case KindQuaternion:
		return 4
	case KindScalar:
		return 1
	default:
		return 3
	}
}

func (k FieldKind) errorDim() int {
	if k == KindScalar {
		return 1
	}
	return 3
}

// Core field names. Every layout starts with these, in this order.
const (
	Position  = "p"   // world frame, metres
	Velocity  = "v"   // world frame, m/s
	Attitude  = "q"   // body to world rotation
	GyroBias  = "b_w" // rad/s
	AccelBias = "b_a" // m/s²
)

// CoreErrorDim is the size of the error block spanned by the core fields.
const CoreErrorDim = 15

// Field describes one named component of the filter state.
type Field struct {
	Name string
	Kind FieldKind
	// Noise is the random-walk noise density of an auxiliary field. It is
	// ignored for the core fields, whose noise comes from the filter options.
	Noise float64
}

var coreFields = []Field{
	{Name: Position, Kind: KindVector3},
	{Name: Velocity, Kind: KindVector3},
	{Name: Attitude, Kind: KindQuaternion},
	{Name: GyroBias, Kind: KindVector3},
	{Name: AccelBias, Kind: KindVector3},
}

var (
	ErrDuplicateField = errors.New("duplicate state field")
	ErrUnknownField   = errors.New("unknown state field")
	ErrEmptyFieldName = errors.New("state field name is empty")
	ErrNegativeNoise  = errors.New("state field noise is negative")
)

// Layout is the runtime description of the filter state: which fields exist,
// where they live in the nominal and error vectors, and which field (if any)
// is free of temporal drift and therefore watched for divergence.
// A Layout is immutable once built and may be shared between states.
type Layout struct {
	fields     []Field
	index      map[string]int
	nominalOff []int
	errorOff   []int
	nominalDim int
	errorDim   int
	driftFree  int
}

// NewLayout builds a layout from the core fields followed by aux. driftFree
// names the field observed by the fuzzy-tracking watchdog; an empty name
// disables the watchdog.
func NewLayout(driftFree string, aux ...Field) (*Layout, error) {
	l := &Layout{
		index:     make(map[string]int, len(coreFields)+len(aux)),
		driftFree: -1,
	}
	all := make([]Field, 0, len(coreFields)+len(aux))
	all = append(all, coreFields...)
	all = append(all, aux...)

	for _, f := range all {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return nil, ErrEmptyFieldName
		}
		if _, dup := l.index[name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateField, name)
		}
		if f.Noise < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNegativeNoise, name)
		}
		if f.Kind < KindVector3 || f.Kind > KindScalar {
			return nil, fmt.Errorf("field %s: unsupported kind %v", name, f.Kind)
		}
		f.Name = name
		l.index[name] = len(l.fields)
		l.fields = append(l.fields, f)
		l.nominalOff = append(l.nominalOff, l.nominalDim)
		l.errorOff = append(l.errorOff, l.errorDim)
		l.nominalDim += f.Kind.nominalDim()
		l.errorDim += f.Kind.errorDim()
	}

	if driftFree != "" {
		i, ok := l.index[driftFree]
		if !ok {
			return nil, fmt.Errorf("%w: drift-free field %s", ErrUnknownField, driftFree)
		}
		l.driftFree = i
	}
	return l, nil
}

// MustLayout is NewLayout that panics on error. Intended for tests and
// package-level defaults.
func MustLayout(driftFree string, aux ...Field) *Layout {
	l, err := NewLayout(driftFree, aux...)
	if err != nil {
		panic(err)
	}
	return l
}

// Fields returns a copy of the field descriptors in layout order.
func (l *Layout) Fields() []Field {
	out := make([]Field, len(l.fields))
	copy(out, l.fields)
	return out
}

// AuxFields returns the fields that follow the core block.
func (l *Layout) AuxFields() []Field {
	out := make([]Field, len(l.fields)-len(coreFields))
	copy(out, l.fields[len(coreFields):])
	return out
}

// Field looks up a descriptor by name.
func (l *Layout) Field(name string) (Field, bool) {
	i, ok := l.index[name]
	if !ok {
		return Field{}, false
	}
	return l.fields[i], true
}

func (l *Layout) NominalDim() int { return l.nominalDim }
func (l *Layout) ErrorDim() int   { return l.errorDim }

// ErrorOffset returns the first index of the named field in the error state,
// or -1 if the field is unknown.
func (l *Layout) ErrorOffset(name string) int {
	i, ok := l.index[name]
	if !ok {
		return -1
	}
	return l.errorOff[i]
}

func (l *Layout) nominalOffset(name string) (int, Field) {
	i, ok := l.index[name]
	if !ok {
		panic(fmt.Sprintf("state: %v: %s", ErrUnknownField, name))
	}
	return l.nominalOff[i], l.fields[i]
}

// DriftFree returns the watchdog field, if one was designated.
func (l *Layout) DriftFree() (Field, bool) {
	if l.driftFree < 0 {
		return Field{}, false
	}
	return l.fields[l.driftFree], true
}
