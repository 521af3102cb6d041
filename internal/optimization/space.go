package optimization

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

// DimensionKind identifies the variant of a Dimension.
type DimensionKind string

const (
	KindReal        DimensionKind = "real"
	KindInteger     DimensionKind = "integer"
	KindCategorical DimensionKind = "categorical"
)

// Priors for real dimensions.
const (
	PriorUniform    = "uniform"
	PriorLogUniform = "log-uniform"
)

// RealRoundTripTolerance bounds the error of decoding an encoded real. For
// a uniform prior |Decode(Encode(x)) - x| <= tol*max(|low|, |high|); for a
// log-uniform prior the bound is tol*x. Several doubles can share one
// encoding, so reals are not restored bit for bit. Integers and categories
// round-trip exactly.
const RealRoundTripTolerance = 1e-12

// Dimension is one axis of a search space.
//
// Every dimension maps its native values onto a block of model-facing
// coordinates in [0,1]. Decode is total: coordinates outside [0,1] are
// clamped to the nearest valid value instead of failing.
type Dimension interface {
	Name() string
	Kind() DimensionKind
	// Validate reports ErrInvalidSpace for malformed bounds or categories.
	Validate() error
	// EncodedLen is the number of model-facing coordinates.
	EncodedLen() int
	// FromUnit maps u in [0,1] to a native value. Uniform u yields a draw
	// from the dimension's prior.
	FromUnit(u float64) interface{}
	Encode(v interface{}, dst []float64) error
	Decode(src []float64) interface{}
	Contains(v interface{}) bool
	Spec() DimensionSpec
}

// DimensionSpec is the serializable description of a Dimension.
type DimensionSpec struct {
	Name       string        `json:"name"`
	Type       DimensionKind `json:"type"`
	Low        float64       `json:"low,omitempty"`
	High       float64       `json:"high,omitempty"`
	Prior      string        `json:"prior,omitempty"`
	Categories []string      `json:"categories,omitempty"`
}

// NewDimension builds a Dimension from its spec. The result is not
// validated; NewSpace does that.
func NewDimension(spec DimensionSpec) (Dimension, error) {
	switch spec.Type {
	case KindReal:
		d := Real(spec.Name, spec.Low, spec.High)
		if spec.Prior != "" {
			d.prior = spec.Prior
		}
		return d, nil
	case KindInteger:
		low, okLow := toInt(spec.Low)
		high, okHigh := toInt(spec.High)
		if !okLow || !okHigh {
			return nil, NewKindError(ErrInvalidSpace, "dimension %q: integer bounds must be whole numbers, got [%v, %v]",
				spec.Name, spec.Low, spec.High)
		}
		return Integer(spec.Name, low, high), nil
	case KindCategorical:
		return Categorical(spec.Name, spec.Categories...), nil
	default:
		return nil, NewKindError(ErrInvalidSpace, "dimension %q: unknown type %q", spec.Name, spec.Type)
	}
}

func clamp[T constraints.Integer | constraints.Float](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// unit clamps a model-facing coordinate into [0,1]. NaN maps to 0.
func unit(u float64) float64 {
	if math.IsNaN(u) {
		return 0
	}
	return clamp(u, 0, 1)
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	default:
		return 0, false
	}
}

func toInt(v interface{}) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case int32:
		return int(x), true
	case float64:
		// Whole numbers within the exactly representable range only
		if x != math.Trunc(x) || math.Abs(x) > 1<<53 {
			return 0, false
		}
		return int(x), true
	default:
		return 0, false
	}
}

// RealDimension is a bounded real interval, optionally log-scaled.
type RealDimension struct {
	name      string
	low, high float64
	prior     string
}

// Real declares a continuous dimension on [low, high] with a uniform prior.
func Real(name string, low, high float64) *RealDimension {
	return &RealDimension{name: name, low: low, high: high, prior: PriorUniform}
}

// LogReal declares a continuous dimension on [low, high] sampled and
// encoded on a log scale. low must be positive.
func LogReal(name string, low, high float64) *RealDimension {
	return &RealDimension{name: name, low: low, high: high, prior: PriorLogUniform}
}

func (d *RealDimension) Name() string        { return d.name }
func (d *RealDimension) Kind() DimensionKind { return KindReal }
func (d *RealDimension) EncodedLen() int     { return 1 }

// Bounds returns the interval.
func (d *RealDimension) Bounds() (float64, float64) { return d.low, d.high }

// Prior returns PriorUniform or PriorLogUniform.
func (d *RealDimension) Prior() string { return d.prior }

func (d *RealDimension) Validate() error {
	if math.IsNaN(d.low) || math.IsNaN(d.high) || math.IsInf(d.low, 0) || math.IsInf(d.high, 0) {
		return NewKindError(ErrInvalidSpace, "dimension %q: bounds must be finite", d.name)
	}
	if d.low >= d.high {
		return NewKindError(ErrInvalidSpace, "dimension %q: low (%v) must be less than high (%v)", d.name, d.low, d.high)
	}
	switch d.prior {
	case PriorUniform:
	case PriorLogUniform:
		if d.low <= 0 {
			return NewKindError(ErrInvalidSpace, "dimension %q: log-uniform prior needs low > 0, got %v", d.name, d.low)
		}
	default:
		return NewKindError(ErrInvalidSpace, "dimension %q: unknown prior %q", d.name, d.prior)
	}
	return nil
}

func (d *RealDimension) logScaled() bool { return d.prior == PriorLogUniform }

func (d *RealDimension) FromUnit(u float64) interface{} {
	u = unit(u)
	var v float64
	if d.logScaled() {
		lo, hi := math.Log(d.low), math.Log(d.high)
		v = math.Exp(lo + u*(hi-lo))
	} else {
		v = d.low + u*(d.high-d.low)
	}
	return clamp(v, d.low, d.high)
}

func (d *RealDimension) Encode(v interface{}, dst []float64) error {
	x, ok := toFloat(v)
	if !ok {
		return NewKindError(ErrInvalidSpace, "dimension %q: expected a real value, got %T", d.name, v)
	}
	if d.logScaled() {
		if x <= 0 {
			return NewKindError(ErrInvalidSpace, "dimension %q: %v is outside the log domain", d.name, x)
		}
		lo, hi := math.Log(d.low), math.Log(d.high)
		dst[0] = (math.Log(x) - lo) / (hi - lo)
		return nil
	}
	dst[0] = (x - d.low) / (d.high - d.low)
	return nil
}

func (d *RealDimension) Decode(src []float64) interface{} {
	return d.FromUnit(src[0])
}

func (d *RealDimension) Contains(v interface{}) bool {
	x, ok := v.(float64)
	return ok && x >= d.low && x <= d.high
}

func (d *RealDimension) Spec() DimensionSpec {
	return DimensionSpec{Name: d.name, Type: KindReal, Low: d.low, High: d.high, Prior: d.prior}
}

// IntegerDimension is an inclusive integer range.
type IntegerDimension struct {
	name      string
	low, high int
}

// Integer declares a discrete dimension on [low, high], both inclusive.
func Integer(name string, low, high int) *IntegerDimension {
	return &IntegerDimension{name: name, low: low, high: high}
}

func (d *IntegerDimension) Name() string        { return d.name }
func (d *IntegerDimension) Kind() DimensionKind { return KindInteger }
func (d *IntegerDimension) EncodedLen() int     { return 1 }

// Bounds returns the inclusive range.
func (d *IntegerDimension) Bounds() (int, int) { return d.low, d.high }

func (d *IntegerDimension) Validate() error {
	if d.low >= d.high {
		return NewKindError(ErrInvalidSpace, "dimension %q: low (%d) must be less than high (%d)", d.name, d.low, d.high)
	}
	return nil
}

func (d *IntegerDimension) FromUnit(u float64) interface{} {
	span := d.high - d.low + 1
	return clamp(d.low+int(math.Floor(unit(u)*float64(span))), d.low, d.high)
}

func (d *IntegerDimension) Encode(v interface{}, dst []float64) error {
	x, ok := toInt(v)
	if !ok {
		return NewKindError(ErrInvalidSpace, "dimension %q: expected an integer value, got %v (%T)", d.name, v, v)
	}
	dst[0] = float64(x-d.low) / float64(d.high-d.low)
	return nil
}

func (d *IntegerDimension) Decode(src []float64) interface{} {
	x := float64(d.low) + unit(src[0])*float64(d.high-d.low)
	return clamp(int(math.Round(x)), d.low, d.high)
}

func (d *IntegerDimension) Contains(v interface{}) bool {
	x, ok := v.(int)
	return ok && x >= d.low && x <= d.high
}

func (d *IntegerDimension) Spec() DimensionSpec {
	return DimensionSpec{Name: d.name, Type: KindInteger, Low: float64(d.low), High: float64(d.high)}
}

// CategoricalDimension is a finite set of labels with no numeric order.
// It is one-hot encoded.
type CategoricalDimension struct {
	name       string
	categories []string
	index      map[string]int
}

// Categorical declares a categorical dimension over the given labels.
func Categorical(name string, categories ...string) *CategoricalDimension {
	cats := append([]string(nil), categories...)
	index := make(map[string]int, len(cats))
	for i := len(cats) - 1; i >= 0; i-- {
		index[cats[i]] = i
	}
	return &CategoricalDimension{name: name, categories: cats, index: index}
}

func (d *CategoricalDimension) Name() string        { return d.name }
func (d *CategoricalDimension) Kind() DimensionKind { return KindCategorical }
func (d *CategoricalDimension) EncodedLen() int     { return len(d.categories) }

// Categories returns a copy of the labels in declaration order.
func (d *CategoricalDimension) Categories() []string {
	return append([]string(nil), d.categories...)
}

func (d *CategoricalDimension) Validate() error {
	if len(d.categories) == 0 {
		return NewKindError(ErrInvalidSpace, "dimension %q: category set is empty", d.name)
	}
	if len(d.index) != len(d.categories) {
		return NewKindError(ErrInvalidSpace, "dimension %q: categories contain duplicates", d.name)
	}
	return nil
}

func (d *CategoricalDimension) FromUnit(u float64) interface{} {
	k := len(d.categories)
	return d.categories[clamp(int(math.Floor(unit(u)*float64(k))), 0, k-1)]
}

func (d *CategoricalDimension) Encode(v interface{}, dst []float64) error {
	label, ok := v.(string)
	if !ok {
		return NewKindError(ErrInvalidSpace, "dimension %q: expected a category label, got %T", d.name, v)
	}
	idx, ok := d.index[label]
	if !ok {
		return NewKindError(ErrInvalidSpace, "dimension %q: unknown category %q", d.name, label)
	}
	for i := range d.categories {
		dst[i] = 0
	}
	dst[idx] = 1
	return nil
}

// Decode picks the largest coordinate; ties go to the earliest label.
func (d *CategoricalDimension) Decode(src []float64) interface{} {
	best, bestVal := 0, math.Inf(-1)
	for i := range d.categories {
		v := src[i]
		if math.IsNaN(v) {
			continue
		}
		if v > bestVal {
			best, bestVal = i, v
		}
	}
	return d.categories[best]
}

func (d *CategoricalDimension) Contains(v interface{}) bool {
	label, ok := v.(string)
	if !ok {
		return false
	}
	_, ok = d.index[label]
	return ok
}

func (d *CategoricalDimension) Spec() DimensionSpec {
	return DimensionSpec{Name: d.name, Type: KindCategorical, Categories: d.Categories()}
}

// Point holds one native value per dimension, in space order: float64 for
// real, int for integer and string for categorical dimensions.
type Point []interface{}

// Params is the name to value mapping passed to an objective.
type Params map[string]interface{}

// Float returns the named real parameter.
func (p Params) Float(name string) (float64, bool) {
	v, ok := p[name].(float64)
	return v, ok
}

// Int returns the named integer parameter.
func (p Params) Int(name string) (int, bool) {
	v, ok := p[name].(int)
	return v, ok
}

// String returns the named categorical parameter.
func (p Params) String(name string) (string, bool) {
	v, ok := p[name].(string)
	return v, ok
}

// Space is an ordered sequence of dimensions. The order fixes the vector
// representation for the lifetime of the Space.
type Space struct {
	dims       []Dimension
	offsets    []int
	encodedLen int
}

// NewSpace validates dims and builds a Space.
func NewSpace(dims ...Dimension) (*Space, error) {
	if len(dims) == 0 {
		return nil, NewKindError(ErrInvalidSpace, "search space has no dimensions")
	}
	s := &Space{
		dims:    append([]Dimension(nil), dims...),
		offsets: make([]int, len(dims)),
	}
	seen := make(map[string]struct{}, len(dims))
	for i, d := range s.dims {
		if d == nil {
			return nil, NewKindError(ErrInvalidSpace, "dimension %d is nil", i)
		}
		if d.Name() == "" {
			return nil, NewKindError(ErrInvalidSpace, "dimension %d has no name", i)
		}
		if _, dup := seen[d.Name()]; dup {
			return nil, NewKindError(ErrInvalidSpace, "duplicate dimension name %q", d.Name())
		}
		seen[d.Name()] = struct{}{}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		s.offsets[i] = s.encodedLen
		s.encodedLen += d.EncodedLen()
	}
	return s, nil
}

// NewSpaceFromSpecs builds a Space from serialized dimension specs.
func NewSpaceFromSpecs(specs []DimensionSpec) (*Space, error) {
	dims := make([]Dimension, len(specs))
	for i, spec := range specs {
		d, err := NewDimension(spec)
		if err != nil {
			return nil, err
		}
		dims[i] = d
	}
	return NewSpace(dims...)
}

// Dimensions returns the dimensions in order.
func (s *Space) Dimensions() []Dimension {
	return append([]Dimension(nil), s.dims...)
}

// Specs describes every dimension.
func (s *Space) Specs() []DimensionSpec {
	specs := make([]DimensionSpec, len(s.dims))
	for i, d := range s.dims {
		specs[i] = d.Spec()
	}
	return specs
}

// Len is the number of dimensions.
func (s *Space) Len() int { return len(s.dims) }

// EncodedLen is the length of a model-facing vector.
func (s *Space) EncodedLen() int { return s.encodedLen }

// Names returns the dimension names in order.
func (s *Space) Names() []string {
	names := make([]string, len(s.dims))
	for i, d := range s.dims {
		names[i] = d.Name()
	}
	return names
}

// HasContinuous reports whether any dimension is real or integer.
func (s *Space) HasContinuous() bool {
	for _, d := range s.dims {
		if d.Kind() != KindCategorical {
			return true
		}
	}
	return false
}

// Encode maps a point to its model-facing vector.
func (s *Space) Encode(p Point) ([]float64, error) {
	if len(p) != len(s.dims) {
		return nil, NewKindError(ErrInvalidSpace, "point has %d values, space has %d dimensions", len(p), len(s.dims))
	}
	x := make([]float64, s.encodedLen)
	for i, d := range s.dims {
		off := s.offsets[i]
		if err := d.Encode(p[i], x[off:off+d.EncodedLen()]); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Decode maps a model-facing vector back to a point. Out-of-range
// coordinates are clamped; missing trailing coordinates read as zero.
func (s *Space) Decode(x []float64) Point {
	if len(x) < s.encodedLen {
		padded := make([]float64, s.encodedLen)
		copy(padded, x)
		x = padded
	}
	p := make(Point, len(s.dims))
	for i, d := range s.dims {
		off := s.offsets[i]
		p[i] = d.Decode(x[off : off+d.EncodedLen()])
	}
	return p
}

// Snap rounds an arbitrary vector onto the nearest encodable point.
func (s *Space) Snap(x []float64) []float64 {
	snapped, err := s.Encode(s.Decode(x))
	if err != nil {
		// Decode only yields valid values.
		panic(fmt.Sprintf("optimization: snap produced an unencodable point: %v", err))
	}
	return snapped
}

// Contains reports whether every value of p belongs to its dimension.
func (s *Space) Contains(p Point) bool {
	if len(p) != len(s.dims) {
		return false
	}
	for i, d := range s.dims {
		if !d.Contains(p[i]) {
			return false
		}
	}
	return true
}

// Params converts a point to the name to value mapping.
func (s *Space) Params(p Point) Params {
	params := make(Params, len(s.dims))
	for i, d := range s.dims {
		if i < len(p) {
			params[d.Name()] = p[i]
		}
	}
	return params
}

// PointFromParams is the inverse of Params. Numeric values read back from
// JSON (float64) are accepted for integer dimensions when integral.
func (s *Space) PointFromParams(params Params) (Point, error) {
	p := make(Point, len(s.dims))
	for i, d := range s.dims {
		v, ok := params[d.Name()]
		if !ok {
			return nil, NewKindError(ErrInvalidSpace, "missing parameter %q", d.Name())
		}
		switch d.Kind() {
		case KindInteger:
			n, ok := toInt(v)
			if !ok {
				return nil, NewKindError(ErrInvalidSpace, "parameter %q: %v is not an integer", d.Name(), v)
			}
			v = n
		case KindReal:
			f, ok := toFloat(v)
			if !ok {
				return nil, NewKindError(ErrInvalidSpace, "parameter %q: %v is not a number", d.Name(), v)
			}
			v = f
		}
		if !d.Contains(v) {
			return nil, NewKindError(ErrInvalidSpace, "parameter %q: %v is outside the dimension", d.Name(), v)
		}
		p[i] = v
	}
	return p, nil
}
