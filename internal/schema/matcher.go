// Package schema recognises the payload shapes the telemetry feeds emit.
package schema

import (
	"github.com/valyala/fastjson"

	"fleet-monitor/aggregator/internal/payload"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindLocation
	KindFaultSingle
	KindFaultArray
	KindFaultNested
)

func (k Kind) String() string {
	switch k {
	case KindLocation:
		return "location"
	case KindFaultSingle:
		return "faultSingle"
	case KindFaultArray:
		return "faultArray"
	case KindFaultNested:
		return "faultNested"
	default:
		return "unknown"
	}
}

// IsFault reports whether k is one of the fault shapes.
func (k Kind) IsFault() bool {
	return k == KindFaultSingle || k == KindFaultArray || k == KindFaultNested
}

// MaxNestedDepth bounds the structural search for nested fault arrays.
const MaxNestedDepth = 5

var (
	EnvelopeKeys      = []string{"asset", "vehicle"}
	LocationBlockKeys = []string{"location", "gps"}
	SpeedMpsKeys      = []string{"ecuSpeedMetersPerSecond"}
	SpeedMphKeys      = []string{"ecuSpeedMph", "speedMilesPerHour", "speedMph"}
	SpeedSampleKey    = "ecuSpeed"
	ECUSpeedKeys      = speedKeys()
	FaultContainers   = []string{"faults", "items", "faultCodes", "diagnosticTroubleCodes"}
	FaultIDKeys       = []string{"spnId", "spn"}
)

// speedKeys is every field that marks a flat speed payload.
func speedKeys() []string {
	keys := append([]string{}, SpeedMpsKeys...)
	keys = append(keys, SpeedMphKeys...)
	return append(keys, SpeedSampleKey)
}

// Match is the outcome of classification together with the raw blocks the
// normalizers read from.
type Match struct {
	Kind     Kind
	Matcher  string
	Root     *fastjson.Value
	Envelope *fastjson.Value
	Location *fastjson.Value
	Faults   []*fastjson.Value
}

type matcher struct {
	name  string
	match func(root *fastjson.Value) (Match, bool)
}

// Order matters: the first matcher that accepts the payload wins.
var matchers = []matcher{
	{"enveloped-location", matchEnvelopedLocation},
	{"flat-speed", matchFlatSpeed},
	{"fault-container", matchFaultContainer},
	{"fault-single", matchFaultSingle},
	{"fault-nested", matchFaultNested},
}

// Classify runs the matchers in order against a decoded payload.
func Classify(root *fastjson.Value) Match {
	for _, m := range matchers {
		if res, ok := m.match(root); ok {
			res.Matcher = m.name
			res.Root = root
			return res
		}
	}
	return Match{Kind: KindUnknown, Root: root}
}

// Envelope returns the asset/vehicle wrapper object of root, or nil.
func Envelope(root *fastjson.Value) *fastjson.Value {
	return payload.Object(root, EnvelopeKeys...)
}

func locationBlock(root, env *fastjson.Value) *fastjson.Value {
	if loc := payload.Object(root, LocationBlockKeys...); loc != nil {
		return loc
	}
	return payload.Object(env, LocationBlockKeys...)
}

func matchEnvelopedLocation(root *fastjson.Value) (Match, bool) {
	env := Envelope(root)
	if env == nil {
		return Match{}, false
	}
	loc := locationBlock(root, env)
	if loc == nil {
		return Match{}, false
	}
	return Match{Kind: KindLocation, Envelope: env, Location: loc}, true
}

func matchFlatSpeed(root *fastjson.Value) (Match, bool) {
	if !payload.Has(root, ECUSpeedKeys...) {
		return Match{}, false
	}
	env := Envelope(root)
	if locationBlock(root, env) != nil {
		return Match{}, false
	}
	return Match{Kind: KindLocation, Envelope: env}, true
}

func matchFaultContainer(root *fastjson.Value) (Match, bool) {
	items, ok := payload.Array(root, FaultContainers...)
	if !ok {
		return Match{}, false
	}
	return Match{Kind: KindFaultArray, Envelope: Envelope(root), Faults: items}, true
}

func matchFaultSingle(root *fastjson.Value) (Match, bool) {
	if !IsFaultItem(root) {
		return Match{}, false
	}
	return Match{Kind: KindFaultSingle, Envelope: Envelope(root), Faults: []*fastjson.Value{root}}, true
}

func matchFaultNested(root *fastjson.Value) (Match, bool) {
	items := findFaultArray(root, 0)
	if items == nil {
		return Match{}, false
	}
	return Match{Kind: KindFaultNested, Envelope: Envelope(root), Faults: items}, true
}

// IsFaultItem reports whether v is an object carrying a fault identifier.
func IsFaultItem(v *fastjson.Value) bool {
	return payload.IsObject(v) && payload.Has(v, FaultIDKeys...)
}

// findFaultArray walks the tree depth first and returns the first array
// whose first element is a fault item. Nodes deeper than MaxNestedDepth are
// not visited.
func findFaultArray(v *fastjson.Value, depth int) []*fastjson.Value {
	if v == nil || depth > MaxNestedDepth {
		return nil
	}
	switch v.Type() {
	case fastjson.TypeArray:
		items, _ := v.Array()
		if len(items) > 0 && IsFaultItem(items[0]) {
			return items
		}
		for _, item := range items {
			if found := findFaultArray(item, depth+1); found != nil {
				return found
			}
		}
	case fastjson.TypeObject:
		var found []*fastjson.Value
		o, _ := v.Object()
		o.Visit(func(_ []byte, child *fastjson.Value) {
			if found == nil {
				found = findFaultArray(child, depth+1)
			}
		})
		return found
	}
	return nil
}
