package tracer

import (
	"log"
	"math"
	"unicode/utf8"
)

// Snapshotter converts engine values into bounded values which are safe to send over the wire.
type Snapshotter struct {
	longStringLength        int
	longStringInitialLength int
	maxProperties           int
}

// NewSnapshotter builds a Snapshotter using the string and property limits from the config.
func NewSnapshotter(config Config) *Snapshotter {
	return &Snapshotter{
		longStringLength:        config.LongStringLength,
		longStringInitialLength: config.LongStringInitialLength,
		maxProperties:           config.MaxProperties,
	}
}

// Snapshot returns the wire form of value. When detailed is set, objects include up to the configured count of own
// data properties whose values are not objects.
func (s *Snapshotter) Snapshot(value any, detailed bool) any {
	switch v := value.(type) {
	case nil, Null, *Null:
		return NullMarker
	case Undefined, *Undefined:
		return UndefinedMarker
	case bool:
		return v
	case string:
		return s.snapshotString(v)
	case float64:
		return snapshotFloat(v)
	case float32:
		return snapshotFloat(float64(v))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return v
	case Object:
		return s.snapshotObject(v, detailed)
	default:
		log.Printf("%sUnable to snapshot value of type %T", ErrorLogPrefix, value)
		return NullMarker
	}
}

func (s *Snapshotter) snapshotString(v string) any {
	length := utf8.RuneCountInString(v)
	if length < s.longStringLength {
		return v
	}
	initial := v
	var count int
	for i := range v {
		if count == s.longStringInitialLength {
			initial = v[:i]
			break
		}
		count++
	}
	return LongString{Type: "longString", Initial: initial, Length: length}
}

func snapshotFloat(v float64) any {
	switch {
	case math.IsNaN(v):
		return NaNMarker
	case math.IsInf(v, 1):
		return InfinityMarker
	case math.IsInf(v, -1):
		return NegInfinityMarker
	case v == 0 && math.IsInf(1/v, -1):
		return NegZeroMarker
	default:
		return v
	}
}

// snapshotObject returns an ObjectSnapshot, or NullMarker if the object can not be read, for example a typed nil.
func (s *Snapshotter) snapshotObject(o Object, detailed bool) (result any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("%sUnable to snapshot object of type %T: %v", ErrorLogPrefix, o, r)
			result = NullMarker
		}
	}()

	snap := ObjectSnapshot{Type: "object", Class: o.Class()}
	if !detailed || s.maxProperties == 0 {
		return snap
	}

	names, err := o.OwnPropertyNames()
	if err != nil {
		log.Printf("%sFailed to list properties of %s: %v", ErrorLogPrefix, snap.Class, err)
		return snap
	}
	props := make(map[string]PropertySnapshot, min(len(names), s.maxProperties))
	for _, name := range names {
		if len(props) >= s.maxProperties {
			break
		}
		desc, err := o.OwnPropertyDescriptor(name)
		if err != nil {
			desc = PropertyDescriptor{Value: errorName(err)}
		}
		if desc.IsAccessor() {
			continue
		} else if _, isObj := desc.Value.(Object); isObj {
			continue
		}
		props[name] = PropertySnapshot{
			Configurable: desc.Configurable,
			Enumerable:   desc.Enumerable,
			Writable:     desc.Writable,
			Value:        s.Snapshot(desc.Value, false),
		}
	}
	if len(props) > 0 {
		snap.OwnProperties = props
	}
	return snap
}
