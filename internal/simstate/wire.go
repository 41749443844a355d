package simstate

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the cluster encoding.
const (
	fieldFacets       protowire.Number = 1
	fieldBounceBins   protowire.Number = 2
	fieldDistanceBins protowire.Number = 3
	fieldLeakCap      protowire.Number = 4
	fieldDesorbed     protowire.Number = 5
	fieldHits         protowire.Number = 6
	fieldAbsorbed     protowire.Number = 7
	fieldLeaks        protowire.Number = 8
	fieldMerges       protowire.Number = 9
	fieldSumDistance  protowire.Number = 10
	fieldFacet        protowire.Number = 11
	fieldBounces      protowire.Number = 12
	fieldDistances    protowire.Number = 13
	fieldLeak         protowire.Number = 14

	fieldFacetHits     protowire.Number = 1
	fieldFacetAbsorbed protowire.Number = 2
	fieldFacetDesorbed protowire.Number = 3
	fieldLeakCoords    protowire.Number = 1
)

// MarshalBinary encodes s as a self-describing, count-based message for
// transfer between cluster nodes.
func (s *State) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 64+len(s.Facets)*12+len(s.Bounces)*2+len(s.Distances)*2+len(s.LeakCache)*52)
	appendVarint := func(num protowire.Number, v uint64) {
		b = protowire.AppendTag(b, num, protowire.VarintType)
		b = protowire.AppendVarint(b, v)
	}

	appendVarint(fieldFacets, uint64(s.Shape.Facets))
	appendVarint(fieldBounceBins, uint64(s.Shape.BounceBins))
	appendVarint(fieldDistanceBins, uint64(s.Shape.DistanceBins))
	appendVarint(fieldLeakCap, uint64(s.Shape.LeakCap))
	appendVarint(fieldDesorbed, s.Counters.Desorbed)
	appendVarint(fieldHits, s.Counters.Hits)
	appendVarint(fieldAbsorbed, s.Counters.Absorbed)
	appendVarint(fieldLeaks, s.Counters.Leaks)
	appendVarint(fieldMerges, s.Counters.Merges)
	b = protowire.AppendTag(b, fieldSumDistance, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.Counters.SumDistance))

	var inner []byte
	for _, f := range s.Facets {
		inner = inner[:0]
		inner = protowire.AppendTag(inner, fieldFacetHits, protowire.VarintType)
		inner = protowire.AppendVarint(inner, f.Hits)
		inner = protowire.AppendTag(inner, fieldFacetAbsorbed, protowire.VarintType)
		inner = protowire.AppendVarint(inner, f.Absorbed)
		inner = protowire.AppendTag(inner, fieldFacetDesorbed, protowire.VarintType)
		inner = protowire.AppendVarint(inner, f.Desorbed)
		b = protowire.AppendTag(b, fieldFacet, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}

	b = appendPacked(b, fieldBounces, s.Bounces)
	b = appendPacked(b, fieldDistances, s.Distances)

	for _, l := range s.LeakCache {
		var coords []byte
		for _, v := range l.Pos {
			coords = protowire.AppendFixed64(coords, math.Float64bits(v))
		}
		for _, v := range l.Dir {
			coords = protowire.AppendFixed64(coords, math.Float64bits(v))
		}
		inner = inner[:0]
		inner = protowire.AppendTag(inner, fieldLeakCoords, protowire.BytesType)
		inner = protowire.AppendBytes(inner, coords)
		b = protowire.AppendTag(b, fieldLeak, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b, nil
}

func appendPacked(b []byte, num protowire.Number, values []uint64) []byte {
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, v)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// UnmarshalBinary decodes a message produced by MarshalBinary, replacing s.
// Unknown fields are skipped.
func (s *State) UnmarshalBinary(data []byte) error {
	var (
		shape     Shape
		counters  Counters
		facets    []FacetCounter
		bounces   []uint64
		distances []uint64
		leaks     []Leak
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType && num >= fieldFacets && num <= fieldMerges:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			switch num {
			case fieldFacets:
				shape.Facets = int(v)
			case fieldBounceBins:
				shape.BounceBins = int(v)
			case fieldDistanceBins:
				shape.DistanceBins = int(v)
			case fieldLeakCap:
				shape.LeakCap = int(v)
			case fieldDesorbed:
				counters.Desorbed = v
			case fieldHits:
				counters.Hits = v
			case fieldAbsorbed:
				counters.Absorbed = v
			case fieldLeaks:
				counters.Leaks = v
			case fieldMerges:
				counters.Merges = v
			}
		case num == fieldSumDistance && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			counters.SumDistance = math.Float64frombits(v)
		case num == fieldFacet && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			f, err := decodeFacet(msg)
			if err != nil {
				return err
			}
			facets = append(facets, f)
		case (num == fieldBounces || num == fieldDistances) && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			values, err := decodePacked(packed)
			if err != nil {
				return err
			}
			if num == fieldBounces {
				bounces = values
			} else {
				distances = values
			}
		case num == fieldLeak && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			l, err := decodeLeak(msg)
			if err != nil {
				return err
			}
			leaks = append(leaks, l)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	if err := shape.Validate(); err != nil {
		return err
	}
	if len(facets) != shape.Facets || len(bounces) != shape.BounceBins ||
		len(distances) != shape.DistanceBins || len(leaks) > shape.LeakCap {
		return fmt.Errorf("state arrays disagree with shape %+v", shape)
	}

	out := New(shape)
	out.Counters = counters
	copy(out.Facets, facets)
	copy(out.Bounces, bounces)
	copy(out.Distances, distances)
	out.LeakCache = append(out.LeakCache, leaks...)
	*s = *out
	return nil
}

func decodeFacet(msg []byte) (FacetCounter, error) {
	var f FacetCounter
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return f, protowire.ParseError(n)
		}
		msg = msg[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			msg = msg[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(msg)
		if n < 0 {
			return f, protowire.ParseError(n)
		}
		msg = msg[n:]
		switch num {
		case fieldFacetHits:
			f.Hits = v
		case fieldFacetAbsorbed:
			f.Absorbed = v
		case fieldFacetDesorbed:
			f.Desorbed = v
		}
	}
	return f, nil
}

func decodePacked(packed []byte) ([]uint64, error) {
	var values []uint64
	for len(packed) > 0 {
		v, n := protowire.ConsumeVarint(packed)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		packed = packed[n:]
		values = append(values, v)
	}
	return values, nil
}

func decodeLeak(msg []byte) (Leak, error) {
	var l Leak
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return l, protowire.ParseError(n)
		}
		msg = msg[n:]
		if num != fieldLeakCoords || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return l, protowire.ParseError(n)
			}
			msg = msg[n:]
			continue
		}
		coords, n := protowire.ConsumeBytes(msg)
		if n < 0 {
			return l, protowire.ParseError(n)
		}
		msg = msg[n:]
		var vals [6]float64
		for i := range vals {
			v, n := protowire.ConsumeFixed64(coords)
			if n < 0 {
				return l, protowire.ParseError(n)
			}
			coords = coords[n:]
			vals[i] = math.Float64frombits(v)
		}
		copy(l.Pos[:], vals[:3])
		copy(l.Dir[:], vals[3:])
	}
	return l, nil
}
