package training

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tsawler/go-lightning/tensor"
)

// Metrics maps metric names to values reported by a trial. Values are
// usually numbers or single-element tensors.
type Metrics map[string]any

// Scalar returns the named metric as a float64 if it is numeric
func (m Metrics) Scalar(name string) (float64, bool) {
	v, ok := m[name]
	if !ok {
		return 0, false
	}
	return ToFloat(v)
}

// Keys returns the metric names in sorted order
func (m Metrics) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Scalars returns every numeric metric as float64
func (m Metrics) Scalars() map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		if f, ok := ToFloat(v); ok {
			out[k] = f
		}
	}
	return out
}

// ToStruct converts the metrics into a protobuf Struct. Tensors are reduced
// to their single value; other non-primitive values are formatted.
func (m Metrics) ToStruct() (*structpb.Struct, error) {
	fields := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case nil, bool, string:
			fields[k] = val
		default:
			if f, ok := ToFloat(val); ok {
				fields[k] = f
			} else {
				fields[k] = fmt.Sprint(val)
			}
		}
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to convert metrics: %v", err)
	}
	return s, nil
}

// ToFloat converts a metric value to float64
func ToFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case *tensor.Tensor:
		if val == nil {
			return 0, false
		}
		f, err := val.Item()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// ReduceMetrics averages each numeric metric over the outputs that report it
func ReduceMetrics(outputs []Metrics) Metrics {
	sums := make(map[string]float64)
	counts := make(map[string]int)

	for _, out := range outputs {
		for k, v := range out {
			f, ok := ToFloat(v)
			if !ok {
				continue
			}
			sums[k] += f
			counts[k]++
		}
	}

	reduced := make(Metrics, len(sums))
	for k, sum := range sums {
		reduced[k] = sum / float64(counts[k])
	}
	return reduced
}
