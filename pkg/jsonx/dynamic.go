package jsonx

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ToOrdered converts any Go value to a dynamic JSON object that preserves key
// order. It first marshals the input value to JSON bytes and then unmarshals
// those bytes into an ordered map. Values whose JSON form is not an object
// (scalars, arrays, null) are rejected with an error.
//
// Parameters:
//   - val: The input value of any type to be converted to a dynamic JSON object.
//
// Returns:
//   - *orderedmap.OrderedMap[string, any]: The dynamic JSON object.
//   - error: An error if the conversion fails or the value is not an object.
func ToOrdered(val any) (*orderedmap.OrderedMap[string, any], error) {
	b, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(b)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("value of type %T does not encode to a JSON object", val)
	}
	result := orderedmap.New[string, any]()
	if err = json.Unmarshal(b, result); err != nil {
		return nil, err
	}
	return result, nil
}
