package eventkind

import "encoding/json"

func marshalParsed(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
