package document

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Stringify renders a row value the way it should appear in ids, titles and CSV cells.
// nil becomes the empty string and instants use FormatTime. Maps and slices are encoded as
// canonical JSON.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case []byte:
		return string(v)
	case bool:
		if v {
			return "true"
		}

		return "false"
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return FormatTime(v)
	case map[string]any, []any, Row:
		encoded, err := CanonicalJSON(v)
		if err != nil {
			return fmt.Sprint(v)
		}

		return string(encoded)
	default:
		return fmt.Sprint(v)
	}
}
