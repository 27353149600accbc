package bulk

import (
	"bytes"
	"encoding/json"

	"github.com/hazyhaar/sensordump/sensordump/internal/queue"
)

type actionMeta struct {
	Index string `json:"_index"`
	Type  string `json:"_type"`
}

type action struct {
	Index actionMeta `json:"index"`
}

// Render builds a _bulk body: for every record an action line naming index
// and type, then the stored JSON, each newline terminated.
func Render(index, typ string, records []queue.Record) []byte {
	line, _ := json.Marshal(action{Index: actionMeta{Index: index, Type: typ}})

	var buf bytes.Buffer
	for _, r := range records {
		buf.Write(line)
		buf.WriteByte('\n')
		buf.Write(r.JSON)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// MappingBody declares location and start_location as geo_point under typ.
func MappingBody(typ string) []byte {
	geoPoint := map[string]string{"type": "geo_point"}
	body := map[string]any{
		"mappings": map[string]any{
			typ: map[string]any{
				"properties": map[string]any{
					"location":       geoPoint,
					"start_location": geoPoint,
				},
			},
		},
	}
	b, _ := json.Marshal(body)
	return b
}
