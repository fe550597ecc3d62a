package pipeline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ParseJSON returns a ParseFunc that decodes the output as JSON into a generic
// value (map[string]interface{} for objects).
func ParseJSON() ParseFunc {
	return func(output []byte) (any, error) {
		var out interface{}
		if err := json.Unmarshal(bytes.TrimSpace(output), &out); err != nil {
			return nil, fmt.Errorf("parsejson: %w", err)
		}
		return out, nil
	}
}

// ParseJSONTo returns a ParseFunc that decodes the output as JSON into a *T.
func ParseJSONTo[T any]() ParseFunc {
	return func(output []byte) (any, error) {
		var out T
		if err := json.Unmarshal(bytes.TrimSpace(output), &out); err != nil {
			return nil, fmt.Errorf("parsejsonto: %w", err)
		}
		return &out, nil
	}
}

// ParseKeyValues returns a ParseFunc that collects "key: value" pairs from
// the output lines into a map[string]string. Text before the key on the same
// line is ignored, so tool log prefixes such as "[Parsed_volumedetect_0 @ 0x1]"
// are tolerated. Every required key must be present, otherwise the output is
// malformed. Later occurrences of a key win.
func ParseKeyValues(required ...string) ParseFunc {
	return func(output []byte) (any, error) {
		out := make(map[string]string)
		sc := bufio.NewScanner(bytes.NewReader(output))
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			idx := strings.Index(line, ": ")
			if idx <= 0 {
				continue
			}
			head := strings.TrimSpace(line[:idx])
			if sp := strings.LastIndexAny(head, " \t]"); sp >= 0 {
				head = head[sp+1:]
			}
			if head == "" {
				continue
			}
			out[head] = strings.TrimSpace(line[idx+2:])
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("parsekv: %w", err)
		}
		var missing []string
		for _, k := range required {
			if _, ok := out[k]; !ok {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("parsekv: missing %s", strings.Join(missing, ", "))
		}
		return out, nil
	}
}
