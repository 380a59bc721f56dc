package model

import "gopkg.in/yaml.v3"

// EncodeProperties serializes a property set for storage in a BLOB
// column. YAML is used for every opaque-blob encoding throughout wc.db
// (nodes.properties, actual_node.properties, work_queue.work) so the
// whole store has one serialization dependency instead of several.
func EncodeProperties(props map[string]string) ([]byte, error) {
	if len(props) == 0 {
		return nil, nil
	}
	return yaml.Marshal(props)
}

// DecodeProperties is the inverse of EncodeProperties. A nil or empty
// blob decodes to a nil map.
func DecodeProperties(blob []byte) (map[string]string, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var props map[string]string
	if err := yaml.Unmarshal(blob, &props); err != nil {
		return nil, err
	}
	return props, nil
}
