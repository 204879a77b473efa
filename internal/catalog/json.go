package catalog

import "encoding/json"

func marshalColumnPermissions(c ColumnPermissions) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

func unmarshalColumnPermissions(data []byte) (ColumnPermissions, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var c ColumnPermissions
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return c, nil
}

func marshalCounters(c Counters) ([]byte, error) {
	return json.Marshal(c)
}
