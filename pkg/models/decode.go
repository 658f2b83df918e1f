package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ASNItem is a configured ASN: a single number or an inclusive "start-end"
// range. JSON numbers and strings are both accepted.
type ASNItem string

func (a *ASNItem) UnmarshalJSON(data []byte) error {
	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		*a = ASNItem(num.String())
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("asn item %s: %w", data, err)
	}
	*a = ASNItem(strings.TrimSpace(str))
	return nil
}

// UnmarshalJSON accepts the loosely typed shapes emitted by the different
// taps: peer ASN as number or string, AS paths with nested AS_SET arrays,
// and communities as objects, [asn, value] tuples or "asn:value" strings.
func (m *UpdateMessage) UnmarshalJSON(data []byte) error {
	type alias UpdateMessage
	aux := struct {
		*alias
		Path        json.RawMessage   `json:"path"`
		PeerASN     json.RawMessage   `json:"peer_asn"`
		Communities []json.RawMessage `json:"communities"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	peer, ok := parseASN(aux.PeerASN)
	if !ok {
		return fmt.Errorf("%w: peer_asn %s", ErrInvalidMessage, aux.PeerASN)
	}
	m.PeerASN = peer

	path, err := parseASPath(aux.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	m.Path = path

	communities, err := parseCommunities(aux.Communities)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	m.Communities = communities
	return nil
}

// parseASN parses an ASN that can be either a string or number.
func parseASN(data json.RawMessage) (int64, bool) {
	if len(data) == 0 || string(data) == "null" {
		return 0, false
	}

	var num int64
	if err := json.Unmarshal(data, &num); err == nil {
		return num, true
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		val, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64)
		if err == nil {
			return val, true
		}
	}
	return 0, false
}

// parseASPath flattens an AS path which may contain nested arrays (AS_SET).
// Input can be: [174, 3356, 65001] or [[174], [3356, 65001], 65002]
func parseASPath(data json.RawMessage) ([]int64, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var simple []int64
	if err := json.Unmarshal(data, &simple); err == nil {
		return simple, nil
	}

	var mixed []json.RawMessage
	if err := json.Unmarshal(data, &mixed); err != nil {
		return nil, fmt.Errorf("cannot parse path: %w", err)
	}

	result := make([]int64, 0, len(mixed))
	for _, elem := range mixed {
		if asn, ok := parseASN(elem); ok {
			result = append(result, asn)
			continue
		}
		var set []int64
		if err := json.Unmarshal(elem, &set); err != nil {
			return nil, fmt.Errorf("cannot parse path hop %s", elem)
		}
		result = append(result, set...)
	}
	return result, nil
}

// parseCommunities accepts {"asn":..,"value":..} objects, [asn, value]
// tuples and "asn:value" strings.
func parseCommunities(data []json.RawMessage) ([]Community, error) {
	result := make([]Community, 0, len(data))
	for _, elem := range data {
		var obj struct {
			ASN   *uint32 `json:"asn"`
			Value *uint32 `json:"value"`
		}
		if err := json.Unmarshal(elem, &obj); err == nil {
			if obj.ASN == nil || obj.Value == nil {
				return nil, fmt.Errorf("community %s missing asn or value", elem)
			}
			result = append(result, Community{ASN: *obj.ASN, Value: *obj.Value})
			continue
		}

		var tuple []uint32
		if err := json.Unmarshal(elem, &tuple); err == nil && len(tuple) == 2 {
			result = append(result, Community{ASN: tuple[0], Value: tuple[1]})
			continue
		}

		var str string
		if err := json.Unmarshal(elem, &str); err == nil {
			asn, value, found := strings.Cut(str, ":")
			if found {
				a, errA := strconv.ParseUint(asn, 10, 32)
				v, errV := strconv.ParseUint(value, 10, 32)
				if errA == nil && errV == nil {
					result = append(result, Community{ASN: uint32(a), Value: uint32(v)})
					continue
				}
			}
		}
		return nil, fmt.Errorf("cannot parse community %s", elem)
	}
	return result, nil
}
