package dovi

import (
	"encoding/json"
	"fmt"

	"github.com/BeltaKoda/visionarr/internal/models"
)

// ELTypeFromRPUJSON scans a DoVi metadata tool's exported RPU JSON dump for
// the literal marker "el_type":"MEL" or "el_type":"FEL" (§4.1 Stage C.1).
// Returns ok=false if no marker is present anywhere in the document.
func ELTypeFromRPUJSON(data []byte) (elType models.ELType, ok bool) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", false
	}

	found := ""
	walk(doc, func(key string, value any) bool {
		if key != "el_type" {
			return true
		}
		s, isString := value.(string)
		if !isString {
			return true
		}
		switch s {
		case "MEL":
			found = "MEL"
			return false
		case "FEL":
			found = "FEL"
			return false
		}
		return true
	})

	switch found {
	case "MEL":
		return models.ELTypeMEL, true
	case "FEL":
		// FEL alone does not resolve to a final ELType - C.2 decides
		// between FELSimple and FELComplex. Signal "FEL seen" to the
		// caller via ELTypeUnknown with ok=true, letting Stage C.2 proceed.
		return models.ELTypeUnknown, true
	default:
		return "", false
	}
}

// MaxPQFromRPUJSON finds the maximum max_pq value anywhere in the document
// under keys Level1/l1/L1 -> max_pq/max/Max, per §4.1 Stage C.2 step 4.
// Returns ok=false if no such value is found.
func MaxPQFromRPUJSON(data []byte) (maxPQ uint16, ok bool) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, false
	}

	level1Keys := map[string]bool{"Level1": true, "l1": true, "L1": true}
	maxKeys := map[string]bool{"max_pq": true, "max": true, "Max": true}

	var best uint16
	var found bool

	var visitLevel1 func(v any)
	visitLevel1 = func(v any) {
		obj, isObj := v.(map[string]any)
		if !isObj {
			return
		}
		for k, sub := range obj {
			if maxKeys[k] {
				if n, okNum := numberToUint16(sub); okNum {
					if !found || n > best {
						best = n
						found = true
					}
				}
			}
		}
		_ = obj
	}

	walk(doc, func(key string, value any) bool {
		if level1Keys[key] {
			visitLevel1(value)
		}
		return true
	})

	return best, found
}

// numberToUint16 converts a decoded JSON number (float64) or numeric string
// into a uint16, clamping out-of-range values.
func numberToUint16(v any) (uint16, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0, true
		}
		if n > 65535 {
			return 65535, true
		}
		return uint16(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%f", &f); err != nil {
			return 0, false
		}
		return numberToUint16(f)
	default:
		return 0, false
	}
}

// walk performs a depth-first traversal of a decoded JSON document (maps and
// slices), invoking visit(key, value) for every key/value pair found in any
// object anywhere in the tree. visit returns false to stop the walk early.
func walk(node any, visit func(key string, value any) bool) bool {
	switch v := node.(type) {
	case map[string]any:
		for k, val := range v {
			if !visit(k, val) {
				return false
			}
			if !walk(val, visit) {
				return false
			}
		}
	case []any:
		for _, item := range v {
			if !walk(item, visit) {
				return false
			}
		}
	}
	return true
}
