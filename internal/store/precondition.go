package store

import "reflect"

// checkPrecondition evaluates a single path's precondition against the
// current (value, found) pair read from the tree.
func checkPrecondition(pre Precondition, cur interface{}, found bool) bool {
	op := pre.Op
	if op == "" {
		op = "old"
	}
	switch op {
	case "old":
		if !found {
			return pre.Value == nil
		}
		return reflect.DeepEqual(cur, pre.Value)
	case "oldEmpty":
		want, _ := pre.Value.(bool)
		isEmpty := !found || cur == nil
		return isEmpty == want
	case "isArray":
		want, _ := pre.Value.(bool)
		_, isArr := cur.([]interface{})
		return found && isArr == want
	case "in":
		list, ok := pre.Value.([]interface{})
		if !ok || !found {
			return false
		}
		for _, item := range list {
			if reflect.DeepEqual(item, cur) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
