package pluginsys

import "reflect"

// reflectIsFunc reports whether v holds a function value, used by contract
// enforcement to accept any operation signature rather than a closed set.
func reflectIsFunc(v any) bool {
	if v == nil {
		return false
	}
	return reflect.ValueOf(v).Kind() == reflect.Func
}
