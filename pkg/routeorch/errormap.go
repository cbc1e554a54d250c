package routeorch

import (
	"fmt"
	"strings"
)

// RouteEntryPrefix is the object-type prefix a backend notification uses
// for route-entry results (spec.md §4.8 step 1, "extracts the semantic
// object type by string prefix").
const RouteEntryPrefix = "SAI_OBJECT_TYPE_ROUTE_ENTRY:"

// ErrorMapper implements pkg/errororch.ObjectMapper for route entries. The
// backend echoes back the same key this package staged the entry under
// (restable.RouteKey's "<vrf>:<prefix>" form, see stageRouteEntry), so
// unlike the neighbor/rif-oid case in spec.md §8 scenario 6 there is no
// OID to resolve: stripping the prefix recovers the app key directly.
type ErrorMapper struct{}

// Prefix implements errororch.ObjectMapper.
func (ErrorMapper) Prefix() string { return RouteEntryPrefix }

// AppTable implements errororch.ObjectMapper.
func (ErrorMapper) AppTable() string { return "ROUTE_TABLE" }

// MapToErrorDbFormat implements errororch.ObjectMapper.
func (ErrorMapper) MapToErrorDbFormat(rawKey string, attrs map[string]interface{}) (string, map[string]string, bool) {
	appKey := strings.TrimPrefix(rawKey, RouteEntryPrefix)
	if appKey == "" {
		return "", nil, false
	}
	fields := make(map[string]string, len(attrs))
	for k, v := range attrs {
		fields[k] = fmt.Sprint(v)
	}
	return appKey, fields, true
}
