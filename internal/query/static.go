package query

// builtinQueries is the query set served by the static catalog.
func builtinQueries() []catalogEntry {
	return []catalogEntry{
		{
			Name: "Failed dependency calls",
			Kind: KindTraces,
			Template: `dependencies
| where timestamp >= datetime({from}) and timestamp < datetime({to})
| where success == false and target has "{host}"
| project itemId, timestamp, cloud_RoleName, application_Version, name, target, resultCode, duration, operation_Id`,
			Alert:   true,
			Summary: "[{tenant}] {app_name} {app_version}: failed dependency call ({query})",
		},
		{
			Name: "Failed requests",
			Kind: KindRequests,
			Template: `requests
| where timestamp >= datetime({from}) and timestamp < datetime({to})
| where success == false and url has "{host}"
| project itemId, timestamp, cloud_RoleName, application_Version, name, url, resultCode, duration, operation_Id`,
			Alert:   true,
			Summary: "[{tenant}] {app_name} {app_version}: failed request ({query})",
		},
		{
			Name: "Unhandled exceptions",
			Kind: KindExceptions,
			Template: `exceptions
| where timestamp >= datetime({from}) and timestamp < datetime({to})
| where cloud_RoleInstance has "{host}"
| project itemId, timestamp, cloud_RoleName, application_Version, type, outerMessage, operation_Id`,
			Alert:   true,
			Summary: "[{tenant}] {app_name} {app_version}: unhandled exception ({query})",
		},
		{
			Name: "Slow requests",
			Kind: KindMetrics,
			Template: `requests
| where timestamp >= datetime({from}) and timestamp < datetime({to})
| where duration > 5000 and url has "{host}"
| project itemId, timestamp, cloud_RoleName, application_Version, name, duration`,
		},
	}
}
