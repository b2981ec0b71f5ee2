package auth

const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

const (
	PermCyclesRun      = "cycles.run"
	PermCyclesRead     = "cycles.read"
	PermPayoutsRequest = "payouts.request"
	PermPayoutsProcess = "payouts.process"
)

var rolePermissions = map[string][]string{
	RoleOperator: {PermCyclesRun, PermCyclesRead, PermPayoutsRequest, PermPayoutsProcess},
	RoleViewer:   {PermCyclesRead},
}
