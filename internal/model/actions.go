package model

// Closed sets of device actions, one per domain. The dispatcher only ever
// receives actions that passed the relevant validator.

// Board actions.
const (
	BoardPing      = "BoardPing"
	BoardRestartLR = "BoardRestartLR"
	BoardReboot    = "BoardReboot"
	BoardNetConfig = "BoardNetConfig"
)

// Plugin actions.
const (
	PluginRun    = "PluginRun"
	PluginKill   = "PluginKill"
	PluginStop   = "PluginStop"
	PluginCall   = "PluginCall"
	PluginStatus = "PluginStatus"
	PluginReboot = "PluginReboot"
)

// Service actions.
const (
	ServiceEnable  = "ServiceEnable"
	ServiceDisable = "ServiceDisable"
	ServiceRestore = "ServiceRestore"
)

var boardActions = map[string]bool{
	BoardPing:      true,
	BoardRestartLR: true,
	BoardReboot:    true,
	BoardNetConfig: true,
}

var pluginActions = map[string]bool{
	PluginRun:    true,
	PluginKill:   true,
	PluginStop:   true,
	PluginCall:   true,
	PluginStatus: true,
	PluginReboot: true,
}

// Plugin actions that carry a parameters payload.
var pluginActionsWithParams = map[string]bool{
	PluginRun:  true,
	PluginCall: true,
}

var serviceActions = map[string]bool{
	ServiceEnable:  true,
	ServiceDisable: true,
	ServiceRestore: true,
}

// IsValidBoardAction reports whether action belongs to the board set.
func IsValidBoardAction(action string) bool { return boardActions[action] }

// IsValidPluginAction reports whether action belongs to the plugin set.
func IsValidPluginAction(action string) bool { return pluginActions[action] }

// PluginActionWantsParams reports whether the action carries parameters.
func PluginActionWantsParams(action string) bool { return pluginActionsWithParams[action] }

// IsValidServiceAction reports whether action belongs to the service set.
func IsValidServiceAction(action string) bool { return serviceActions[action] }
