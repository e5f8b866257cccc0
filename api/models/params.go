package models

// Reserved parameter names exchanged between the installed agents and the
// local client. User parameters never start with '$'.
const (
	ParamWaitForActivation  = "$waitForActivation"
	ParamActivationID       = "$activationId"
	ParamCompleteActivation = "$completeActivation"
	ParamResult             = "$result"
	ParamStopDebugger       = "$stopDebugger"
	ParamCondition          = "$condition"
	ParamTunnelURL          = "$tunnelUrl"
	ParamTunnelAuth         = "$tunnelAuth"
	ParamBackupName         = "$backupName"
	ParamInvokedHelper      = "$invokedHelper"
	ParamCompletedHelper    = "$completedHelper"
)

// Reserved result error codes.
const (
	// CodeRetry means no activation arrived before the wait gave up.
	CodeRetry = 42
	// CodeStop means the agent was told to stop the debugger.
	CodeStop = 43
)

// IsReservedParam reports whether key is one of the agent control params.
func IsReservedParam(key string) bool {
	return len(key) > 0 && key[0] == '$'
}

// StripReserved returns a copy of params without the control params.
func StripReserved(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if !IsReservedParam(k) {
			out[k] = v
		}
	}
	return out
}
