package devicehub

// Device hub, device to server.
const (
	MethodReportStatus        = "ReportStatus"
	MethodPing                = "Ping"
	MethodSendPingResponse    = "SendPingResponse"
	MethodAcknowledgeCommand  = "AcknowledgeCommand"
	MethodStreamQueryRow      = "StreamQueryRow"
	MethodCompleteQueryStream = "CompleteQueryStream"
	MethodSendQueryResult     = "SendQueryResult"
)

// Device hub, server to device.
const (
	MethodMeasurePing           = "MeasurePing"
	MethodExecuteShutdown       = "ExecuteShutdown"
	MethodExecuteRestart        = "ExecuteRestart"
	MethodExecuteStreamingQuery = "ExecuteStreamingQuery"
)

// Operator hub, operator to server.
const (
	MethodPingDevice     = "PingDevice"
	MethodShutdownDevice = "ShutdownDevice"
	MethodRestartDevice  = "RestartDevice"
	MethodExecuteQuery   = "ExecuteQuery"
)

// Operator hub, server to operator.
const (
	MethodReceiveDeviceStatus          = "ReceiveDeviceStatus"
	MethodReceivePingResponse          = "ReceivePingResponse"
	MethodReceiveCommandAcknowledgment = "ReceiveCommandAcknowledgment"
	MethodReceiveOSQueryResult         = "ReceiveOSQueryResult"
)

// Registration hub.
const (
	MethodRequestPairingCode = "RequestPairingCode"
	MethodReceiveCredentials = "ReceiveCredentials"
)

// CommandKind names a command the hub can issue to a device.
type CommandKind string

const (
	KindPing           CommandKind = "Ping"
	KindShutdown       CommandKind = "Shutdown"
	KindRestart        CommandKind = "Restart"
	KindStreamingQuery CommandKind = "StreamingQuery"
)

// Method is the device-side method that carries the command.
func (k CommandKind) Method() string {
	switch k {
	case KindPing:
		return MethodMeasurePing
	case KindShutdown:
		return MethodExecuteShutdown
	case KindRestart:
		return MethodExecuteRestart
	case KindStreamingQuery:
		return MethodExecuteStreamingQuery
	default:
		return ""
	}
}

// Valid reports whether k is a known kind.
func (k CommandKind) Valid() bool {
	return k.Method() != ""
}

// KindForMethod maps a device-side method name back to its command kind.
func KindForMethod(method string) (CommandKind, bool) {
	for _, k := range []CommandKind{KindPing, KindShutdown, KindRestart, KindStreamingQuery} {
		if k.Method() == method {
			return k, true
		}
	}
	return "", false
}
