package api

// v0 contains the wire types exchanged between agents and the backend.
// Field tags are json; the CBOR codec falls back to them.

// Request actions understood by the backend.
const (
	ActionRegister   = "register"
	ActionTaskUpdate = "task_update"
	ActionTaskReturn = "task_return"
)

// ClientInfo is the identity record an agent submits on registration.
type ClientInfo struct {
	MercuryID   string  `json:"mercury_id"`
	RPCAddress  string  `json:"rpc_address"`
	RPCAddress6 *string `json:"rpc_address6"`
	RPCPort     int     `json:"rpc_port"`
	PingPort    int     `json:"ping_port"`
	// Capabilities is opaque to the backend; any CBOR value is kept as sent.
	Capabilities any `json:"capabilities"`
}

// ClientInfoFields lists every key a registration record must carry.
var ClientInfoFields = []string{
	"mercury_id",
	"rpc_address",
	"rpc_address6",
	"rpc_port",
	"ping_port",
	"capabilities",
}

type RegisterRequest struct {
	Action     string     `json:"action"`
	ClientInfo ClientInfo `json:"client_info"`
}

// TaskUpdate reports progress on a running task.
type TaskUpdate struct {
	TaskID string `json:"task_id"`
	// Action is a human readable status line.
	Action   string   `json:"action,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
}

type TaskUpdateRequest struct {
	Action     string     `json:"action"`
	UpdateData TaskUpdate `json:"update_data"`
}

type TaskStatus string

const (
	TaskSuccess   TaskStatus = "SUCCESS"
	TaskError     TaskStatus = "ERROR"
	TaskException TaskStatus = "EXCEPTION"
	TaskTimeout   TaskStatus = "TIMEOUT"
)

// Valid reports whether s is one of the terminal task states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskSuccess, TaskError, TaskException, TaskTimeout:
		return true
	}
	return false
}

// TaskReturn is the completion report for a task.
type TaskReturn struct {
	JobID         string     `json:"job_id"`
	TaskID        string     `json:"task_id"`
	MercuryID     string     `json:"mercury_id,omitempty"`
	Method        string     `json:"method,omitempty"`
	TimeStarted   float64    `json:"time_started,omitempty"`
	TimeCompleted float64    `json:"time_completed,omitempty"`
	Data          any        `json:"data,omitempty"`
	Status        TaskStatus `json:"status"`
	Message       string     `json:"message"`
	// TracebackInfo is usually a string or null but is not interpreted.
	TracebackInfo any `json:"traceback_info"`
}

type TaskReturnRequest struct {
	Action     string     `json:"action"`
	ReturnData TaskReturn `json:"return_data"`
}

// Reply is the administrative reply shape.
type Reply struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// Accepted is the reply to progress and completion reports. It carries no
// error flag.
type Accepted struct {
	Message string `json:"message"`
}

// Probe message texts.
const (
	PingMessage = "ping"
	PongMessage = "pong"
)

// Ping is sent by the backend to an agent's ping port.
type Ping struct {
	Message   string  `json:"message"`
	Nonce     string  `json:"nonce"`
	Timestamp float64 `json:"timestamp"`
}

type Pong struct {
	Message string `json:"message"`
	Nonce   string `json:"nonce"`
}
