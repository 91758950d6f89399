// Package model defines domain structs shared across the persistence layer.
package model

// BoardStatus is the lifecycle state of a board.
type BoardStatus string

const (
	// StatusRegistered means the board row exists but the device has never
	// completed the first-contact handshake.
	StatusRegistered BoardStatus = "REGISTERED"
	// StatusOffline means the board onboarded at least once and currently
	// has no valid session.
	StatusOffline BoardStatus = "OFFLINE"
	// StatusOnline means a valid session references the board.
	StatusOnline BoardStatus = "ONLINE"
)

// RequestStatus is the lifecycle state of a dispatched request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestCompleted RequestStatus = "COMPLETED"
)

// Request destination types.
const (
	RequestTypeBoard = 0
	RequestTypeFleet = 1
)

// ResultValue is the per-target outcome of a request.
type ResultValue string

const (
	ResultRunning ResultValue = "RUNNING"
	ResultSuccess ResultValue = "SUCCESS"
	ResultWarning ResultValue = "WARNING"
	ResultError   ResultValue = "ERROR"
)

// Terminal reports whether v is a final outcome (anything but RUNNING).
func (v ResultValue) Terminal() bool {
	return v == ResultSuccess || v == ResultWarning || v == ResultError
}

// Board is a managed remote device.
type Board struct {
	ID           int64          `json:"id"`
	UUID         string         `json:"uuid"`
	Code         string         `json:"code"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Status       BoardStatus    `json:"status"`
	Agent        string         `json:"agent"` // hostname of the bus agent carrying the session; empty when offline
	Owner        string         `json:"owner"`
	Project      string         `json:"project"`
	Fleet        string         `json:"fleet"` // fleet uuid, empty when unassigned
	LRVersion    string         `json:"lr_version"`
	Connectivity map[string]any `json:"connectivity"`
	Mobile       bool           `json:"mobile"`
	Config       map[string]any `json:"config"`
	Extra        map[string]any `json:"extra"`
	CreatedAtNs  int64          `json:"created_at_ns"`
	UpdatedAtNs  int64          `json:"updated_at_ns"`
}

// Online reports whether the board currently carries a valid session.
func (b *Board) Online() bool { return b.Status == StatusOnline }

// Location is a geographic position attached to a board.
type Location struct {
	ID          int64  `json:"id"`
	BoardID     int64  `json:"board_id"`
	Longitude   string `json:"longitude"`
	Latitude    string `json:"latitude"`
	Altitude    string `json:"altitude"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}

// Session is the logical connection between a board and the cloud. At most
// one session per board has Valid=true.
type Session struct {
	ID          int64  `json:"id"`
	BoardID     int64  `json:"board_id"`
	BoardUUID   string `json:"board_uuid"`
	SessionID   string `json:"session_id"`
	Valid       bool   `json:"valid"`
	CreatedAtNs int64  `json:"created_at_ns"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}

// Agent is a broker-connected process that carries device sessions.
// At most one online agent has RAgent=true (the registration agent).
type Agent struct {
	ID          int64  `json:"id"`
	Hostname    string `json:"hostname"`
	WSURL       string `json:"wsurl"`
	Online      bool   `json:"online"`
	RAgent      bool   `json:"ragent"`
	CreatedAtNs int64  `json:"created_at_ns"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}

// Conductor is a registered conductor process.
type Conductor struct {
	ID          int64  `json:"id"`
	Hostname    string `json:"hostname"`
	Online      bool   `json:"online"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}

// Plugin is user-owned code injectable into boards.
type Plugin struct {
	ID          int64          `json:"id"`
	UUID        string         `json:"uuid"`
	Name        string         `json:"name"`
	Owner       string         `json:"owner"`
	Public      bool           `json:"public"`
	Code        string         `json:"code"` // byte-serialized payload
	Callable    bool           `json:"callable"`
	Parameters  map[string]any `json:"parameters"`
	Extra       map[string]any `json:"extra"`
	CreatedAtNs int64          `json:"created_at_ns"`
	UpdatedAtNs int64          `json:"updated_at_ns"`
}

// Injection statuses.
const (
	InjectionInjected = "injected"
	InjectionUpdated  = "updated"
)

// InjectionPlugin records a plugin injected into a board. Unique per
// (board_uuid, plugin_uuid).
type InjectionPlugin struct {
	ID          int64  `json:"id"`
	BoardUUID   string `json:"board_uuid"`
	PluginUUID  string `json:"plugin_uuid"`
	OnBoot      bool   `json:"onboot"`
	Status      string `json:"status"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}

// Service describes a TCP service running on a board's local port.
type Service struct {
	ID          int64          `json:"id"`
	UUID        string         `json:"uuid"`
	Name        string         `json:"name"`
	Project     string         `json:"project"`
	Port        int            `json:"port"` // device-local port
	Protocol    string         `json:"protocol"`
	Extra       map[string]any `json:"extra"`
	CreatedAtNs int64          `json:"created_at_ns"`
	UpdatedAtNs int64          `json:"updated_at_ns"`
}

// ExposedService is a cloud-side public port tunnelling to a device-local
// service. PublicPort is unique across all rows.
type ExposedService struct {
	ID          int64  `json:"id"`
	BoardUUID   string `json:"board_uuid"`
	ServiceUUID string `json:"service_uuid"`
	PublicPort  int    `json:"public_port"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}

// Webservice is a named HTTP endpoint on a board, projected to
// <name>.<board-dns>.<zone>. Unique per (board_uuid, name).
type Webservice struct {
	ID          int64          `json:"id"`
	UUID        string         `json:"uuid"`
	Name        string         `json:"name"`
	Port        int            `json:"port"`
	BoardUUID   string         `json:"board_uuid"`
	Secure      bool           `json:"secure"`
	Extra       map[string]any `json:"extra"`
	CreatedAtNs int64          `json:"created_at_ns"`
	UpdatedAtNs int64          `json:"updated_at_ns"`
}

// EnabledWebservice holds the per-board HTTP exposure. At most one per
// board; DNS is globally unique.
type EnabledWebservice struct {
	ID          int64  `json:"id"`
	BoardUUID   string `json:"board_uuid"`
	HTTPPort    int    `json:"http_port"`
	HTTPSPort   int    `json:"https_port"`
	DNS         string `json:"dns"`
	Zone        string `json:"zone"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}

// Port is an attached virtual-network interface on a board.
type Port struct {
	ID          int64  `json:"id"`
	UUID        string `json:"uuid"`
	BoardUUID   string `json:"board_uuid"`
	VIFName     string `json:"vif_name"`
	MACAddr     string `json:"mac_addr"`
	IP          string `json:"ip"`
	Network     string `json:"network"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}

// Fleet groups boards under a project.
type Fleet struct {
	ID          int64  `json:"id"`
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Project     string `json:"project"`
	Description string `json:"description"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}

// Request is the persistent record of a dispatched device RPC. A request
// with MainRequestUUID set is a child of that parent; the parent's
// PendingRequests counts children that still have a RUNNING result.
type Request struct {
	ID              int64         `json:"id"`
	UUID            string        `json:"uuid"`
	DestinationUUID string        `json:"destination_uuid"`
	MainRequestUUID string        `json:"main_request_uuid"` // empty for top-level requests
	PendingRequests int           `json:"pending_requests"`
	Status          RequestStatus `json:"status"`
	Project         string        `json:"project"`
	Type            int           `json:"type"`
	Action          string        `json:"action"`
	CreatedAtNs     int64         `json:"created_at_ns"`
	UpdatedAtNs     int64         `json:"updated_at_ns"`
}

// Result is the per-board outcome of a request. Unique per
// (request_uuid, board_uuid).
type Result struct {
	ID          int64       `json:"id"`
	RequestUUID string      `json:"request_uuid"`
	BoardUUID   string      `json:"board_uuid"`
	Result      ResultValue `json:"result"`
	Message     string      `json:"message"`
	UpdatedAtNs int64       `json:"updated_at_ns"`
}
