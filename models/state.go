package models

// ConnState is the transport-level lifecycle state of one feed connection.
// It is owned and mutated exclusively by the supervisor.
type ConnState string

const (
	ConnStopped      ConnState = "stopped"
	ConnStarting     ConnState = "starting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
)

// HealthState is the health evaluator's judgement of one connection,
// combining transport status with the canary data heartbeat.
type HealthState string

const (
	HealthDisconnected HealthState = "disconnected"
	HealthHealthy      HealthState = "healthy"
	HealthUnhealthy    HealthState = "unhealthy"
	HealthRecovering   HealthState = "recovering"
)

// AccountStatus is a point-in-time snapshot of one supervised connection,
// exposed to the control surface.
type AccountStatus struct {
	AccountID   string    `json:"account_id"`
	FeedType    FeedType  `json:"feed_type"`
	Priority    int       `json:"priority"`
	State       ConnState `json:"state"`
	Attempts    int64     `json:"connection_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	ConnectedAt int64     `json:"connected_at,omitempty"`
}

// RouteSnapshot is a point-in-time view of one symbol's routing table.
type RouteSnapshot struct {
	Symbol     string   `json:"symbol"`
	Candidates []string `json:"candidates"`
	Accepted   []string `json:"accepted_sources"`
}
