package engine

import "strconv"

// WorkerBinary is the executable launched inside every runtime variant.
const WorkerBinary = "rulebook-worker"

// CommandLine builds the worker launch command. Pure data; Args has no
// side effects, so command construction is testable without a runtime.
type CommandLine struct {
	// WebsocketURL is the control-plane endpoint the worker connects
	// back to for rulebook content and event delivery.
	WebsocketURL       string
	WebsocketSSLVerify string

	// Token triple for authenticated websocket connections. All three
	// are sent together or not at all.
	AccessToken  string
	RefreshToken string
	TokenURL     string

	// HeartbeatSeconds is the interval for liveness reports on the
	// status channel.
	HeartbeatSeconds int

	InstanceID int64

	// LogLevel is passed through verbatim, e.g. "-v" or "-vv".
	LogLevel string

	SkipAuditEvents bool
}

// Command returns the worker executable name.
func (c CommandLine) Command() string { return WorkerBinary }

// Args returns the worker's argument vector, excluding the executable.
func (c CommandLine) Args() []string {
	args := []string{
		"--worker",
		"--websocket-ssl-verify", c.WebsocketSSLVerify,
		"--websocket-url", c.WebsocketURL,
		"--id", strconv.FormatInt(c.InstanceID, 10),
		"--heartbeat", strconv.Itoa(c.HeartbeatSeconds),
	}
	if c.AccessToken != "" {
		args = append(args,
			"--websocket-access-token", c.AccessToken,
			"--websocket-refresh-token", c.RefreshToken,
			"--websocket-token-url", c.TokenURL,
		)
	}
	if c.SkipAuditEvents {
		args = append(args, "--skip-audit-events")
	}
	if c.LogLevel != "" {
		args = append(args, c.LogLevel)
	}
	return args
}

// Fullargs returns the executable plus arguments, ready for a process
// or container spec.
func (c CommandLine) Fullargs() []string {
	return append([]string{c.Command()}, c.Args()...)
}
