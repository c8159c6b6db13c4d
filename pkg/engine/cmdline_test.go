package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandLineArgs(t *testing.T) {
	c := CommandLine{
		WebsocketURL:       "wss://orchestrator.local/worker",
		WebsocketSSLVerify: "yes",
		HeartbeatSeconds:   30,
		InstanceID:         17,
	}

	assert.Equal(t, WorkerBinary, c.Command())
	assert.Equal(t, []string{
		"--worker",
		"--websocket-ssl-verify", "yes",
		"--websocket-url", "wss://orchestrator.local/worker",
		"--id", "17",
		"--heartbeat", "30",
	}, c.Args())
}

func TestCommandLineArgsWithTokens(t *testing.T) {
	c := CommandLine{
		WebsocketURL:       "wss://orchestrator.local/worker",
		WebsocketSSLVerify: "no",
		AccessToken:        "access",
		RefreshToken:       "refresh",
		TokenURL:           "https://orchestrator.local/token",
		HeartbeatSeconds:   10,
		InstanceID:         3,
		LogLevel:           "-vv",
		SkipAuditEvents:    true,
	}

	args := c.Args()
	assert.Contains(t, args, "--websocket-access-token")
	assert.Contains(t, args, "--websocket-refresh-token")
	assert.Contains(t, args, "--websocket-token-url")
	assert.Contains(t, args, "--skip-audit-events")
	// Log level rides at the end of the vector.
	assert.Equal(t, "-vv", args[len(args)-1])
}

func TestCommandLineFullargs(t *testing.T) {
	c := CommandLine{WebsocketSSLVerify: "no", InstanceID: 1, HeartbeatSeconds: 5}
	full := c.Fullargs()
	assert.Equal(t, WorkerBinary, full[0])
	assert.Equal(t, c.Args(), full[1:])
}
