// Package podman drives rulebook workers as rootless containers
// through the libpod REST API on the podman unix socket.
package podman

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rulefleet/rulefleet/pkg/core"
	"github.com/rulefleet/rulefleet/pkg/engine"
)

const apiPrefix = "/v4.0.0/libpod"

// Engine talks to a podman socket. Log read positions are tracked per
// handle so every UpdateLogs call only fetches new output.
type Engine struct {
	client *http.Client

	mu        sync.Mutex
	logReadAt map[string]time.Time
}

// New returns an Engine bound to the given podman socket path, e.g.
// /run/user/1000/podman/podman.sock.
func New(socketPath string, timeout time.Duration) *Engine {
	dialer := &net.Dialer{}
	return &Engine{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socketPath)
				},
			},
		},
		logReadAt: make(map[string]time.Time),
	}
}

func (e *Engine) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	u := "http://d" + apiPrefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return e.client.Do(req)
}

func apiError(resp *http.Response) error {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Message != "" {
		return fmt.Errorf("podman API %d: %s", resp.StatusCode, payload.Message)
	}
	return fmt.Errorf("podman API %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
}

// registryAuth builds the X-Registry-Auth header value.
func registryAuth(cred *core.Credential) string {
	payload, _ := json.Marshal(map[string]string{
		"username": cred.Username,
		"password": cred.Secret,
	})
	return base64.URLEncoding.EncodeToString(payload)
}

func (e *Engine) pullImage(ctx context.Context, req engine.Request) error {
	q := url.Values{"reference": {req.Image}}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://d"+apiPrefix+"/images/pull?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	if req.Credential != nil {
		httpReq.Header.Set("X-Registry-Auth", registryAuth(req.Credential))
	}
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return &engine.ImagePullError{Image: req.Image, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &engine.ImagePullError{Image: req.Image, Err: apiError(resp)}
	}
	// The pull endpoint streams progress records; an error surfaces as
	// a record with an error field rather than a status code.
	dec := json.NewDecoder(resp.Body)
	for {
		var record struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&record); err == io.EOF {
			break
		} else if err != nil {
			return &engine.ImagePullError{Image: req.Image, Err: err}
		}
		if record.Error != "" {
			return &engine.ImagePullError{Image: req.Image, Err: fmt.Errorf("%s", record.Error)}
		}
	}
	slog.Info("image pulled", "image", req.Image)
	return nil
}

type portMapping struct {
	ContainerPort int `json:"container_port"`
	HostPort      int `json:"host_port"`
}

type createSpec struct {
	Name           string            `json:"name"`
	Image          string            `json:"image"`
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env,omitempty"`
	PortMappings   []portMapping     `json:"portmappings,omitempty"`
	ResourceLimits *resourceLimits   `json:"resource_limits,omitempty"`
}

type resourceLimits struct {
	Memory struct {
		Limit int64 `json:"limit"`
	} `json:"memory"`
}

// parseMemLimit converts values like "512m" or "2g" to bytes. A bare
// number is bytes. Returns 0 for empty or unparseable input.
func parseMemLimit(s string) int64 {
	if s == "" {
		return 0
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult, s = 1<<10, s[:len(s)-1]
	case 'm', 'M':
		mult, s = 1<<20, s[:len(s)-1]
	case 'g', 'G':
		mult, s = 1<<30, s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n * mult
}

func (e *Engine) Start(ctx context.Context, req engine.Request) (string, error) {
	if err := e.pullImage(ctx, req); err != nil {
		return "", err
	}

	spec := createSpec{
		Name:    req.InstanceName,
		Image:   req.Image,
		Command: req.CmdLine.Fullargs(),
		Env:     req.Env,
	}
	for _, p := range req.Ports {
		spec.PortMappings = append(spec.PortMappings, portMapping{ContainerPort: p, HostPort: p})
	}
	if limit := parseMemLimit(req.MemLimit); limit > 0 {
		spec.ResourceLimits = &resourceLimits{}
		spec.ResourceLimits.Memory.Limit = limit
	}

	resp, err := e.do(ctx, http.MethodPost, "/containers/create", nil, spec)
	if err != nil {
		return "", &engine.StartError{Err: err}
	}
	if resp.StatusCode != http.StatusCreated {
		return "", &engine.StartError{Err: apiError(resp)}
	}
	var created struct {
		ID string `json:"Id"`
	}
	err = json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if err != nil {
		return "", &engine.StartError{Err: err}
	}

	resp, err = e.do(ctx, http.MethodPost, "/containers/"+created.ID+"/start", nil, nil)
	if err != nil {
		return "", &engine.StartError{Err: err}
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return "", &engine.StartError{Err: apiError(resp)}
	}
	slog.Info("container started", "container_id", created.ID, "instance_id", req.InstanceID)
	return created.ID, nil
}

type inspectState struct {
	Status   string `json:"Status"`
	Running  bool   `json:"Running"`
	ExitCode int    `json:"ExitCode"`
	Error    string `json:"Error"`
}

func (e *Engine) inspect(ctx context.Context, handle string) (inspectState, error) {
	resp, err := e.do(ctx, http.MethodGet, "/containers/"+handle+"/json", nil, nil)
	if err != nil {
		return inspectState{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return inspectState{}, engine.ErrContainerNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return inspectState{}, apiError(resp)
	}
	var payload struct {
		State inspectState `json:"State"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return inspectState{}, err
	}
	return payload.State, nil
}

func (e *Engine) GetStatus(ctx context.Context, handle string) (engine.Status, error) {
	state, err := e.inspect(ctx, handle)
	if err != nil {
		return engine.Status{}, err
	}
	switch state.Status {
	case "running":
		return engine.Status{Status: core.StatusRunning}, nil
	case "exited", "stopped":
		if state.ExitCode == 0 {
			return engine.Status{Status: core.StatusCompleted, Message: "container exited cleanly"}, nil
		}
		msg := fmt.Sprintf("exit code %d", state.ExitCode)
		if state.Error != "" {
			msg += ": " + state.Error
		}
		return engine.Status{Status: core.StatusFailed, Message: msg}, nil
	default:
		return engine.Status{Status: core.StatusFailed,
			Message: fmt.Sprintf("unexpected container state %q", state.Status)}, nil
	}
}

func (e *Engine) Cleanup(ctx context.Context, handle string) error {
	resp, err := e.do(ctx, http.MethodPost, "/containers/"+handle+"/stop",
		url.Values{"ignore": {"true"}}, nil)
	if err != nil {
		return &engine.CleanupError{Handle: handle, Err: err}
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent &&
		resp.StatusCode != http.StatusNotFound &&
		resp.StatusCode != http.StatusNotModified {
		return &engine.CleanupError{Handle: handle, Err: apiError(resp)}
	}

	resp, err = e.do(ctx, http.MethodDelete, "/containers/"+handle,
		url.Values{"force": {"true"}}, nil)
	if err != nil {
		return &engine.CleanupError{Handle: handle, Err: err}
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return &engine.CleanupError{Handle: handle, Err: apiError(resp)}
	}

	e.mu.Lock()
	delete(e.logReadAt, handle)
	e.mu.Unlock()
	slog.Info("container removed", "container_id", handle)
	return nil
}

func (e *Engine) UpdateLogs(ctx context.Context, handle string, instanceID int64, sink engine.LogSink) error {
	e.mu.Lock()
	since := e.logReadAt[handle]
	e.mu.Unlock()

	q := url.Values{"stdout": {"true"}, "stderr": {"true"}}
	if !since.IsZero() {
		q.Set("since", strconv.FormatInt(since.Unix()+1, 10))
	}
	now := time.Now()

	resp, err := e.do(ctx, http.MethodGet, "/containers/"+handle+"/logs", q, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return engine.ErrContainerNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	lines, err := demuxLogStream(resp.Body)
	if err != nil {
		return err
	}
	if len(lines) > 0 {
		if err := sink.AppendInstanceLog(ctx, instanceID, lines); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.logReadAt[handle] = now
	e.mu.Unlock()
	return nil
}

// demuxLogStream decodes the docker-style multiplexed log stream: each
// frame is an 8-byte header (stream type, three zero bytes, big-endian
// payload size) followed by the payload.
func demuxLogStream(r io.Reader) ([]string, error) {
	var buf bytes.Buffer
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err == io.EOF {
			break
		} else if err == io.ErrUnexpectedEOF {
			break
		} else if err != nil {
			return nil, err
		}
		size := int64(header[4])<<24 | int64(header[5])<<16 | int64(header[6])<<8 | int64(header[7])
		if _, err := io.CopyN(&buf, r, size); err != nil {
			return nil, err
		}
	}
	var lines []string
	for _, line := range bytes.Split(buf.Bytes(), []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, string(line))
		}
	}
	return lines, nil
}

var _ engine.Engine = (*Engine)(nil)
