package kubernetes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/rulefleet/rulefleet/pkg/core"
	"github.com/rulefleet/rulefleet/pkg/engine"
)

const testNamespace = "rulefleet"

func testRequest() engine.Request {
	return engine.Request{
		InstanceName: "activation-1-7",
		InstanceID:   7,
		Image:        "registry.local/worker:latest",
		CmdLine: engine.CommandLine{
			WebsocketSSLVerify: "no",
			InstanceID:         7,
			HeartbeatSeconds:   5,
		},
		Env:      map[string]string{"LOG_LEVEL": "info"},
		Ports:    []int{5000},
		MemLimit: "512Mi",
	}
}

func TestStartCreatesPod(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset()
	e := NewWithClient(client, testNamespace)

	handle, err := e.Start(ctx, testRequest())
	require.NoError(t, err)
	assert.Equal(t, "activation-1-7", handle)

	pod, err := client.CoreV1().Pods(testNamespace).Get(ctx, handle, metav1.GetOptions{})
	require.NoError(t, err)
	require.Len(t, pod.Spec.Containers, 1)
	c := pod.Spec.Containers[0]
	assert.Equal(t, "registry.local/worker:latest", c.Image)
	assert.Equal(t, []string{engine.WorkerBinary}, c.Command)
	assert.Contains(t, c.Args, "--worker")
	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)
	assert.Empty(t, pod.Spec.ImagePullSecrets)
	assert.False(t, c.Resources.Limits.Memory().IsZero())
}

func TestStartWithCredentialCreatesPullSecret(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset()
	e := NewWithClient(client, testNamespace)

	req := testRequest()
	req.Credential = &core.Credential{Username: "svc", Secret: "hunter2"}
	handle, err := e.Start(ctx, req)
	require.NoError(t, err)

	secret, err := client.CoreV1().Secrets(testNamespace).Get(ctx,
		handle+"-pull-secret", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.SecretTypeDockerConfigJson, secret.Type)

	pod, err := client.CoreV1().Pods(testNamespace).Get(ctx, handle, metav1.GetOptions{})
	require.NoError(t, err)
	require.Len(t, pod.Spec.ImagePullSecrets, 1)
	assert.Equal(t, handle+"-pull-secret", pod.Spec.ImagePullSecrets[0].Name)
}

func podWithPhase(name string, phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: testNamespace},
		Status:     corev1.PodStatus{Phase: phase},
	}
}

func TestGetStatusPhases(t *testing.T) {
	cases := []struct {
		phase corev1.PodPhase
		want  core.ProcessStatus
	}{
		{corev1.PodRunning, core.StatusRunning},
		{corev1.PodSucceeded, core.StatusCompleted},
		{corev1.PodFailed, core.StatusFailed},
		{corev1.PodPending, core.StatusRunning},
	}
	for _, tc := range cases {
		t.Run(string(tc.phase), func(t *testing.T) {
			client := fake.NewSimpleClientset(podWithPhase("w", tc.phase))
			e := NewWithClient(client, testNamespace)
			st, err := e.GetStatus(context.Background(), "w")
			require.NoError(t, err)
			assert.Equal(t, tc.want, st.Status)
		})
	}
}

func TestGetStatusImagePullBackOff(t *testing.T) {
	pod := podWithPhase("w", corev1.PodPending)
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
		State: corev1.ContainerState{
			Waiting: &corev1.ContainerStateWaiting{Reason: "ImagePullBackOff"},
		},
	}}
	client := fake.NewSimpleClientset(pod)
	e := NewWithClient(client, testNamespace)

	st, err := e.GetStatus(context.Background(), "w")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, st.Status)
	assert.Contains(t, st.Message, "ImagePullBackOff")
}

func TestGetStatusNotFound(t *testing.T) {
	e := NewWithClient(fake.NewSimpleClientset(), testNamespace)
	_, err := e.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, engine.ErrContainerNotFound)
}

func TestCleanupIdempotent(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset(podWithPhase("w", corev1.PodRunning))
	e := NewWithClient(client, testNamespace)

	require.NoError(t, e.Cleanup(ctx, "w"))
	_, err := client.CoreV1().Pods(testNamespace).Get(ctx, "w", metav1.GetOptions{})
	assert.Error(t, err)

	// Already gone: still a no-op.
	require.NoError(t, e.Cleanup(ctx, "w"))
}
