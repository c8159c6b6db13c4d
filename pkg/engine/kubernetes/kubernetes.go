// Package kubernetes runs rulebook workers as pods through the
// cluster API. One pod per instance, named after the instance, in a
// fixed namespace.
package kubernetes

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/rulefleet/rulefleet/pkg/core"
	"github.com/rulefleet/rulefleet/pkg/engine"
)

const workerContainerName = "rulebook-worker"

// Engine schedules worker pods on a cluster.
type Engine struct {
	client    kubernetes.Interface
	namespace string

	mu        sync.Mutex
	logReadAt map[string]metav1.Time
}

// New builds an Engine from in-cluster configuration.
func New(namespace string) (*Engine, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("load in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build clientset: %w", err)
	}
	return NewWithClient(client, namespace), nil
}

// NewWithClient wraps an existing clientset. Used by tests and by
// callers with out-of-cluster kubeconfigs.
func NewWithClient(client kubernetes.Interface, namespace string) *Engine {
	return &Engine{
		client:    client,
		namespace: namespace,
		logReadAt: make(map[string]metav1.Time),
	}
}

func (e *Engine) pullSecretName(req engine.Request) string {
	return req.InstanceName + "-pull-secret"
}

// ensurePullSecret materializes the registry credential as a
// dockerconfigjson secret referenced by the pod spec.
func (e *Engine) ensurePullSecret(ctx context.Context, req engine.Request) error {
	registry := strings.SplitN(req.Image, "/", 2)[0]
	auth := base64.StdEncoding.EncodeToString(
		[]byte(req.Credential.Username + ":" + req.Credential.Secret))
	dockerCfg, err := json.Marshal(map[string]any{
		"auths": map[string]any{
			registry: map[string]string{"auth": auth},
		},
	})
	if err != nil {
		return err
	}
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      e.pullSecretName(req),
			Namespace: e.namespace,
		},
		Type: corev1.SecretTypeDockerConfigJson,
		Data: map[string][]byte{corev1.DockerConfigJsonKey: dockerCfg},
	}
	_, err = e.client.CoreV1().Secrets(e.namespace).Create(ctx, secret, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = e.client.CoreV1().Secrets(e.namespace).Update(ctx, secret, metav1.UpdateOptions{})
	}
	return err
}

func (e *Engine) Start(ctx context.Context, req engine.Request) (string, error) {
	var pullSecrets []corev1.LocalObjectReference
	if req.Credential != nil {
		if err := e.ensurePullSecret(ctx, req); err != nil {
			return "", &engine.StartError{Err: err}
		}
		pullSecrets = []corev1.LocalObjectReference{{Name: e.pullSecretName(req)}}
	}

	container := corev1.Container{
		Name:    workerContainerName,
		Image:   req.Image,
		Command: []string{req.CmdLine.Command()},
		Args:    req.CmdLine.Args(),
	}
	for k, v := range req.Env {
		container.Env = append(container.Env, corev1.EnvVar{Name: k, Value: v})
	}
	for _, p := range req.Ports {
		container.Ports = append(container.Ports,
			corev1.ContainerPort{ContainerPort: int32(p)})
	}
	if req.MemLimit != "" {
		limit, err := resource.ParseQuantity(req.MemLimit)
		if err == nil {
			container.Resources.Limits = corev1.ResourceList{
				corev1.ResourceMemory: limit,
			}
		}
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      req.InstanceName,
			Namespace: e.namespace,
			Labels: map[string]string{
				"app":         "rulefleet-worker",
				"instance-id": fmt.Sprintf("%d", req.InstanceID),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:    corev1.RestartPolicyNever,
			Containers:       []corev1.Container{container},
			ImagePullSecrets: pullSecrets,
		},
	}

	created, err := e.client.CoreV1().Pods(e.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", &engine.StartError{Err: err}
	}
	slog.Info("worker pod created", "pod", created.Name, "namespace", e.namespace)
	return created.Name, nil
}

func (e *Engine) GetStatus(ctx context.Context, handle string) (engine.Status, error) {
	pod, err := e.client.CoreV1().Pods(e.namespace).Get(ctx, handle, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return engine.Status{}, engine.ErrContainerNotFound
	}
	if err != nil {
		return engine.Status{}, err
	}

	switch pod.Status.Phase {
	case corev1.PodRunning:
		return engine.Status{Status: core.StatusRunning}, nil
	case corev1.PodSucceeded:
		return engine.Status{Status: core.StatusCompleted, Message: "pod completed"}, nil
	case corev1.PodFailed:
		return engine.Status{Status: core.StatusFailed, Message: pod.Status.Message}, nil
	case corev1.PodPending:
		if reason := imagePullFailure(pod); reason != "" {
			return engine.Status{Status: core.StatusFailed,
				Message: "image pull failed: " + reason}, nil
		}
		return engine.Status{Status: core.StatusRunning, Message: "pod pending"}, nil
	default:
		return engine.Status{Status: core.StatusFailed,
			Message: fmt.Sprintf("unexpected pod phase %q", pod.Status.Phase)}, nil
	}
}

// imagePullFailure returns the waiting reason when a container cannot
// pull its image, empty otherwise.
func imagePullFailure(pod *corev1.Pod) string {
	for _, cs := range pod.Status.ContainerStatuses {
		w := cs.State.Waiting
		if w == nil {
			continue
		}
		if w.Reason == "ErrImagePull" || w.Reason == "ImagePullBackOff" ||
			w.Reason == "InvalidImageName" {
			return w.Reason
		}
	}
	return ""
}

func (e *Engine) Cleanup(ctx context.Context, handle string) error {
	err := e.client.CoreV1().Pods(e.namespace).Delete(ctx, handle, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return &engine.CleanupError{Handle: handle, Err: err}
	}
	secErr := e.client.CoreV1().Secrets(e.namespace).Delete(ctx,
		handle+"-pull-secret", metav1.DeleteOptions{})
	if secErr != nil && !apierrors.IsNotFound(secErr) {
		slog.Warn("pull secret delete failed", "pod", handle, "error", secErr)
	}
	e.mu.Lock()
	delete(e.logReadAt, handle)
	e.mu.Unlock()
	slog.Info("worker pod removed", "pod", handle)
	return nil
}

func (e *Engine) UpdateLogs(ctx context.Context, handle string, instanceID int64, sink engine.LogSink) error {
	e.mu.Lock()
	since := e.logReadAt[handle]
	e.mu.Unlock()

	opts := &corev1.PodLogOptions{Container: workerContainerName}
	if !since.IsZero() {
		opts.SinceTime = &since
	}
	now := metav1.NewTime(time.Now())

	stream, err := e.client.CoreV1().Pods(e.namespace).GetLogs(handle, opts).Stream(ctx)
	if apierrors.IsNotFound(err) {
		return engine.ErrContainerNotFound
	}
	if err != nil {
		return err
	}
	defer stream.Close()

	var lines []string
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
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

var _ engine.Engine = (*Engine)(nil)
