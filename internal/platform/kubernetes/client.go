// Package kubernetes adapts a cluster to the cluster-platform
// contract: scaling, rolling restarts, config updates, health checks,
// and event enrichment for the analyzer.
package kubernetes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/fyrsmithlabs/remedyd/internal/analyzer"
	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/coordinator"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

// restartedAtAnnotation triggers a rolling restart when patched onto
// the pod template, same as kubectl rollout restart.
const restartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"

// maxEnrichmentEvents bounds the events folded into an analysis.
const maxEnrichmentEvents = 10

// Client implements the cluster platform over client-go.
type Client struct {
	clientset kubernetes.Interface
	logger    *logging.Logger
	now       func() time.Time
}

// NewClient builds a cluster client, preferring in-cluster credentials
// and falling back to the configured (or default) kubeconfig.
func NewClient(cfg config.KubernetesConfig, logger *logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	restConfig, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := cfg.Kubeconfig
		if kubeconfig == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("resolve home directory: %w", err)
			}
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig %s: %w", kubeconfig, err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return &Client{clientset: clientset, logger: logger, now: time.Now}, nil
}

// NewFromClientset wraps an existing clientset, for tests with fakes.
func NewFromClientset(clientset kubernetes.Interface, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{clientset: clientset, logger: logger, now: time.Now}
}

// ScaleWorkload sets the deployment's replica count and returns the
// previous count for rollback.
func (c *Client) ScaleWorkload(ctx context.Context, namespace, name string, replicas int32) (int32, error) {
	deployments := c.clientset.AppsV1().Deployments(namespace)
	scale, err := deployments.GetScale(ctx, name, metav1.GetOptions{})
	if err != nil {
		return 0, fmt.Errorf("get scale %s/%s: %w", namespace, name, err)
	}
	previous := scale.Spec.Replicas
	scale.Spec.Replicas = replicas
	if _, err := deployments.UpdateScale(ctx, name, scale, metav1.UpdateOptions{}); err != nil {
		return 0, fmt.Errorf("scale %s/%s to %d: %w", namespace, name, replicas, err)
	}
	return previous, nil
}

// RestartWorkload triggers a rolling restart by patching the pod
// template annotation.
func (c *Client) RestartWorkload(ctx context.Context, namespace, name string) error {
	patch := fmt.Sprintf(
		`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`,
		restartedAtAnnotation, c.now().Format(time.RFC3339),
	)
	_, err := c.clientset.AppsV1().Deployments(namespace).Patch(
		ctx, name, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("restart %s/%s: %w", namespace, name, err)
	}
	return nil
}

// UpdateConfig replaces a ConfigMap's data and returns the prior data
// for rollback.
func (c *Client) UpdateConfig(ctx context.Context, namespace, name string, data map[string]string) (map[string]string, error) {
	configMaps := c.clientset.CoreV1().ConfigMaps(namespace)
	cm, err := configMaps.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get configmap %s/%s: %w", namespace, name, err)
	}
	previous := cm.Data
	updated := cm.DeepCopy()
	if updated.Data == nil {
		updated.Data = make(map[string]string, len(data))
	}
	for k, v := range data {
		updated.Data[k] = v
	}
	if _, err := configMaps.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
		return nil, fmt.Errorf("update configmap %s/%s: %w", namespace, name, err)
	}
	return previous, nil
}

// WorkloadHealthy verifies the deployment's desired replicas are ready
// at the current generation.
func (c *Client) WorkloadHealthy(ctx context.Context, namespace, name string) error {
	deployment, err := c.clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get deployment %s/%s: %w", namespace, name, err)
	}
	if deployment.Status.ObservedGeneration < deployment.Generation {
		return fmt.Errorf("deployment %s/%s has not observed generation %d", namespace, name, deployment.Generation)
	}
	desired := int32(1)
	if deployment.Spec.Replicas != nil {
		desired = *deployment.Spec.Replicas
	}
	if deployment.Status.ReadyReplicas < desired {
		return fmt.Errorf("deployment %s/%s has %d/%d ready replicas",
			namespace, name, deployment.Status.ReadyReplicas, desired)
	}
	return nil
}

// RecentEvents returns recent event messages for the named object,
// newest first, for log enrichment.
func (c *Client) RecentEvents(ctx context.Context, namespace, object string) ([]string, error) {
	opts := metav1.ListOptions{}
	if object != "" {
		opts.FieldSelector = "involvedObject.name=" + object
	}
	list, err := c.clientset.CoreV1().Events(namespace).List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list events in %s: %w", namespace, err)
	}

	messages := make([]string, 0, len(list.Items))
	for i := len(list.Items) - 1; i >= 0 && len(messages) < maxEnrichmentEvents; i-- {
		e := list.Items[i]
		if e.Message == "" {
			continue
		}
		messages = append(messages, fmt.Sprintf("%s %s: %s", e.Type, e.Reason, e.Message))
	}
	return messages, nil
}

var (
	_ coordinator.ClusterPlatform = (*Client)(nil)
	_ analyzer.EventReader        = (*Client)(nil)
)
