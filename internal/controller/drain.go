package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// DrainConfig configures node draining ahead of a power-off.
type DrainConfig struct {
	// GracePeriodSeconds is passed to each eviction.
	GracePeriodSeconds int64

	// IgnoreDaemonSets skips DaemonSet-owned pods. They would be
	// rescheduled onto the same node anyway.
	IgnoreDaemonSets bool

	// DryRun logs the cordon and evictions without performing them.
	DryRun bool
}

// DrainResult summarizes one drain.
type DrainResult struct {
	NodeName    string
	DryRun      bool
	PodsEvicted int
	PodsSkipped int
	Duration    time.Duration
}

// Drainer empties a Kubernetes node before its VM is powered off.
// Evictions go through the Eviction API so PodDisruptionBudgets hold.
type Drainer struct {
	client kubernetes.Interface
	logger *slog.Logger
	config DrainConfig
}

// NewDrainer creates a new Drainer.
func NewDrainer(client kubernetes.Interface, logger *slog.Logger, config DrainConfig) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.GracePeriodSeconds <= 0 {
		config.GracePeriodSeconds = 30
	}

	return &Drainer{
		client: client,
		logger: logger,
		config: config,
	}
}

// Drain cordons the node and evicts its pods. The first eviction the
// cluster refuses aborts the drain; the caller must not power off the VM.
func (d *Drainer) Drain(ctx context.Context, nodeName string) (*DrainResult, error) {
	start := time.Now()
	result := &DrainResult{
		NodeName: nodeName,
		DryRun:   d.config.DryRun,
	}

	d.logger.Info("draining node before power-off",
		"node", nodeName,
		"dry_run", d.config.DryRun,
		"grace_period_seconds", d.config.GracePeriodSeconds,
	)

	if err := d.cordon(ctx, nodeName); err != nil {
		return result, fmt.Errorf("cordon %s: %w", nodeName, err)
	}

	pods, err := d.podsOnNode(ctx, nodeName)
	if err != nil {
		return result, fmt.Errorf("list pods on %s: %w", nodeName, err)
	}

	for i := range pods {
		pod := &pods[i]

		if d.skippable(pod) {
			result.PodsSkipped++
			continue
		}

		if err := d.evict(ctx, pod); err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("evict %s/%s: %w", pod.Namespace, pod.Name, err)
		}
		result.PodsEvicted++
	}

	result.Duration = time.Since(start)

	d.logger.Info("drain complete",
		"node", nodeName,
		"pods_evicted", result.PodsEvicted,
		"pods_skipped", result.PodsSkipped,
		"duration", result.Duration,
	)

	return result, nil
}

// Uncordon marks the node schedulable again after its VM came back.
func (d *Drainer) Uncordon(ctx context.Context, nodeName string) error {
	if d.config.DryRun {
		d.logger.Info("dry-run: would uncordon node", "node", nodeName)
		return nil
	}

	node, err := d.client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return err
	}

	if !node.Spec.Unschedulable {
		return nil
	}

	node.Spec.Unschedulable = false
	if _, err := d.client.CoreV1().Nodes().Update(ctx, node, metav1.UpdateOptions{}); err != nil {
		return err
	}

	d.logger.Info("uncordoned node", "node", nodeName)
	return nil
}

// cordon marks the node unschedulable.
func (d *Drainer) cordon(ctx context.Context, nodeName string) error {
	if d.config.DryRun {
		d.logger.Info("dry-run: would cordon node", "node", nodeName)
		return nil
	}

	node, err := d.client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return err
	}

	if node.Spec.Unschedulable {
		d.logger.Debug("node already cordoned", "node", nodeName)
		return nil
	}

	node.Spec.Unschedulable = true
	_, err = d.client.CoreV1().Nodes().Update(ctx, node, metav1.UpdateOptions{})
	return err
}

// podsOnNode returns all pods currently bound to a node.
func (d *Drainer) podsOnNode(ctx context.Context, nodeName string) ([]corev1.Pod, error) {
	podList, err := d.client.CoreV1().Pods("").List(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("spec.nodeName=%s", nodeName),
	})
	if err != nil {
		return nil, err
	}
	return podList.Items, nil
}

// skippable reports pods a drain must leave alone: mirror pods belong to
// the kubelet, DaemonSet pods would come right back.
func (d *Drainer) skippable(pod *corev1.Pod) bool {
	if _, mirror := pod.Annotations[corev1.MirrorPodAnnotationKey]; mirror {
		return true
	}

	if !d.config.IgnoreDaemonSets {
		return false
	}
	for _, owner := range pod.OwnerReferences {
		if owner.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}

// evict removes one pod through the Eviction API. A 429 means a
// PodDisruptionBudget is holding the pod in place.
func (d *Drainer) evict(ctx context.Context, pod *corev1.Pod) error {
	if d.config.DryRun {
		d.logger.Info("dry-run: would evict pod",
			"pod", pod.Name,
			"namespace", pod.Namespace,
		)
		return nil
	}

	eviction := &policyv1.Eviction{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pod.Name,
			Namespace: pod.Namespace,
		},
		DeleteOptions: &metav1.DeleteOptions{
			GracePeriodSeconds: &d.config.GracePeriodSeconds,
		},
	}

	if err := d.client.CoreV1().Pods(pod.Namespace).EvictV1(ctx, eviction); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		if apierrors.IsTooManyRequests(err) {
			return fmt.Errorf("blocked by a PodDisruptionBudget: %w", err)
		}
		return err
	}

	d.logger.Debug("evicted pod", "pod", pod.Name, "namespace", pod.Namespace)
	return nil
}
