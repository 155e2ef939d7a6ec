package k8s

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/xraph/courier"
	"github.com/xraph/courier/cluster"
	"github.com/xraph/courier/id"
)

var _ cluster.Store = (*Provider)(nil)

const (
	defaultLeaseName        = "courier-leader"
	defaultLabelSelector    = "app.kubernetes.io/component=courier"
	defaultAnnotationPrefix = "courier.xraph.com/"

	// ttlAnnotation keeps the exact lease TTL. LeaseDurationSeconds only
	// has whole seconds.
	ttlAnnotation = "ttl"
)

// instanceKeys are the annotation suffixes owned by the provider.
var instanceKeys = []string{
	"instance-id", "hostname", "concurrency", "state",
	"last-seen", "started-at", "queues", "channels", "metadata",
}

// Provider implements cluster.Store using Pod annotations for the instance
// registry and a Lease for leadership.
type Provider struct {
	client           kubernetes.Interface
	namespace        string
	leaseName        string
	labelSelector    string
	annotationPrefix string
	logger           *slog.Logger
}

// New creates a Kubernetes cluster provider for namespace.
func New(client kubernetes.Interface, namespace string, opts ...Option) *Provider {
	p := &Provider{
		client:           client,
		namespace:        namespace,
		leaseName:        defaultLeaseName,
		labelSelector:    defaultLabelSelector,
		annotationPrefix: defaultAnnotationPrefix,
		logger:           slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ──────────────────────────────────────────────────
// Instance registry (Pod annotations)
// ──────────────────────────────────────────────────

// RegisterInstance writes inst as annotations on the Pod named by its
// hostname.
func (p *Provider) RegisterInstance(ctx context.Context, inst *cluster.Instance) error {
	pod, err := p.client.CoreV1().Pods(p.namespace).Get(ctx, inst.Hostname, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return fmt.Errorf("courier/k8s: pod %q: %w", inst.Hostname, courier.ErrInstanceNotFound)
		}
		return fmt.Errorf("courier/k8s: register instance: get pod: %w", err)
	}

	if pod.Annotations == nil {
		pod.Annotations = make(map[string]string)
	}
	p.setAnnotations(pod, inst)

	if _, err := p.client.CoreV1().Pods(p.namespace).Update(ctx, pod, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("courier/k8s: register instance: update pod: %w", err)
	}
	return nil
}

// DeregisterInstance removes the instance annotations and releases the
// Lease if the instance holds it.
func (p *Provider) DeregisterInstance(ctx context.Context, instanceID id.InstanceID) error {
	pod, err := p.findPod(ctx, instanceID.String())
	if err != nil {
		return err
	}
	if pod == nil {
		return courier.ErrInstanceNotFound
	}

	p.removeAnnotations(pod)
	if _, err := p.client.CoreV1().Pods(p.namespace).Update(ctx, pod, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("courier/k8s: deregister instance: update pod: %w", err)
	}
	return p.release(ctx, instanceID.String())
}

// HeartbeatInstance updates the last-seen annotation.
func (p *Provider) HeartbeatInstance(ctx context.Context, instanceID id.InstanceID) error {
	pod, err := p.findPod(ctx, instanceID.String())
	if err != nil {
		return err
	}
	if pod == nil {
		return courier.ErrInstanceNotFound
	}

	pod.Annotations[p.annotationPrefix+"last-seen"] = time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := p.client.CoreV1().Pods(p.namespace).Update(ctx, pod, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("courier/k8s: heartbeat instance: update pod: %w", err)
	}
	return nil
}

// ListInstances returns every annotated Pod as an instance, ordered by
// start time.
func (p *Provider) ListInstances(ctx context.Context) ([]*cluster.Instance, error) {
	pods, err := p.listPods(ctx)
	if err != nil {
		return nil, err
	}
	holder, until := p.liveHolder(ctx)

	out := make([]*cluster.Instance, 0, len(pods))
	for i := range pods {
		inst, convErr := p.instanceFromPod(&pods[i])
		if convErr != nil {
			continue // not a courier Pod
		}
		if holder != "" && inst.ID.String() == holder {
			inst.IsLeader = true
			inst.LeaderUntil = &until
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(out[b].StartedAt) })
	return out, nil
}

// ReapDeadInstances strips the annotations of instances whose last-seen is
// older than threshold and returns them.
func (p *Provider) ReapDeadInstances(ctx context.Context, threshold time.Duration) ([]*cluster.Instance, error) {
	pods, err := p.listPods(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-threshold)
	var dead []*cluster.Instance
	for i := range pods {
		pod := &pods[i]
		inst, convErr := p.instanceFromPod(pod)
		if convErr != nil || !inst.LastSeen.Before(cutoff) {
			continue
		}
		p.removeAnnotations(pod)
		if _, err := p.client.CoreV1().Pods(p.namespace).Update(ctx, pod, metav1.UpdateOptions{}); err != nil {
			if errors.IsNotFound(err) || errors.IsConflict(err) {
				// Gone or touched concurrently; the next reap decides.
				continue
			}
			return dead, fmt.Errorf("courier/k8s: reap instance %s: %w", inst.ID, err)
		}
		dead = append(dead, inst)
	}
	return dead, nil
}

// ──────────────────────────────────────────────────
// Leadership (Lease API)
// ──────────────────────────────────────────────────

// AcquireLeadership takes the Lease when it is missing, free, expired or
// already held by instanceID.
func (p *Provider) AcquireLeadership(ctx context.Context, instanceID id.InstanceID, ttl time.Duration) (bool, error) {
	holder := instanceID.String()
	now := metav1.NewMicroTime(time.Now().UTC())
	ttlSec := leaseSeconds(ttl)

	lease, err := p.client.CoordinationV1().Leases(p.namespace).Get(ctx, p.leaseName, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		newLease := &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{
				Name:        p.leaseName,
				Namespace:   p.namespace,
				Annotations: map[string]string{p.annotationPrefix + ttlAnnotation: ttl.String()},
			},
			Spec: coordinationv1.LeaseSpec{
				HolderIdentity:       &holder,
				LeaseDurationSeconds: &ttlSec,
				AcquireTime:          &now,
				RenewTime:            &now,
			},
		}
		_, createErr := p.client.CoordinationV1().Leases(p.namespace).Create(ctx, newLease, metav1.CreateOptions{})
		if createErr != nil {
			if errors.IsAlreadyExists(createErr) {
				return false, nil // lost the creation race
			}
			return false, fmt.Errorf("courier/k8s: create lease: %w", createErr)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("courier/k8s: get lease: %w", err)
	}

	if p.heldByOther(lease, holder) {
		return false, nil
	}

	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity != holder {
		lease.Spec.AcquireTime = &now
	}
	lease.Spec.HolderIdentity = &holder
	lease.Spec.LeaseDurationSeconds = &ttlSec
	lease.Spec.RenewTime = &now
	p.setTTL(lease, ttl)

	if _, err := p.client.CoordinationV1().Leases(p.namespace).Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		if errors.IsConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("courier/k8s: acquire lease: %w", err)
	}
	return true, nil
}

// RenewLeadership extends the Lease if instanceID holds it.
func (p *Provider) RenewLeadership(ctx context.Context, instanceID id.InstanceID, ttl time.Duration) (bool, error) {
	holder := instanceID.String()
	now := metav1.NewMicroTime(time.Now().UTC())
	ttlSec := leaseSeconds(ttl)

	lease, err := p.client.CoordinationV1().Leases(p.namespace).Get(ctx, p.leaseName, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("courier/k8s: renew: get lease: %w", err)
	}

	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity != holder {
		return false, nil
	}

	lease.Spec.LeaseDurationSeconds = &ttlSec
	lease.Spec.RenewTime = &now
	p.setTTL(lease, ttl)

	if _, err := p.client.CoordinationV1().Leases(p.namespace).Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		if errors.IsConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("courier/k8s: renew: update lease: %w", err)
	}
	return true, nil
}

// GetLeader returns the live Lease holder, or nil when the Lease is free,
// expired, or held by an instance that is no longer registered.
func (p *Provider) GetLeader(ctx context.Context) (*cluster.Instance, error) {
	holder, until := p.liveHolder(ctx)
	if holder == "" {
		return nil, nil //nolint:nilnil // no leader
	}

	pod, err := p.findPod(ctx, holder)
	if err != nil {
		return nil, err
	}
	if pod == nil {
		return nil, nil //nolint:nilnil // leader not registered
	}
	inst, err := p.instanceFromPod(pod)
	if err != nil {
		return nil, nil //nolint:nilnil // annotations unreadable
	}
	inst.IsLeader = true
	inst.LeaderUntil = &until
	return inst, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (p *Provider) setAnnotations(pod *corev1.Pod, inst *cluster.Instance) {
	a := pod.Annotations
	prefix := p.annotationPrefix

	lastSeen := inst.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}

	a[prefix+"instance-id"] = inst.ID.String()
	a[prefix+"hostname"] = inst.Hostname
	a[prefix+"concurrency"] = strconv.Itoa(inst.Concurrency)
	a[prefix+"state"] = string(inst.State)
	a[prefix+"last-seen"] = lastSeen.UTC().Format(time.RFC3339Nano)
	a[prefix+"started-at"] = inst.StartedAt.UTC().Format(time.RFC3339Nano)

	setJSON := func(key string, v any, empty bool) {
		if empty {
			delete(a, prefix+key)
			return
		}
		b, _ := json.Marshal(v) //nolint:errcheck // string slices and maps always marshal
		a[prefix+key] = string(b)
	}
	setJSON("queues", inst.Queues, len(inst.Queues) == 0)
	setJSON("channels", inst.Channels, len(inst.Channels) == 0)
	setJSON("metadata", inst.Metadata, len(inst.Metadata) == 0)
}

func (p *Provider) removeAnnotations(pod *corev1.Pod) {
	for _, k := range instanceKeys {
		delete(pod.Annotations, p.annotationPrefix+k)
	}
}

func (p *Provider) instanceFromPod(pod *corev1.Pod) (*cluster.Instance, error) {
	prefix := p.annotationPrefix
	a := pod.Annotations

	raw := a[prefix+"instance-id"]
	if raw == "" {
		return nil, fmt.Errorf("courier/k8s: pod %q has no instance-id annotation", pod.Name)
	}
	instanceID, err := id.ParseInstanceID(raw)
	if err != nil {
		return nil, fmt.Errorf("courier/k8s: pod %q: %w", pod.Name, err)
	}

	concurrency, _ := strconv.Atoi(a[prefix+"concurrency"])              //nolint:errcheck // best-effort parse
	lastSeen, _ := time.Parse(time.RFC3339Nano, a[prefix+"last-seen"])   //nolint:errcheck // best-effort parse
	startedAt, _ := time.Parse(time.RFC3339Nano, a[prefix+"started-at"]) //nolint:errcheck // best-effort parse

	inst := &cluster.Instance{
		ID:          instanceID,
		Hostname:    a[prefix+"hostname"],
		Concurrency: concurrency,
		State:       cluster.State(a[prefix+"state"]),
		StartedAt:   startedAt,
		LastSeen:    lastSeen,
	}
	if v := a[prefix+"queues"]; v != "" {
		_ = json.Unmarshal([]byte(v), &inst.Queues) //nolint:errcheck // best-effort parse
	}
	if v := a[prefix+"channels"]; v != "" {
		_ = json.Unmarshal([]byte(v), &inst.Channels) //nolint:errcheck // best-effort parse
	}
	if v := a[prefix+"metadata"]; v != "" {
		_ = json.Unmarshal([]byte(v), &inst.Metadata) //nolint:errcheck // best-effort parse
	}
	return inst, nil
}

func (p *Provider) listPods(ctx context.Context) ([]corev1.Pod, error) {
	pods, err := p.client.CoreV1().Pods(p.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: p.labelSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("courier/k8s: list pods: %w", err)
	}
	return pods.Items, nil
}

// findPod returns the Pod annotated with instanceID, or nil.
func (p *Provider) findPod(ctx context.Context, instanceID string) (*corev1.Pod, error) {
	pods, err := p.listPods(ctx)
	if err != nil {
		return nil, err
	}
	for i := range pods {
		if pods[i].Annotations[p.annotationPrefix+"instance-id"] == instanceID {
			return &pods[i], nil
		}
	}
	return nil, nil //nolint:nilnil // not registered
}

// release clears the Lease holder if it is instanceID.
func (p *Provider) release(ctx context.Context, instanceID string) error {
	lease, err := p.client.CoordinationV1().Leases(p.namespace).Get(ctx, p.leaseName, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("courier/k8s: release: get lease: %w", err)
	}
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity != instanceID {
		return nil
	}
	lease.Spec.HolderIdentity = nil
	lease.Spec.RenewTime = nil
	if _, err := p.client.CoordinationV1().Leases(p.namespace).Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		if errors.IsConflict(err) {
			return nil
		}
		return fmt.Errorf("courier/k8s: release: update lease: %w", err)
	}
	p.logger.Debug("leadership released", slog.String("instance_id", instanceID))
	return nil
}

// liveHolder returns the unexpired Lease holder and its expiry. Lookup
// errors are logged and treated as no leader.
func (p *Provider) liveHolder(ctx context.Context) (string, time.Time) {
	lease, err := p.client.CoordinationV1().Leases(p.namespace).Get(ctx, p.leaseName, metav1.GetOptions{})
	if err != nil {
		if !errors.IsNotFound(err) {
			p.logger.Warn("lease lookup failed", slog.String("error", err.Error()))
		}
		return "", time.Time{}
	}
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity == "" {
		return "", time.Time{}
	}
	until, ok := p.expiry(lease)
	if !ok || !time.Now().UTC().Before(until) {
		return "", time.Time{}
	}
	return *lease.Spec.HolderIdentity, until
}

func (p *Provider) heldByOther(lease *coordinationv1.Lease, holder string) bool {
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity == "" {
		return false
	}
	if *lease.Spec.HolderIdentity == holder {
		return false
	}
	until, ok := p.expiry(lease)
	return ok && time.Now().UTC().Before(until)
}

// expiry is RenewTime plus the exact TTL annotation, falling back to
// LeaseDurationSeconds.
func (p *Provider) expiry(lease *coordinationv1.Lease) (time.Time, bool) {
	if lease.Spec.RenewTime == nil {
		return time.Time{}, false
	}
	var ttl time.Duration
	if v, ok := lease.Annotations[p.annotationPrefix+ttlAnnotation]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			ttl = d
		}
	}
	if ttl == 0 {
		if lease.Spec.LeaseDurationSeconds == nil {
			return time.Time{}, false
		}
		ttl = time.Duration(*lease.Spec.LeaseDurationSeconds) * time.Second
	}
	return lease.Spec.RenewTime.Add(ttl), true
}

func (p *Provider) setTTL(lease *coordinationv1.Lease, ttl time.Duration) {
	if lease.Annotations == nil {
		lease.Annotations = make(map[string]string)
	}
	lease.Annotations[p.annotationPrefix+ttlAnnotation] = ttl.String()
}

// leaseSeconds rounds ttl up to whole seconds, minimum one.
func leaseSeconds(ttl time.Duration) int32 {
	s := int32((ttl + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
