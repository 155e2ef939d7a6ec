// Package k8s implements cluster.Store on Kubernetes primitives.
//
// Each courier instance is recorded as annotations on its own Pod, found by
// matching the instance hostname to the Pod name. Discovery lists Pods with
// a label selector. Leadership is a coordination/v1 Lease.
//
//	cfg, _ := rest.InClusterConfig()
//	client := kubernetes.NewForConfigOrDie(cfg)
//	eng, err := engine.New(
//	    engine.WithJobStore(pg),
//	    engine.WithClusterStore(k8s.New(client, "social")),
//	)
package k8s
