// Package runtime manages build containers backed by containerd.
//
// A [Runtime] connects to a containerd daemon and provides base image
// retrieval (registry pulls and OCI archive imports), container creation,
// and image export. Each [Container] wraps a running containerd task:
// commands run inside it, files are copied in and out as tar streams, and
// its filesystem changes are committed as a new image layer under a tag.
// Commits pin layer entry times and the config creation time to a fixed
// epoch so identical inputs yield identical layers.
//
// Example usage:
//
//	rt, err := runtime.New(runtime.Options{
//	    Address:   "/run/containerd/containerd.sock",
//	    Namespace: "crate",
//	})
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	base, err := rt.PullImage(ctx, "docker.io/library/debian:bookworm-slim", "linux/amd64")
//	if err != nil {
//	    return err
//	}
//
//	ctr, err := rt.StartContainer(ctx, base.Name, "build-1", "linux/amd64")
//	if err != nil {
//	    return err
//	}
//	defer ctr.Destroy(ctx)
//
//	if _, err := ctr.Commit(ctx, "bots:latest", runtime.CommitOptions{}); err != nil {
//	    return err
//	}
//
//	if err := rt.ExportImage(ctx, w, "bots:latest", "linux/amd64"); err != nil {
//	    return err
//	}
package runtime
