// Package build executes a multi-stage recipe against a container engine.
//
// Each stage starts a container from its base image and applies its steps
// in order: shell commands, copies from the build context, and copies out of
// earlier stages. Step modifiers (shell, working directory, environment)
// accumulate within a stage and reset between stages. The last stage becomes
// the output image, carrying only its base image and what its steps copied
// in.
//
// When a step cache is supplied, every operation is identified by a chain
// key derived from its parent key and its inputs. A step whose key is
// already in the cache is skipped and its committed image reused; a step
// that runs is committed as a new image and recorded. Without a cache each
// stage runs in a single container.
//
// Failures are classified by the step's kind, so callers can tell a package
// install failure from a compile failure or a missing artifact with
// [errors.Is]. The process exit code travels with the error as a
// [runtime.ExitError].
//
// Example usage:
//
//	result, err := build.Run(ctx, build.FromRuntime(rt), build.Options{
//	    Recipe:     r,
//	    Resource:   "bots",
//	    Tag:        "bots:latest",
//	    Context:    ".",
//	    Entrypoint: []string{"/usr/local/bin/bots"},
//	})
//	if err != nil {
//	    return err
//	}
package build
