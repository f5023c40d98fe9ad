// Package recipe describes the image to build as plain data.
//
// A [Recipe] is an ordered list of [Stage] values, each naming a base image
// and an ordered list of [Step] values. Steps either run a shell command,
// copy files in from the build context, copy an artifact out of an earlier
// stage, or set modifiers (shell, working directory, environment) for the
// steps that follow. The last stage is the runtime image; every earlier
// stage is discarded after the build.
//
// Recipes are built once per invocation from configuration with
// [FromConfig] and are not modified afterwards.
package recipe
