// Provides platform-appropriate paths for crate.
//
// Paths follow XDG conventions on Linux and platform-native conventions on
// macOS. The program name "crate" is used as the subdirectory under each base
// path. Every path here is only a default; callers pass the resolved
// location explicitly so tests can substitute a temporary directory.
package paths
