// Package publish writes a built image to disk as a gzip-compressed archive.
//
// The engine's export stream is compressed on the fly into a pending file
// next to the destination and renamed over it only once the stream is
// complete, so the destination path always holds either the previous
// archive or a complete new one. Compression is deterministic: identical
// export streams produce byte-identical archives.
//
// Example usage:
//
//	result, err := publish.Publish(ctx, rt, publish.Options{
//	    Path:     "/output/bots.tar.gz",
//	    Tag:      "bots:latest",
//	    Platform: "linux/amd64",
//	    Level:    gzip.DefaultCompression,
//	    LockPath: paths.OutputLock(cacheDir, "/output/bots.tar.gz"),
//	})
package publish
