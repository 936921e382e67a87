// Package logging configures structured slog output for imgscout.
//
// Records are JSON, written to a size-rotated file under the data
// directory and optionally mirrored to stderr. The --debug flag lowers the
// level to debug.
package logging
