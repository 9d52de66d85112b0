//go:build !unix

package volume

import "os"

// Advisory locking is not available; callers are trusted to serialize.
func lock(*os.File, bool) error { return nil }

func unlock(*os.File) error { return nil }

func sync(f *os.File) error { return f.Sync() }
