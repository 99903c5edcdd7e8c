//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
)

// PlatformFileSystem is the mount lifecycle surface the CLI drives.
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	GetStats() *FilesystemStats
}

// CreatePlatformMountManager builds the cgofuse-backed mount manager
// for rt, used on platforms where hanwen/go-fuse is unavailable
// (Windows via WinFsp, macOS via macFUSE).
func CreatePlatformMountManager(rt Runtime, config *MountConfig) PlatformFileSystem {
	return NewCgoFuseFS(rt, config)
}
