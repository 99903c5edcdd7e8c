//go:build !cgofuse
// +build !cgofuse

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

// CreatePlatformMountManager builds the go-fuse-backed mount manager
// for rt. Declared against the package-local Runtime interface so
// internal/adapter can pass its concrete *adapter.Runtime without this
// package importing that one back.
func CreatePlatformMountManager(rt Runtime, config *MountConfig) PlatformFileSystem {
	filesystem := NewFileSystem(rt, Config{ReadOnly: false})
	return NewMountManager(filesystem, config)
}
