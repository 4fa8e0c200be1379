// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !windows

package server

import (
	"path/filepath"
	"syscall"
)

// diskSpace returns total and available bytes on the volume holding
// path. If the path does not exist yet (cache dir before first
// download), the parent directory's volume is measured instead.
func diskSpace(path string) (total, free uint64, err error) {
	var stat syscall.Statfs_t
	if err = syscall.Statfs(path, &stat); err != nil {
		if err = syscall.Statfs(filepath.Dir(path), &stat); err != nil {
			return 0, 0, err
		}
	}
	bsize := uint64(stat.Bsize)
	return stat.Blocks * bsize, stat.Bavail * bsize, nil
}
