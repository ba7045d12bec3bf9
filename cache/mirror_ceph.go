//go:build ceph

/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package cache

import (
	"fmt"

	"github.com/ceph/go-ceph/rados"
)

// CephMirror plays the same role as S3Mirror over a RADOS pool, for
// deployments that already run Ceph for other storage and would rather
// not add an S3 dependency. Built only with -tags ceph since go-ceph
// links against the native librados headers.
type CephMirror struct {
	conn *rados.Conn
	pool *rados.IOContext
}

// NewCephMirror connects using the given cluster config (ceph.conf path)
// and user, then opens poolName.
func NewCephMirror(user, confPath, poolName string) (*CephMirror, error) {
	conn, err := rados.NewConnWithUser(user)
	if err != nil {
		return nil, fmt.Errorf("objcache: rados conn: %w", err)
	}
	if err := conn.ReadConfigFile(confPath); err != nil {
		return nil, fmt.Errorf("objcache: rados config: %w", err)
	}
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("objcache: rados connect: %w", err)
	}
	ioctx, err := conn.OpenIOContext(poolName)
	if err != nil {
		conn.Shutdown()
		return nil, fmt.Errorf("objcache: rados open pool: %w", err)
	}
	return &CephMirror{conn: conn, pool: ioctx}, nil
}

func (m *CephMirror) object(volID string) string { return "objcache-vol-" + volID }

// Put writes the marshaled header/footer as a single RADOS object.
func (m *CephMirror) Put(volID string, h *VolHeaderFooter) error {
	return m.pool.WriteFull(m.object(volID), h.marshal())
}

// Get reads back a previously mirrored header/footer.
func (m *CephMirror) Get(volID string, segments int) (VolHeaderFooter, error) {
	stat, err := m.pool.Stat(m.object(volID))
	if err != nil {
		return VolHeaderFooter{}, err
	}
	buf := make([]byte, stat.Size)
	if _, err := m.pool.Read(m.object(volID), buf, 0); err != nil {
		return VolHeaderFooter{}, err
	}
	h, ok := unmarshalVolHeader(buf, segments)
	if !ok || !h.valid(Settings.MaxMajorVersion, Settings.MaxMinorVersion) {
		return h, newErr(ErrCorruptData, Key{}, "mirrored header failed validation")
	}
	return h, nil
}

// Close releases the RADOS connection.
func (m *CephMirror) Close() {
	m.pool.Destroy()
	m.conn.Shutdown()
}
