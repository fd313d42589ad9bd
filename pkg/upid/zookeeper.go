// Copyright 2019-2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package upid

import (
	"path"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
)

const (
	// DefaultZookeeperRoot is the znode under which UPIDs are registered.
	DefaultZookeeperRoot = "/fluidmem/upids"
)

// zkConn is the subset of *zk.Conn we use.
type zkConn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Delete(path string, version int32) error
	Children(path string) ([]string, *zk.Stat, error)
	Close()
}

// Zookeeper is a Registry shared by all nodes through zookeeper. Each UPID
// is a persistent znode named by its hex value.
type Zookeeper struct {
	conn zkConn
	root string
	acl  []zk.ACL
}

// zkLogger passes zookeeper client messages to our logger.
type zkLogger struct{}

func (zkLogger) Printf(format string, args ...interface{}) {
	log.Debug("zookeeper: "+format, args...)
}

// NewZookeeper connects to the given zookeeper servers.
func NewZookeeper(servers []string, root string, timeout time.Duration) (*Zookeeper, error) {
	if len(servers) == 0 {
		return nil, errors.New("upid: no zookeeper servers given")
	}
	conn, _, err := zk.Connect(servers, timeout, zk.WithLogger(zkLogger{}))
	if err != nil {
		return nil, errors.Wrapf(err, "upid: failed to connect to zookeeper %s", strings.Join(servers, ","))
	}
	z, err := newZookeeper(conn, root)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return z, nil
}

func newZookeeper(conn zkConn, root string) (*Zookeeper, error) {
	z := &Zookeeper{
		conn: conn,
		root: path.Clean("/" + root),
		acl:  zk.WorldACL(zk.PermAll),
	}
	if err := z.ensurePath(z.root); err != nil {
		return nil, err
	}
	return z, nil
}

// ensurePath creates the znode p and its parents if they do not exist.
func (z *Zookeeper) ensurePath(p string) error {
	node := ""
	for _, elem := range strings.Split(strings.Trim(p, "/"), "/") {
		node += "/" + elem
		if _, err := z.conn.Create(node, nil, 0, z.acl); err != nil && err != zk.ErrNodeExists {
			return errors.Wrapf(err, "upid: failed to create znode %s", node)
		}
	}
	return nil
}

func (z *Zookeeper) znode(u UPID) string {
	return z.root + "/" + u.String()
}

func (z *Zookeeper) Add(u UPID) error {
	_, err := z.conn.Create(z.znode(u), nil, 0, z.acl)
	switch err {
	case nil:
		return nil
	case zk.ErrNodeExists:
		return errors.Wrapf(ErrExists, "%s", u)
	}
	return errors.Wrapf(err, "upid: failed to add %s", u)
}

func (z *Zookeeper) Remove(u UPID) error {
	err := z.conn.Delete(z.znode(u), -1)
	if err != nil && err != zk.ErrNoNode {
		return errors.Wrapf(err, "upid: failed to remove %s", u)
	}
	return nil
}

func (z *Zookeeper) List() ([]UPID, error) {
	children, _, err := z.conn.Children(z.root)
	if err != nil {
		return nil, errors.Wrapf(err, "upid: failed to list %s", z.root)
	}
	upids := make([]UPID, 0, len(children))
	for _, c := range children {
		u, err := Parse(c)
		if err != nil {
			log.Warn("ignoring foreign znode %s/%s", z.root, c)
			continue
		}
		upids = append(upids, u)
	}
	sortUPIDs(upids)
	return upids, nil
}

func (z *Zookeeper) Close() error {
	z.conn.Close()
	return nil
}
