// Package gateway picks a sticky chat gateway host for a user when the
// deployment runs more than one. Stickiness matters: the gateway keeps
// per-connection room membership, so a reconnecting user should land on
// the same host whenever it is still in the pool.
package gateway

import (
	"hash/crc32"
	"slices"
	"sort"
	"strconv"
	"sync"
)

const defaultReplicas = 50

type Ring struct {
	nodes    []uint32
	registry map[uint32]string
	replicas int
	mu       sync.RWMutex
}

func NewRing(urls []string) *Ring {
	r := &Ring{
		registry: make(map[uint32]string),
		replicas: defaultReplicas,
	}
	for _, u := range urls {
		r.Add(u)
	}
	return r
}

func hash(key string) uint32 {
	return crc32.ChecksumIEEE([]byte(key))
}

func (r *Ring) Add(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.replicas; i++ {
		identity := node + "#" + strconv.Itoa(i)
		hashedIdentity := hash(identity)
		if _, ok := r.registry[hashedIdentity]; !ok {
			r.registry[hashedIdentity] = node
			r.nodes = append(r.nodes, hashedIdentity)
		}
	}
	slices.Sort(r.nodes)
}

// Pick returns the gateway URL for the given user id. A single-host ring
// always returns that host.
func (r *Ring) Pick(userID int64) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.nodes) == 0 {
		return ""
	}

	userHashed := hash(strconv.FormatInt(userID, 10))

	idx := sort.Search(len(r.nodes), func(i int) bool {
		return r.nodes[i] >= userHashed
	})

	if idx == len(r.nodes) {
		idx = 0
	}

	return r.registry[r.nodes[idx]]
}
