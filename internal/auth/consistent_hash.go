package auth

import (
	"hash/crc32"
	"sort"
	"strconv"
	"sync"
)

// ConsistentHashRing 一致性哈希环，决定令牌缓存 key 归属哪个鉴权节点
type ConsistentHashRing struct {
	mu       sync.RWMutex
	hash     func(data []byte) uint32
	replicas int
	keys     []uint32 // 已排序的虚拟节点哈希
	owners   map[uint32]string
	nodes    map[string]struct{}
}

// NewConsistentHashRing nodes 为空时放入一个默认节点
func NewConsistentHashRing(nodes []string, replicas int) *ConsistentHashRing {
	if replicas <= 0 {
		replicas = 50
	}
	if len(nodes) == 0 {
		nodes = []string{"auth-node-default"}
	}
	ch := &ConsistentHashRing{
		hash:     crc32.ChecksumIEEE,
		replicas: replicas,
		owners:   make(map[uint32]string),
		nodes:    make(map[string]struct{}),
	}
	ch.Add(nodes...)
	return ch
}

func (c *ConsistentHashRing) virtualKey(node string, i int) uint32 {
	return c.hash([]byte(node + "#" + strconv.Itoa(i)))
}

// Add 批量添加节点，重复节点忽略
func (c *ConsistentHashRing) Add(nodes ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, node := range nodes {
		if _, ok := c.nodes[node]; ok {
			continue
		}
		c.nodes[node] = struct{}{}
		for i := 0; i < c.replicas; i++ {
			h := c.virtualKey(node, i)
			c.keys = append(c.keys, h)
			c.owners[h] = node
		}
	}
	sort.Slice(c.keys, func(i, j int) bool { return c.keys[i] < c.keys[j] })
}

// GetNode 根据 key 获取负责的节点
func (c *ConsistentHashRing) GetNode(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.keys) == 0 {
		return ""
	}
	h := c.hash([]byte(key))
	idx := sort.Search(len(c.keys), func(i int) bool { return c.keys[i] >= h })
	if idx == len(c.keys) {
		idx = 0
	}
	return c.owners[c.keys[idx]]
}
