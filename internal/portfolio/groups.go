package portfolio

import (
	"sort"
	"sync"
)

// Groups 维护相关性分组与每组一把互斥锁。
// 不在任何分组内的交易对各自独占一把锁，互不阻塞。
type Groups struct {
	byInstrument map[string]string
	byGroup      map[string][]string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGroups 根据配置构建分组注册表。
func NewGroups(groups map[string][]string) *Groups {
	g := &Groups{
		byInstrument: make(map[string]string),
		byGroup:      make(map[string][]string),
		locks:        make(map[string]*sync.Mutex),
	}
	for name, members := range groups {
		sorted := make([]string, len(members))
		copy(sorted, members)
		sort.Strings(sorted)
		g.byGroup[name] = sorted
		for _, instrument := range members {
			g.byInstrument[instrument] = name
		}
	}
	return g
}

// Name 返回交易对所属分组名；未分组时以交易对自身为独立分组。
func (g *Groups) Name(instrument string) string {
	if name, ok := g.byInstrument[instrument]; ok {
		return name
	}
	return instrument
}

// Members 返回分组内全部交易对。独立分组只含自身。
func (g *Groups) Members(instrument string) []string {
	name := g.Name(instrument)
	if members, ok := g.byGroup[name]; ok {
		return members
	}
	return []string{instrument}
}

// SameGroup 判断两个交易对是否共享敞口上限。
func (g *Groups) SameGroup(a, b string) bool {
	return g.Name(a) == g.Name(b)
}

// Lock 锁住交易对所属分组，返回解锁函数。
// 同组内的风控判定与账本入账由此串行化，异组并行。
func (g *Groups) Lock(instrument string) func() {
	name := g.Name(instrument)

	g.mu.Lock()
	lock, ok := g.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[name] = lock
	}
	g.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
