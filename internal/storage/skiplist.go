package storage

import "math/rand"

const (
	skipListMaxLevel = 32
	skipListP        = 0.25
)

// skipList is an indexable skip list: every forward link carries the number
// of nodes it jumps over, which makes rank lookups O(log n).
type skipList struct {
	head   *skipNode
	level  int
	length int64
	seq    uint64
	byID   map[int64]*skipNode
}

type skipNode struct {
	member Member
	seq    uint64
	next   []skipLink
}

type skipLink struct {
	node *skipNode
	span int64
}

func newSkipList() *skipList {
	return &skipList{
		head:  &skipNode{next: make([]skipLink, skipListMaxLevel)},
		level: 1,
		byID:  make(map[int64]*skipNode),
	}
}

// before reports whether n orders strictly ahead of o.
func (n *skipNode) before(o *skipNode) bool {
	if n.member.EnrolledAt != o.member.EnrolledAt {
		return n.member.EnrolledAt < o.member.EnrolledAt
	}
	return n.seq < o.seq
}

func randomLevel() int {
	lvl := 1
	for lvl < skipListMaxLevel && rand.Float64() < skipListP {
		lvl++
	}
	return lvl
}

func (l *skipList) insert(m Member) bool {
	if _, ok := l.byID[m.ID]; ok {
		return false
	}
	l.seq++
	n := &skipNode{member: m, seq: l.seq}

	var (
		update [skipListMaxLevel]*skipNode
		rank   [skipListMaxLevel]int64
	)
	x := l.head
	for i := l.level - 1; i >= 0; i-- {
		if i < l.level-1 {
			rank[i] = rank[i+1]
		}
		for x.next[i].node != nil && x.next[i].node.before(n) {
			rank[i] += x.next[i].span
			x = x.next[i].node
		}
		update[i] = x
	}

	lvl := randomLevel()
	if lvl > l.level {
		for i := l.level; i < lvl; i++ {
			rank[i] = 0
			update[i] = l.head
			update[i].next[i].span = l.length
		}
		l.level = lvl
	}

	n.next = make([]skipLink, lvl)
	for i := 0; i < lvl; i++ {
		n.next[i].node = update[i].next[i].node
		update[i].next[i].node = n
		n.next[i].span = update[i].next[i].span - (rank[0] - rank[i])
		update[i].next[i].span = rank[0] - rank[i] + 1
	}
	for i := lvl; i < l.level; i++ {
		update[i].next[i].span++
	}

	l.length++
	l.byID[m.ID] = n
	return true
}

func (l *skipList) rank(id int64) int64 {
	n, ok := l.byID[id]
	if !ok {
		return -1
	}
	var r int64
	x := l.head
	for i := l.level - 1; i >= 0; i-- {
		for x.next[i].node != nil && !n.before(x.next[i].node) {
			r += x.next[i].span
			x = x.next[i].node
		}
		if x == n {
			return r - 1
		}
	}
	return -1
}

func (l *skipList) popMin() (Member, bool) {
	x := l.head.next[0].node
	if x == nil {
		return Member{}, false
	}
	for i := 0; i < l.level; i++ {
		if l.head.next[i].node == x {
			l.head.next[i].span += x.next[i].span - 1
			l.head.next[i].node = x.next[i].node
		} else {
			l.head.next[i].span--
		}
	}
	for l.level > 1 && l.head.next[l.level-1].node == nil {
		l.level--
	}
	l.length--
	delete(l.byID, x.member.ID)
	return x.member, true
}
