package cluster

import (
	"container/list"
	"sync"
)

// seenSet 已投遞封包 ID 的有界 LRU
//
// 共享存儲只保證至少一次投遞，同一個封包可能到達兩次。
// 只保留最近 capacity 個 ID；更舊的重複已經不太可能出現。
//
// 資料結構：
//   - 雙向鏈結串列：維護存取順序（頭部為最近）
//   - HashMap：O(1) 查找
type seenSet struct {
	capacity int
	items    map[string]*list.Element
	order    *list.List
	mu       sync.Mutex
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = 10000
	}
	return &seenSet{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Add 記錄 ID，回傳 false 表示已經看過（重複）
func (s *seenSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[id]; ok {
		s.order.MoveToFront(elem)
		return false
	}

	s.items[id] = s.order.PushFront(id)

	// 超過容量，淘汰最舊的
	if s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(string))
	}
	return true
}

// Len 目前記錄的 ID 數
func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
