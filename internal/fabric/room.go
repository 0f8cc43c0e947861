package fabric

import "sort"

// Room 命名空間內的房間
//
// 只追蹤本地成員（連線 ID 集合），由 LocalAdapter 持有並以其鎖保護，
// Room 本身不加鎖。
//
// 生命週期：
//   - 第一個成員加入時建立
//   - 成員歸零時在同一次成員變更中移出註冊表（惰性，不依賴計時器）
type Room struct {
	name    string
	members map[string]struct{}
}

func newRoom(name string) *Room {
	return &Room{name: name, members: make(map[string]struct{})}
}

// Name 房間名稱
func (r *Room) Name() string {
	return r.name
}

// Add 加入成員（集合語義），回傳是否為新成員
func (r *Room) Add(id string) bool {
	if _, ok := r.members[id]; ok {
		return false
	}
	r.members[id] = struct{}{}
	return true
}

// Remove 移除成員，回傳原本是否存在
func (r *Room) Remove(id string) bool {
	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	return true
}

// Has 是否為成員
func (r *Room) Has(id string) bool {
	_, ok := r.members[id]
	return ok
}

// Size 本地成員數
func (r *Room) Size() int {
	return len(r.members)
}

// Empty 是否可從註冊表移除
func (r *Room) Empty() bool {
	return len(r.members) == 0
}

// Members 成員 ID（已排序）
func (r *Room) Members() []string {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BroadcastLocal 投遞給所有不在 exclude 中的成員
func (r *Room) BroadcastLocal(p *Packet, exclude map[string]struct{}, dir Directory) int {
	sent := 0
	for id := range r.members {
		if _, skip := exclude[id]; skip {
			continue
		}
		if rcpt, ok := dir.Lookup(id); ok {
			rcpt.Send(p)
			sent++
		}
	}
	return sent
}
