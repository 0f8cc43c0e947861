package fabric

import (
	"context"
	"sort"
	"sync"
)

// Adapter 成員關係與廣播扇出
//
// 兩種實作對外語義相同：
//   - LocalAdapter：單一進程，純記憶體
//   - cluster.Adapter：包裝 LocalAdapter，透過共享存儲複製廣播並向其他節點 scatter-gather
type Adapter interface {
	// AddAll 把連線加入多個房間，回傳實際新加入的房間
	AddAll(id string, rooms []string) []string
	// DelAll 把連線移出房間，rooms 為空時移出所有房間；回傳實際離開的房間
	DelAll(id string, rooms []string) []string
	// Broadcast 扇出封包；錯誤只代表叢集複製失敗，本地投遞一定已完成
	Broadcast(ctx context.Context, p *Packet, opts BroadcastOptions) error
	// FetchConnections 符合條件的連線 ID（已排序、去重）
	FetchConnections(ctx context.Context, opts FetchOptions) ([]string, error)
	// RoomSize 房間的成員數
	RoomSize(ctx context.Context, room string) (int, error)
	// Rooms 本地房間名稱
	Rooms() []string
	// Close 釋放資源
	Close() error
}

// Recipient 可接收封包的對象
type Recipient interface {
	ID() string
	Send(p *Packet)
}

// Directory 依 ID 查找本地接收者（由 Namespace 實作）
type Directory interface {
	Lookup(id string) (Recipient, bool)
}

// LocalAdapter 單一進程的成員關係
//
// 兩張表保持互相一致：
//   - rooms: 房間名 -> Room
//   - sids:  連線 ID -> 房間集合
//
// 每個連線都在自己的私有房間，所以 sids 的鍵就是「命名空間中的所有人」。
type LocalAdapter struct {
	dir   Directory
	mu    sync.RWMutex
	rooms map[string]*Room
	sids  map[string]map[string]struct{}
}

// NewLocalAdapter 建立本地 adapter
func NewLocalAdapter(dir Directory) *LocalAdapter {
	return &LocalAdapter{
		dir:   dir,
		rooms: make(map[string]*Room),
		sids:  make(map[string]map[string]struct{}),
	}
}

// AddAll 加入多個房間（對呼叫端是原子的）
func (a *LocalAdapter) AddAll(id string, rooms []string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	joined, ok := a.sids[id]
	if !ok {
		joined = make(map[string]struct{})
		a.sids[id] = joined
	}

	var added []string
	for _, name := range rooms {
		if _, member := joined[name]; member {
			continue
		}
		room, exists := a.rooms[name]
		if !exists {
			room = newRoom(name)
			a.rooms[name] = room
		}
		room.Add(id)
		joined[name] = struct{}{}
		added = append(added, name)
	}
	return added
}

// DelAll 離開房間；rooms 為空時離開全部並忘記此連線
func (a *LocalAdapter) DelAll(id string, rooms []string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	joined, ok := a.sids[id]
	if !ok {
		return nil
	}

	all := len(rooms) == 0
	if all {
		rooms = make([]string, 0, len(joined))
		for name := range joined {
			rooms = append(rooms, name)
		}
		sort.Strings(rooms)
	}

	var left []string
	for _, name := range rooms {
		if _, member := joined[name]; !member {
			continue
		}
		delete(joined, name)
		if room, exists := a.rooms[name]; exists {
			room.Remove(id)
			if room.Empty() {
				delete(a.rooms, name)
			}
		}
		left = append(left, name)
	}

	if all {
		delete(a.sids, id)
	}
	return left
}

// Broadcast 本地扇出
//
// Send 只是入佇列，同一呼叫端依序發出的兩次廣播會依序到達每個成員。
func (a *LocalAdapter) Broadcast(_ context.Context, p *Packet, opts BroadcastOptions) error {
	a.BroadcastLocal(p, opts)
	return nil
}

// BroadcastLocal 同 Broadcast，回傳投遞數（叢集接收端使用）
func (a *LocalAdapter) BroadcastLocal(p *Packet, opts BroadcastOptions) int {
	// 單一房間：直接走 Room 的成員集合，不需要求聯集
	if len(opts.Rooms) == 1 {
		a.mu.RLock()
		defer a.mu.RUnlock()

		room, ok := a.rooms[opts.Rooms[0]]
		if !ok {
			return 0
		}
		return room.BroadcastLocal(p, a.excludedLocked(opts.Except), a.dir)
	}

	targets := a.recipients(opts)
	for _, rcpt := range targets {
		rcpt.Send(p)
	}
	return len(targets)
}

func (a *LocalAdapter) recipients(opts BroadcastOptions) []Recipient {
	ids := a.LocalConnections(opts)
	targets := make([]Recipient, 0, len(ids))
	for _, id := range ids {
		if rcpt, ok := a.dir.Lookup(id); ok {
			targets = append(targets, rcpt)
		}
	}
	return targets
}

// LocalConnections 解析本地目標 ID：先求房間聯集，再扣除 except（已排序）
func (a *LocalAdapter) LocalConnections(opts BroadcastOptions) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	exclude := a.excludedLocked(opts.Except)

	ids := make([]string, 0)
	if len(opts.Rooms) == 0 {
		for id := range a.sids {
			if _, skip := exclude[id]; !skip {
				ids = append(ids, id)
			}
		}
	} else {
		seen := make(map[string]struct{})
		for _, name := range opts.Rooms {
			room, ok := a.rooms[name]
			if !ok {
				continue
			}
			for id := range room.members {
				if _, skip := exclude[id]; skip {
					continue
				}
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}

	sort.Strings(ids)
	return ids
}

// excludedLocked 展開 except 房間成員，呼叫端須持有讀鎖
func (a *LocalAdapter) excludedLocked(except []string) map[string]struct{} {
	exclude := make(map[string]struct{})
	for _, name := range except {
		if room, ok := a.rooms[name]; ok {
			for id := range room.members {
				exclude[id] = struct{}{}
			}
		}
	}
	return exclude
}

// FetchConnections 本地列舉
func (a *LocalAdapter) FetchConnections(_ context.Context, opts FetchOptions) ([]string, error) {
	return a.LocalConnections(opts), nil
}

// LocalRoomSize 本地成員數（房間不存在為 0）
func (a *LocalAdapter) LocalRoomSize(room string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if r, ok := a.rooms[room]; ok {
		return r.Size()
	}
	return 0
}

// RoomSize 本地成員數
func (a *LocalAdapter) RoomSize(_ context.Context, room string) (int, error) {
	return a.LocalRoomSize(room), nil
}

// RoomsOf 連線目前所在的房間（已排序）
func (a *LocalAdapter) RoomsOf(id string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rooms := make([]string, 0, len(a.sids[id]))
	for name := range a.sids[id] {
		rooms = append(rooms, name)
	}
	sort.Strings(rooms)
	return rooms
}

// Rooms 本地所有房間（已排序）
func (a *LocalAdapter) Rooms() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.rooms))
	for name := range a.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close 本地 adapter 沒有外部資源
func (a *LocalAdapter) Close() error {
	return nil
}
