package fabric

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewID 產生唯一 ID（節點、連線、請求、封包共用）
func NewID() string {
	return uuid.NewString()
}

// IsConnID 名稱是否具有連線 ID 的形式（私有房間）
func IsConnID(name string) bool {
	_, err := uuid.Parse(name)
	return err == nil
}

// Meta 封包的路由資訊
type Meta struct {
	Origin    string   `json:"origin,omitempty"`    // 發出廣播的節點
	Namespace string   `json:"namespace,omitempty"` // 所屬命名空間
	Rooms     []string `json:"rooms,omitempty"`     // 目標房間（空 = 整個命名空間）
	Timestamp int64    `json:"ts"`                  // Unix 毫秒
}

// Packet 廣播封包
//
// 暫態物件，核心從不持久化。
// 編碼後的訊框只計算一次：同一封包扇出給上千個連線時，
// 不需要重複 json.Marshal。
type Packet struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  Meta            `json:"meta"`

	once  sync.Once
	frame []byte
	err   error
}

// NewPacket 建立封包，data 會被編碼成 JSON
func NewPacket(event string, data any) (*Packet, error) {
	raw, err := encodeData(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return &Packet{
		ID:    NewID(),
		Event: event,
		Data:  raw,
		Meta:  Meta{Timestamp: time.Now().UnixMilli()},
	}, nil
}

// Frame 回傳送往客戶端的 JSON 訊框（快取）
//
// 第一次呼叫後封包即視為凍結，之後修改 Meta 不會反映到訊框。
func (p *Packet) Frame() ([]byte, error) {
	p.once.Do(func() {
		p.frame, p.err = json.Marshal(p)
	})
	return p.frame, p.err
}

func encodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// BroadcastOptions 目標選擇
//
// 解析順序固定：先以 Rooms 求聯集（空 = 整個命名空間），再套用 Except。
// Except 同樣以房間表示；每個連線都在以自己 ID 命名的私有房間中，
// 所以排除某個連線就是把它的 ID 放進 Except。
type BroadcastOptions struct {
	Rooms  []string `json:"rooms,omitempty"`
	Except []string `json:"except,omitempty"`
}

// FetchOptions 列舉連線的過濾條件，語義與廣播目標相同
type FetchOptions = BroadcastOptions
