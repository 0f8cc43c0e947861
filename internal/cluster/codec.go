package cluster

import "github.com/koopa0/system-design/broadcast-fabric/internal/fabric"

// 頻道命名：
//
//	<prefix>#<ns>#            命名空間廣播
//	<prefix>#<ns>#<room>#     單一房間廣播
//	<prefix>-request#         叢集 RPC 請求
//	<prefix>-response#<node>#  回覆給指定節點

func namespaceChannel(prefix, ns string) string {
	return prefix + "#" + ns + "#"
}

func roomChannel(prefix, ns, room string) string {
	return prefix + "#" + ns + "#" + room + "#"
}

func requestChannel(prefix string) string {
	return prefix + "-request#"
}

func responseChannel(prefix, node string) string {
	return prefix + "-response#" + node + "#"
}

func nodeKeyPrefix(prefix string) string {
	return prefix + ":nodes:"
}

// envelope 跨節點廣播的訊息
//
// Opts 原樣帶給接收端，由接收端在本地重新解析 rooms 與 except。
type envelope struct {
	Origin string                  `json:"origin"`
	Packet *fabric.Packet          `json:"packet"`
	Opts   fabric.BroadcastOptions `json:"opts"`
}

// requestType 叢集 RPC 類型
type requestType string

const (
	requestFetchConnections requestType = "FETCH_CONNECTIONS"
	requestRoomSize         requestType = "ROOM_SIZE"
)

// rpcRequest scatter-gather 請求
type rpcRequest struct {
	Type      requestType         `json:"type"`
	RequestID string              `json:"request_id"`
	Origin    string              `json:"origin"`
	ReplyTo   string              `json:"reply_to"`
	Namespace string              `json:"namespace"`
	Opts      fabric.FetchOptions `json:"opts"`
	Room      string              `json:"room,omitempty"`
}

// rpcResponse 單一節點的本地結果
type rpcResponse struct {
	RequestID string   `json:"request_id"`
	Responder string   `json:"responder"`
	IDs       []string `json:"ids,omitempty"`
	Size      int      `json:"size"`
}
