package fabric_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/koopa0/system-design/broadcast-fabric/internal/fabric"
	apperrors "github.com/koopa0/system-design/broadcast-fabric/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConn_JoinLeave 測試加入/離開後 fetchConnections 的結果
func TestConn_JoinLeave(t *testing.T) {
	ns := newNamespace(t)
	c, _ := connect(t, ns)
	ctx := context.Background()

	outcome, err := c.Join("general")
	require.NoError(t, err)
	assert.Equal(t, fabric.Applied, outcome)

	ids, err := ns.To("general").FetchConnections(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, c.ID())

	outcome, err = c.Leave("general")
	require.NoError(t, err)
	assert.Equal(t, fabric.Applied, outcome)

	ids, err = ns.To("general").FetchConnections(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, c.ID())
}

// TestConn_JoinIdempotent 測試重複加入與加入一次效果相同
func TestConn_JoinIdempotent(t *testing.T) {
	ns := newNamespace(t)
	c, _ := connect(t, ns)

	_, err := c.Join("general")
	require.NoError(t, err)
	outcome, err := c.Join("general")
	require.NoError(t, err)

	assert.Equal(t, fabric.AlreadySatisfied, outcome)
	size, err := ns.RoomSize(context.Background(), "general")
	require.NoError(t, err)
	assert.Equal(t, 1, size)
	assert.True(t, c.In("general"))

	outcome, err = c.Leave("other")
	require.NoError(t, err)
	assert.Equal(t, fabric.AlreadySatisfied, outcome)
}

// TestConn_CallerErrors 測試呼叫端錯誤與冪等結果的區分
func TestConn_CallerErrors(t *testing.T) {
	ns := newNamespace(t)
	c, _ := connect(t, ns)

	_, err := c.Join("")
	assert.True(t, apperrors.IsInvalidInput(err))

	c.Disconnect("bye")
	_, err = c.Join("general")
	assert.True(t, apperrors.IsDisconnected(err))
}

// TestConn_PrivateRoom 測試每個連線都在自己的私有房間
func TestConn_PrivateRoom(t *testing.T) {
	ns := newNamespace(t)
	c, s := connect(t, ns)

	assert.True(t, c.In(c.ID()))
	require.NoError(t, ns.To(c.ID()).Emit(context.Background(), "direct", "only you"))
	assert.Equal(t, []string{"only you"}, s.events(t, "direct"))
}

// TestConn_PrivateRoomReserved 測試不能加入別人的私有房間，也不能離開自己的
func TestConn_PrivateRoomReserved(t *testing.T) {
	ns := newNamespace(t)
	a, sa := connect(t, ns)
	b, sb := connect(t, ns)

	_, err := b.Join(a.ID())
	assert.True(t, apperrors.IsInvalidInput(err))
	assert.False(t, b.In(a.ID()))

	_, err = b.Join(fabric.NewID())
	assert.True(t, apperrors.IsInvalidInput(err), "其他節點的連線 ID 同樣保留")

	outcome, err := a.Join(a.ID())
	require.NoError(t, err)
	assert.Equal(t, fabric.AlreadySatisfied, outcome)

	_, err = a.Leave(a.ID())
	assert.True(t, apperrors.IsInvalidInput(err))
	assert.True(t, a.In(a.ID()))

	ctx := context.Background()
	require.NoError(t, ns.To(a.ID()).Emit(ctx, "dm", "secret"))
	require.NoError(t, ns.Except(a.ID()).Emit(ctx, "all", "others"))

	assert.Equal(t, []string{"secret"}, sa.events(t, "dm"))
	assert.Empty(t, sb.events(t, "dm"))
	assert.Empty(t, sa.events(t, "all"))
	assert.Equal(t, []string{"others"}, sb.events(t, "all"))
}

// TestConn_Disconnect 測試斷線順序與冪等
func TestConn_Disconnect(t *testing.T) {
	ns := newNamespace(t)
	c, s := connect(t, ns)
	_, err := c.Join("general")
	require.NoError(t, err)

	var reasons []string
	c.OnDisconnect(func(reason string) {
		// 通知時已經離開所有房間並移出註冊表
		assert.Empty(t, c.Rooms())
		_, registered := ns.Conn(c.ID())
		assert.False(t, registered)
		reasons = append(reasons, reason)
	})

	c.Disconnect("client namespace disconnect")
	c.Disconnect("again")

	assert.Equal(t, []string{"client namespace disconnect"}, reasons)
	assert.True(t, c.Disconnected())
	assert.False(t, s.Open())
	assert.Equal(t, fabric.CloseNormal, s.closeCode)
	assert.Equal(t, 0, ns.Len())
	assert.Empty(t, ns.Rooms())
}

// TestConn_SendAfterClose 測試對已關閉會話送出時靜默丟棄
func TestConn_SendAfterClose(t *testing.T) {
	ns := newNamespace(t)
	c, s := connect(t, ns)

	require.NoError(t, s.Close(fabric.CloseNormal, "gone"))
	before := len(s.received(t))

	p, err := fabric.NewPacket("msg", "dropped")
	require.NoError(t, err)
	c.Send(p)

	assert.Len(t, s.received(t), before)
}

// TestConn_Dispatch 測試事件分派與 panic 隔離
func TestConn_Dispatch(t *testing.T) {
	ns := newNamespace(t)
	c, _ := connect(t, ns)

	var got string
	c.On("echo", func(_ *fabric.Conn, data json.RawMessage) {
		require.NoError(t, json.Unmarshal(data, &got))
	})
	c.On("boom", func(*fabric.Conn, json.RawMessage) {
		panic("handler bug")
	})

	c.Dispatch("echo", json.RawMessage(`"hello"`))
	assert.Equal(t, "hello", got)

	assert.NotPanics(t, func() { c.Dispatch("boom", nil) })
	assert.NotPanics(t, func() { c.Dispatch("unknown", nil) })
}

// TestConn_Probe 測試存活旗標
func TestConn_Probe(t *testing.T) {
	ns := newNamespace(t)
	c, s := connect(t, ns)

	assert.True(t, c.Alive())
	require.NoError(t, c.Probe())
	assert.False(t, c.Alive())
	assert.Equal(t, 1, s.pings)

	c.MarkAlive()
	assert.True(t, c.Alive())
}

// TestConn_Terminate 測試強制終止使用 going away 關閉碼
func TestConn_Terminate(t *testing.T) {
	ns := newNamespace(t)
	c, s := connect(t, ns)

	c.Terminate()

	assert.Equal(t, fabric.CloseGoingAway, s.closeCode)
	assert.Equal(t, "ping timeout", s.closeReason)
}
