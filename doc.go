// Package broadcastfabric 提供一個可水平擴展的即時廣播網路。
//
// 客戶端透過 WebSocket 連入某個命名空間，加入任意房間，
// 任何節點上的廣播都會送達叢集中所有符合條件的成員。
//
// # 核心概念
//
//   - 命名空間（Namespace）：獨立的連線集合與中介層鏈
//   - 房間（Room）：命名空間內的成員子集，成員為零時立即移除
//   - 轉接器（Adapter）：房間成員表與廣播路由，單機或叢集版本
//   - 連線（Conn）：一條雙工會話，自動加入以自身 ID 命名的私人房間
//
// # 叢集
//
// 多個節點共用一個存儲（Redis，或 Redis + NATS）：
//
//	節點 A --publish--> <prefix>#<ns>#<room>#  --> 節點 B、C 本地廣播
//	節點 A --request--> <prefix>-request#      --> 各節點回覆 <prefix>-response#A#
//
//   - 封包攜帶來源節點 ID，接收端丟棄自己發出的封包
//   - 重複送達以 LRU 去重
//   - fetchConnections / roomSize 以 scatter-gather 彙總，逾時回傳部分結果
//
// # 選主與排程
//
// 以 set-if-absent-or-owned 加 TTL 的租約選出唯一的 leader；
// 只有 leader 會執行 cron 排程任務（預設每分鐘的叢集連線報告）。
//
// # 使用範例
//
//	cfg, _ := config.Load("config.yaml")
//	app, _ := server.New(cfg, logger, metrics.New())
//	app.OnNamespace(func(ns *fabric.Namespace) {
//	    ns.OnConnection(func(c *fabric.Conn) {
//	        c.On("join", func(c *fabric.Conn, data json.RawMessage) { ... })
//	    })
//	})
//	_ = app.Start(ctx)
//	http.ListenAndServe(cfg.Addr(), app.Handler())
//
// 客戶端連接：
//
//	ws://localhost:8080/ws/chat?token=secret
//
// # 配置選項
//
//   - -config：配置檔路徑（預設 config.yaml）
//   - -port：服務監聽端口
//   - -log-level：日誌級別（debug/info/warn/error）
//   - -log-format：日誌格式（text/json）
//   - -hash-token：輸出 token 的 argon2id 雜湊
package broadcastfabric
