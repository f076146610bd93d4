// Package recovery は障害ウィンドウ終了後の復旧を計測する。
//
// Watcherはプライマリへの書き込みが再び成功し、その値がいずれかの
// レプリカから読めるようになるまで一定間隔でポーリングし、
// 復旧までの時間と試行回数を記録する。
//
// # 使用例
//
//	w := recovery.New(primary, replicas, recovery.DefaultConfig())
//	res := w.Watch(ctx, "recovery:"+runID)
//	if res.Recovered {
//	    fmt.Println("recovered after", res.Elapsed)
//	}
package recovery
