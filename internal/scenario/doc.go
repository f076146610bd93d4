// Package scenario は一貫性計測シナリオの実行機能を提供する。
//
// Runnerは1つのシナリオを次のフェーズで実行し、封印済みのResultを返す。
//
//   - preflight: 全エンドポイントへのPingと往復プローブ
//   - workload: 新しいブレーカーでLoadGeneratorを実行
//   - fault: 障害ウィンドウを開き、別のブレーカーで負荷を掛けて閉じる
//   - recovery: 障害終了後、書き込みがレプリカに届くまでの時間を計測
//
// Runは決してエラーを返さない。途中の失敗やパニックは
// TerminationReasonに記録され、その時点までの結果が封印される。
//
// # プリセットシナリオ
//
// - replication-delay: 書き込み直後の読み込みと100ms後の再読み込み
// - concurrent-rw: 4ワーカーが100ms間隔で読み書き
// - high-concurrency: 100ワーカーが同時に1回ずつ書き込み
// - large-payload: 約1MBの値の複製遅延
// - network-latency: 背景書き込みで混雑させた状態での計測
// - read-write-split: 1ワーカーで1000回の読み書き
// - flash-sale: 在庫カウンタの減算と読み込み
// - partition: オペレーター主導の障害ウィンドウと復旧確認
// - quick: 短時間の動作確認
//
// # 使用例
//
//	runner := scenario.NewRunner(primary, replicas, scenario.WithFault(controller))
//	config, _ := scenario.GetPreset("partition")
//	result := runner.Run(ctx, config)
//	fmt.Println(result.TerminationReason)
package scenario
