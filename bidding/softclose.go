package bidding

import "time"

// ExtensionDecision 是延長結標的判斷結果
type ExtensionDecision struct {
	Extended       bool
	NewEndTime     time.Time
	NewStatus      Status
	ExtensionCount int
	// Expired 表示出價時已經到達結標時間，拍品應由狀態機關閉
	Expired bool
}

// ResolveSoftClose 依照 拍品設定 -> 拍賣預設 -> 引擎預設 的順序取得有效設定
func ResolveSoftClose(lot, auction *SoftCloseConfig, fallback SoftCloseConfig) SoftCloseConfig {
	if lot != nil {
		return *lot
	}
	if auction != nil {
		return *auction
	}
	return fallback
}

// OnAccepted 判斷一筆已接受的出價是否觸發延長結標
//
// 流程:
//   - 1. 未啟用時不處理
//   - 2. 出價時間已到達結標時間時，不延長，由呼叫端關閉拍品
//   - 3. 出價落在觸發區間內且未達延長上限，延長 ExtensionLength
//   - 4. 已達上限時不再延長，拍品會在目前的結標時間關閉
//   - 5. 延長狀態下在觸發區間外的出價，狀態回到 open
func OnAccepted(lot Lot, bidTimestamp time.Time) ExtensionDecision {
	decision := ExtensionDecision{
		NewEndTime:     lot.ScheduledEnd,
		NewStatus:      lot.Status,
		ExtensionCount: lot.ExtensionCount,
	}
	cfg := lot.SoftClose
	if !cfg.Enabled {
		return decision
	}
	timeUntilEnd := lot.ScheduledEnd.Sub(bidTimestamp)
	if timeUntilEnd <= 0 {
		decision.Expired = true
		return decision
	}
	if timeUntilEnd > cfg.TriggerThreshold {
		if lot.Status == StatusExtended {
			decision.NewStatus = StatusOpen
		}
		return decision
	}
	if lot.ExtensionCount >= cfg.MaxExtensions {
		return decision
	}
	decision.Extended = true
	decision.NewEndTime = lot.ScheduledEnd.Add(cfg.ExtensionLength)
	decision.NewStatus = StatusExtended
	decision.ExtensionCount = lot.ExtensionCount + 1
	return decision
}
