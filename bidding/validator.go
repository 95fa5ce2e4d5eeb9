package bidding

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Tier 代表加價級距，價格大於等於 From 時使用 Step
type Tier struct {
	From decimal.Decimal
	Step decimal.Decimal
}

// IncrementTable 是依照 From 由小到大排序的加價級距表
type IncrementTable []Tier

// FixedIncrement 建立固定加價金額的級距表
func FixedIncrement(step decimal.Decimal) IncrementTable {
	return IncrementTable{{From: decimal.Zero, Step: step}}
}

// ParseIncrementTable 解析 "0:1,100:5,1000:10" 格式的級距表
func ParseIncrementTable(s string) (IncrementTable, error) {
	const op = "ParseIncrementTable"
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var table IncrementTable
	for _, part := range strings.Split(s, ",") {
		from, step, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("[%s] Invalid tier %q, expect from:step", op, part)
		}
		fromValue, err := decimal.NewFromString(strings.TrimSpace(from))
		if err != nil {
			return nil, fmt.Errorf("[%s] Invalid tier start %q, err=%w", op, from, err)
		}
		stepValue, err := decimal.NewFromString(strings.TrimSpace(step))
		if err != nil {
			return nil, fmt.Errorf("[%s] Invalid tier step %q, err=%w", op, step, err)
		}
		if fromValue.IsNegative() || stepValue.IsNegative() {
			return nil, fmt.Errorf("[%s] Negative tier %q", op, part)
		}
		table = append(table, Tier{From: fromValue, Step: stepValue})
	}
	table.normalize()
	if !table[0].From.IsZero() {
		return nil, fmt.Errorf("[%s] The first tier must start from 0", op)
	}
	return table, nil
}

func (t IncrementTable) normalize() {
	sort.SliceStable(t, func(i, j int) bool {
		return t[i].From.LessThan(t[j].From)
	})
}

// String 轉回 ParseIncrementTable 可解析的格式
func (t IncrementTable) String() string {
	parts := make([]string, 0, len(t))
	for _, tier := range t {
		parts = append(parts, tier.From.String()+":"+tier.Step.String())
	}
	return strings.Join(parts, ",")
}

// Step 取得指定價格適用的最低加價
func (t IncrementTable) Step(price decimal.Decimal) decimal.Decimal {
	step := decimal.Zero
	for _, tier := range t {
		if tier.From.GreaterThan(price) {
			break
		}
		step = tier.Step
	}
	return step
}

// Policy 是平台層級的出價規則
type Policy struct {
	Increments      IncrementTable
	AllowSelfOutbid bool
}

// DefaultPolicy 允許目前領先者自行加價，且不設最低加價
func DefaultPolicy() Policy {
	return Policy{
		Increments:      FixedIncrement(decimal.Zero),
		AllowSelfOutbid: true,
	}
}

func (p Policy) increments(lot Lot) IncrementTable {
	if len(lot.Increments) > 0 {
		return lot.Increments
	}
	return p.Increments
}

// Verdict 是驗證結果
type Verdict struct {
	Accepted bool
	Reason   Reason
	Minimum  decimal.Decimal
}

const (
	// AmountScale 是金額允許的小數位數，與儲存層的 numeric(20,4) 一致
	AmountScale = 4
	// AmountIntegerDigits 是金額允許的整數位數
	AmountIntegerDigits = 16
)

var maxAmount = decimal.New(1, AmountIntegerDigits)

// Representable 判斷金額是否落在儲存層可以精確保存的範圍內
// NOTE: 先只看指數和係數的位元長度，極端的值不會進入任何大數運算
func Representable(amount decimal.Decimal) bool {
	exp := amount.Exponent()
	if exp > AmountIntegerDigits || exp < -(AmountScale+AmountIntegerDigits) {
		return false
	}
	// 係數最多 80 位元，約 24 位有效數字
	if amount.Coefficient().BitLen() > 80 {
		return false
	}
	if !amount.Equal(amount.Truncate(AmountScale)) {
		return false
	}
	return amount.Abs().LessThan(maxAmount)
}

// RequiredMinimum 計算下一筆出價的最低金額
func RequiredMinimum(lot Lot, policy Policy) decimal.Decimal {
	return lot.CurrentPrice.Add(policy.increments(lot).Step(lot.CurrentPrice))
}

// Validate 檢查出價是否可以被接受
// NOTE: 沒有任何副作用，可以在取得鎖之前預先呼叫
func Validate(lot Lot, amount decimal.Decimal, bidder string, policy Policy) Verdict {
	minimum := RequiredMinimum(lot, policy)
	if !lot.Status.Biddable() {
		return Verdict{Reason: ReasonNotOpen, Minimum: minimum}
	}
	if !amount.IsPositive() || !Representable(amount) {
		return Verdict{Reason: ReasonInvalidAmount, Minimum: minimum}
	}
	if amount.LessThan(minimum) {
		return Verdict{Reason: ReasonBelowIncrement, Minimum: minimum}
	}
	// 加價為0時，同價的出價不能取代目前的領先者
	if lot.BidCount > 0 && !amount.GreaterThan(lot.CurrentPrice) {
		return Verdict{Reason: ReasonBelowIncrement, Minimum: minimum}
	}
	if !policy.AllowSelfOutbid && lot.BidCount > 0 && lot.LeaderID == bidder {
		return Verdict{Reason: ReasonSelfOutbid, Minimum: minimum}
	}
	return Verdict{Accepted: true, Minimum: minimum}
}
