package ledgererr

import (
	"errors"
	"fmt"
)

// ============================================================================
// 账本业务错误
// ============================================================================
//
// 校验类错误（余额不足、折扣码无效）是预期内的业务结果，作为类型化错误返回给调用方；
// 基础设施错误（数据库不可用等）用 %w 包装后原样上抛，handler 统一按系统错误处理。

var (
	// ErrInsufficientBalance 扣减后可用余额会变成负数
	// 调用方提示"余额不足"即可，不应自动重试
	ErrInsufficientBalance = errors.New("可用余额不足")

	// ErrAccountNotFound 纯读操作目标账户没有余额记录
	// get-or-create 路径不会返回这个错误
	ErrAccountNotFound = errors.New("账户余额记录不存在")

	// ErrPricingNotFound 精确国家、GLOBAL、USD 三级定价全部未命中
	// 报价流程必须在任何余额变动之前因它中止
	ErrPricingNotFound = errors.New("未找到适用的定价配置")
)

// ============================================================================
// 折扣码错误（细分原因）
// ============================================================================

type DiscountReason string

const (
	DiscountReasonNotFound          DiscountReason = "NOT_FOUND"
	DiscountReasonDisabled          DiscountReason = "DISABLED"
	DiscountReasonNotStarted        DiscountReason = "NOT_STARTED"
	DiscountReasonExpired           DiscountReason = "EXPIRED"
	DiscountReasonUsageCapExceeded  DiscountReason = "USAGE_CAP_EXCEEDED"
	DiscountReasonAccountCapReached DiscountReason = "ACCOUNT_CAP_REACHED"
	DiscountReasonBelowMinimum      DiscountReason = "BELOW_MINIMUM"
	DiscountReasonAccountIneligible DiscountReason = "ACCOUNT_INELIGIBLE"
	DiscountReasonCurrencyMismatch  DiscountReason = "CURRENCY_MISMATCH"
	DiscountReasonFirstPurchaseOnly DiscountReason = "FIRST_PURCHASE_ONLY"
)

// DiscountInvalidError 折扣码校验失败，原样透传给购买流程，绝不静默忽略
type DiscountInvalidError struct {
	Code   string
	Reason DiscountReason
}

func (e *DiscountInvalidError) Error() string {
	return fmt.Sprintf("折扣码 %s 不可用: %s", e.Code, e.Reason)
}

func NewDiscountInvalid(code string, reason DiscountReason) *DiscountInvalidError {
	return &DiscountInvalidError{Code: code, Reason: reason}
}

// AsDiscountInvalid 便捷判断
func AsDiscountInvalid(err error) (*DiscountInvalidError, bool) {
	var de *DiscountInvalidError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// ============================================================================
// 一致性告警
// ============================================================================

// ConsistencyViolationError 余额变动已提交但流水缺失（或反之）
//
// 【重要】这一类不是普通业务错误：正常写路径里余额变动和流水在同一个数据库事务内，
// 理论上不会出现；一旦对账巡检发现，说明有人绕过服务直写了存储，
// 必须触发告警人工介入，不能当成用户可见错误吞掉
type ConsistencyViolationError struct {
	AccountID int64
	Detail    string
}

func (e *ConsistencyViolationError) Error() string {
	return fmt.Sprintf("账本一致性被破坏: accountID=%d, %s", e.AccountID, e.Detail)
}
