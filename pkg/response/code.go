package response

// 业务状态码
const (
	CodeSuccess = 0
	CodeError   = 1

	// 卡片模块错误 100xx
	ErrCardInvalid          = 10001
	ErrCardAlreadyActivated = 10002
	ErrCardFrozen           = 10003
	ErrSerialFormat         = 10004

	// 订单模块错误 200xx
	ErrOrderNotFound       = 20001
	ErrOrderStateConflict  = 20002
	ErrOrderClosed         = 20003
	ErrChainNotSupported   = 20004
	ErrQuoteUnavailable    = 20005
	ErrDuplicateOrder      = 20006
	ErrInvalidPaymentValue = 20007

	// 系统错误 500xx
	ErrServerInternal  = 50001
	ErrInvalidParam    = 50002
	ErrTooManyRequests = 50003
	ErrForbidden       = 50004
)
