package orders

type Status string

const (
	StatusReady           Status = "READY"
	StatusPaid            Status = "PAID"
	StatusCancelRequested Status = "CANCEL_REQUESTED"
	StatusCanceled        Status = "CANCELED"
	// Terminal: uang sudah keluar di gateway tapi reversal gagal.
	// Butuh refund manual oleh operator.
	StatusRefundFailed Status = "REFUND_FAILED"
)

var validNext = map[Status]map[Status]bool{
	// READY -> REFUND_FAILED: breadcrumb kompensasi. Settlement-nya
	// di-rollback (row masih READY) padahal charge di gateway sudah jadi.
	StatusReady:           {StatusPaid: true, StatusCanceled: true, StatusRefundFailed: true},
	StatusPaid:            {StatusCancelRequested: true, StatusRefundFailed: true},
	StatusCancelRequested: {StatusCanceled: true, StatusPaid: true}, // balik ke PAID kalau gateway cancel gagal
	StatusCanceled:        {},
	StatusRefundFailed:    {StatusCanceled: true}, // reversal sukses setelah breadcrumb
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

type PaymentType string

const (
	PaymentCard PaymentType = "CARD"
	PaymentCash PaymentType = "CASH"
)

// Mapping method dari gateway. Method tak dikenal dianggap CARD.
func PaymentTypeFromMethod(method string) PaymentType {
	switch method {
	case "가상계좌", "계좌이체", "VIRTUAL_ACCOUNT", "TRANSFER":
		return PaymentCash
	default:
		return PaymentCard
	}
}
