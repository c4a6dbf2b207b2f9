package orders

import "time"

// Ongkir flat, ikut dibekukan ke final_price saat create.
const DeliveryFee = 1000

type OrderType string

const (
	TypeBuyNow OrderType = "BUY_NOW"
	TypeCart   OrderType = "CART"
)

type Order struct {
	ID          int64
	OrderNumber string // external-facing, uuid hex tanpa dash
	UserID      int64
	OrderName   string
	Type        OrderType
	Status      Status
	PaymentType PaymentType // kosong sebelum PAID
	PaymentKey  string      // ref dari gateway, kosong sebelum PAID
	// Dibekukan saat create (line total + DeliveryFee). Konfirmasi validasi
	// charged amount lawan nilai ini, bukan harga produk sekarang.
	FinalPrice  int
	ApprovedAt  *time.Time
	CartLineIDs []int64 // hanya utk order asal cart; dipakai cleanup pasca settlement
	CreatedAt   time.Time
}

// Snapshot harga saat create; perubahan harga produk tidak mengubah
// order historis.
type OrderLine struct {
	OrderID   int64
	ProductID int64
	Qty       int
	Price     int
}

type Product struct {
	ID           int64
	Name         string
	Price        int
	Stock        int
	Featured     bool
	FeaturedRank int
	MainImageURL string
}

type CartLine struct {
	ID        int64
	UserID    int64
	ProductID int64
	Qty       int
}
