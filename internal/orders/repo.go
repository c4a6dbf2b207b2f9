package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nabiroh/go-commerce-settlement/internal/apperr"
	"github.com/nabiroh/go-commerce-settlement/internal/inventory"
)

type Repo struct{ DB *pgxpool.Pool }

// Input settlement; approved_at sudah dinormalisasi oleh coordinator.
type ApplyPayment struct {
	OrderNumber string
	PaymentKey  string
	Method      string
	ApprovedAt  time.Time
}

func NewOrderNumber() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateBuyNow: order satu produk langsung. Cek stok di sini hanya advisory
// (enforcement asli di decrement kondisional saat konfirmasi).
func (r *Repo) CreateBuyNow(ctx context.Context, userID, productID int64, qty int) (Order, error) {
	if qty <= 0 {
		return Order{}, fmt.Errorf("invalid qty: %d", qty)
	}

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Order{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var p Product
	err = tx.QueryRow(ctx, `SELECT id, name, price, stock FROM products WHERE id=$1`,
		productID).Scan(&p.ID, &p.Name, &p.Price, &p.Stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("product %d: %w", productID, apperr.ErrNotFound)
	} else if err != nil {
		return Order{}, err
	}
	if p.Stock < qty {
		return Order{}, fmt.Errorf("product %d: %w", productID, apperr.ErrStockExhausted)
	}

	o := Order{
		OrderNumber: NewOrderNumber(),
		UserID:      userID,
		OrderName:   p.Name,
		Type:        TypeBuyNow,
		Status:      StatusReady,
		FinalPrice:  p.Price*qty + DeliveryFee,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO orders(order_number, user_id, order_name, order_type, status, final_price)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, created_at`,
		o.OrderNumber, o.UserID, o.OrderName, o.Type, o.Status, o.FinalPrice,
	).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return Order{}, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO order_lines(order_id, product_id, qty, price)
		VALUES ($1,$2,$3,$4)`, o.ID, p.ID, qty, p.Price); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, err
	}
	return o, nil
}

// CreateFromCart: order dari sebagian isi cart user. Line item snapshot
// harga sekarang; id cart line disimpan utk cleanup pasca settlement.
func (r *Repo) CreateFromCart(ctx context.Context, userID int64, cartLineIDs []int64) (Order, error) {
	if len(cartLineIDs) == 0 {
		return Order{}, fmt.Errorf("empty cart selection")
	}

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Order{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT cl.id, cl.product_id, cl.qty, p.name, p.price, p.stock
		FROM cart_lines cl JOIN products p ON p.id = cl.product_id
		WHERE cl.id = ANY($1) AND cl.user_id = $2`, cartLineIDs, userID)
	if err != nil {
		return Order{}, err
	}
	type row struct {
		cartLineID, productID int64
		qty, price, stock     int
		name                  string
	}
	var items []row
	for rows.Next() {
		var x row
		if err := rows.Scan(&x.cartLineID, &x.productID, &x.qty, &x.name, &x.price, &x.stock); err != nil {
			rows.Close()
			return Order{}, err
		}
		items = append(items, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Order{}, err
	}
	if len(items) != len(cartLineIDs) {
		return Order{}, fmt.Errorf("cart lines: %w", apperr.ErrNotFound)
	}

	total := 0
	for _, it := range items {
		if it.stock < it.qty {
			return Order{}, fmt.Errorf("product %d: %w", it.productID, apperr.ErrStockExhausted)
		}
		total += it.price * it.qty
	}

	// "상품명 외 N건" ala aslinya -> "first product +N more"
	orderName := items[0].name
	if n := len(items) - 1; n > 0 {
		orderName = fmt.Sprintf("%s +%d more", orderName, n)
	}

	o := Order{
		OrderNumber: NewOrderNumber(),
		UserID:      userID,
		OrderName:   orderName,
		Type:        TypeCart,
		Status:      StatusReady,
		FinalPrice:  total + DeliveryFee,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO orders(order_number, user_id, order_name, order_type, status, final_price)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, created_at`,
		o.OrderNumber, o.UserID, o.OrderName, o.Type, o.Status, o.FinalPrice,
	).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return Order{}, err
	}

	// Insert urut product id; konsisten dgn urutan lock di settlement.
	sort.Slice(items, func(i, j int) bool { return items[i].productID < items[j].productID })
	for _, it := range items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_lines(order_id, product_id, qty, price)
			VALUES ($1,$2,$3,$4)`, o.ID, it.productID, it.qty, it.price); err != nil {
			return Order{}, err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_cart_lines(order_id, cart_line_id)
			VALUES ($1,$2)`, o.ID, it.cartLineID); err != nil {
			return Order{}, err
		}
		o.CartLineIDs = append(o.CartLineIDs, it.cartLineID)
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (r *Repo) FindByNumber(ctx context.Context, orderNumber string) (Order, error) {
	var o Order
	var paymentType, paymentKey *string
	err := r.DB.QueryRow(ctx, `
		SELECT id, order_number, user_id, order_name, order_type, status,
		       payment_type, payment_key, final_price, approved_at, created_at
		FROM orders WHERE order_number=$1`, orderNumber).Scan(
		&o.ID, &o.OrderNumber, &o.UserID, &o.OrderName, &o.Type, &o.Status,
		&paymentType, &paymentKey, &o.FinalPrice, &o.ApprovedAt, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("order %s: %w", orderNumber, apperr.ErrNotFound)
	} else if err != nil {
		return Order{}, err
	}
	if paymentType != nil {
		o.PaymentType = PaymentType(*paymentType)
	}
	if paymentKey != nil {
		o.PaymentKey = *paymentKey
	}

	if o.Type == TypeCart {
		rows, err := r.DB.Query(ctx,
			`SELECT cart_line_id FROM order_cart_lines WHERE order_id=$1 ORDER BY cart_line_id`, o.ID)
		if err != nil {
			return Order{}, err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return Order{}, err
			}
			o.CartLineIDs = append(o.CartLineIDs, id)
		}
		if err := rows.Err(); err != nil {
			return Order{}, err
		}
	}
	return o, nil
}

// ApplyPaymentSuccess: critical section settlement. Row lock order ->
// re-check status di bawah lock -> tulis metadata pembayaran -> decrement
// stok kondisional satu batch. Gagal stok = rollback total + ErrStockExhausted.
func (r *Repo) ApplyPaymentSuccess(ctx context.Context, in ApplyPayment) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var orderID int64
	var status Status
	var paymentKey *string
	err = tx.QueryRow(ctx, `
		SELECT id, status, payment_key FROM orders
		WHERE order_number=$1 FOR UPDATE`, in.OrderNumber).Scan(&orderID, &status, &paymentKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("order %s: %w", in.OrderNumber, apperr.ErrNotFound)
	} else if err != nil {
		return err
	}

	// Idempotent replay: request pertama sudah menang race ini.
	if status == StatusPaid && paymentKey != nil && *paymentKey == in.PaymentKey {
		return nil
	}
	if status != StatusReady {
		return fmt.Errorf("order %s status=%s: %w", in.OrderNumber, status, apperr.ErrConflict)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, payment_type=$3, payment_key=$4, approved_at=$5
		WHERE id=$1`,
		orderID, StatusPaid, PaymentTypeFromMethod(in.Method), in.PaymentKey, in.ApprovedAt); err != nil {
		return err
	}

	qty, err := r.qtyByProduct(ctx, tx, orderID)
	if err != nil {
		return err
	}
	updated, err := inventory.AdjustStock(ctx, tx, qty, inventory.Decrease)
	if err != nil {
		return err
	}
	if updated != int64(len(qty)) {
		// Sebagian row tidak lolos predikat stock >= qty -> batal semua.
		return fmt.Errorf("order %s: %d/%d rows: %w",
			in.OrderNumber, updated, len(qty), apperr.ErrStockExhausted)
	}

	return tx.Commit(ctx)
}

// DirectCancel: READY tanpa paymentKey, tidak pernah ada charge.
// Langsung CANCELED, tanpa call gateway, tanpa restore stok.
func (r *Repo) DirectCancel(ctx context.Context, orderNumber string) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status Status
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE order_number=$1 FOR UPDATE`,
		orderNumber).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("order %s: %w", orderNumber, apperr.ErrNotFound)
	} else if err != nil {
		return err
	}
	if status != StatusReady {
		return fmt.Errorf("order %s status=%s: %w", orderNumber, status, apperr.ErrConflict)
	}

	if _, err := tx.Exec(ctx, `UPDATE orders SET status=$2 WHERE order_number=$1`,
		orderNumber, StatusCanceled); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// BeginCancel: lock order + transisi ke CANCEL_REQUESTED sebelum call
// gateway. Blokir cancel ganda / konfirmasi paralel pada order yang sama.
func (r *Repo) BeginCancel(ctx context.Context, orderNumber string) (string, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status Status
	var paymentKey *string
	err = tx.QueryRow(ctx, `SELECT status, payment_key FROM orders WHERE order_number=$1 FOR UPDATE`,
		orderNumber).Scan(&status, &paymentKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("order %s: %w", orderNumber, apperr.ErrNotFound)
	} else if err != nil {
		return "", err
	}
	if status != StatusPaid || paymentKey == nil || *paymentKey == "" {
		return "", fmt.Errorf("order %s status=%s: %w", orderNumber, status, apperr.ErrConflict)
	}

	if _, err := tx.Exec(ctx, `UPDATE orders SET status=$2 WHERE order_number=$1`,
		orderNumber, StatusCancelRequested); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return *paymentKey, nil
}

// ApplyCancelSuccess: CANCEL_REQUESTED -> CANCELED (+restore stok dlm
// transaksi yang sama).
func (r *Repo) ApplyCancelSuccess(ctx context.Context, orderNumber string, restoreStock bool) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var orderID int64
	var status Status
	err = tx.QueryRow(ctx, `SELECT id, status FROM orders WHERE order_number=$1 FOR UPDATE`,
		orderNumber).Scan(&orderID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("order %s: %w", orderNumber, apperr.ErrNotFound)
	} else if err != nil {
		return err
	}
	if status != StatusCancelRequested {
		return fmt.Errorf("order %s status=%s: %w", orderNumber, status, apperr.ErrConflict)
	}

	if _, err := tx.Exec(ctx, `UPDATE orders SET status=$2 WHERE order_number=$1`,
		orderNumber, StatusCanceled); err != nil {
		return err
	}
	if restoreStock {
		qty, err := r.qtyByProduct(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if _, err := inventory.AdjustStock(ctx, tx, qty, inventory.Increase); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// RevertCancelRequest: gateway cancel gagal -> balikin ke PAID.
func (r *Repo) RevertCancelRequest(ctx context.Context, orderNumber string) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$2 WHERE order_number=$1 AND status=$3`,
		orderNumber, StatusPaid, StatusCancelRequested)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", orderNumber, apperr.ErrConflict)
	}
	return nil
}

// SavePaymentKeyAndStatus: transaksi pendek independen (breadcrumb
// kompensasi). Ditulis SEBELUM reversal call; crash di antaranya tetap
// recoverable lewat status REFUND_FAILED + payment_key yang tersimpan.
func (r *Repo) SavePaymentKeyAndStatus(ctx context.Context, orderNumber, paymentKey string, status Status) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET payment_key=$2, status=$3 WHERE order_number=$1`,
		orderNumber, paymentKey, status)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", orderNumber, apperr.ErrNotFound)
	}
	return nil
}

// DeleteByNumber: hanya utk order yang gagal konfirmasi gateway sebelum
// mutasi state apa pun (belum pernah committed secara finansial).
// Guard READY di bawah lock: loser dari konfirmasi ganda tidak boleh
// menghapus order yang keburu di-settle pemenangnya.
func (r *Repo) DeleteByNumber(ctx context.Context, orderNumber string) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var orderID int64
	var status Status
	err = tx.QueryRow(ctx, `SELECT id, status FROM orders WHERE order_number=$1 FOR UPDATE`,
		orderNumber).Scan(&orderID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("order %s: %w", orderNumber, apperr.ErrNotFound)
	} else if err != nil {
		return err
	}
	if status != StatusReady {
		return fmt.Errorf("order %s status=%s: %w", orderNumber, status, apperr.ErrConflict)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM order_cart_lines WHERE order_id=$1`, orderID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM order_lines WHERE order_id=$1`, orderID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM orders WHERE id=$1`, orderID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Qty per product utk satu order; SUM jaga-jaga kalau satu produk muncul
// di lebih dari satu line.
func (r *Repo) qtyByProduct(ctx context.Context, tx pgx.Tx, orderID int64) (map[int64]int, error) {
	rows, err := tx.Query(ctx, `
		SELECT product_id, SUM(qty) FROM order_lines
		WHERE order_id=$1 GROUP BY product_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64]int{}
	for rows.Next() {
		var pid int64
		var qty int
		if err := rows.Scan(&pid, &qty); err != nil {
			return nil, err
		}
		out[pid] = qty
	}
	return out, rows.Err()
}
