package inventory

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer dipenuhi *pgxpool.Pool maupun pgx.Tx; stock adjustment utk satu
// order harus jalan di dalam transaksi settlement pemanggil.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Direction bool

const (
	Decrease Direction = false
	Increase Direction = true
)

// AdjustStock: satu UPDATE multi-row utk seluruh batch.
//
//	UPDATE products p SET stock = p.stock - t.qty
//	FROM (VALUES (..)) t(product_id, qty)
//	WHERE p.id = t.product_id AND p.stock >= t.qty
//
// Decrease pakai predikat stock >= qty per row; caller wajib anggap
// updated != len(batch) sebagai kegagalan total (rollback tx).
// Increase tanpa predikat (restore stok saat cancel/kompensasi).
func AdjustStock(ctx context.Context, q Execer, qtyByProductID map[int64]int, dir Direction) (int64, error) {
	if len(qtyByProductID) == 0 {
		return 0, nil
	}
	sql, args, err := buildStockSQL(qtyByProductID, dir)
	if err != nil {
		return 0, err
	}
	ct, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("adjust stock: %w", err)
	}
	return ct.RowsAffected(), nil
}

// Product id diurutkan ascending sebelum masuk ke VALUES supaya urutan
// row lock konsisten antar order yang share produk (hindari deadlock).
func buildStockSQL(qtyByProductID map[int64]int, dir Direction) (string, []any, error) {
	ids := make([]int64, 0, len(qtyByProductID))
	for id, qty := range qtyByProductID {
		if qty <= 0 {
			return "", nil, fmt.Errorf("invalid qty: product_id=%d qty=%d", id, qty)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	values := ""
	args := make([]any, 0, len(ids)*2)
	for i, id := range ids {
		if i == 0 {
			values += fmt.Sprintf("($%d::bigint, $%d::int)", i*2+1, i*2+2)
		} else {
			values += fmt.Sprintf(", ($%d, $%d)", i*2+1, i*2+2)
		}
		args = append(args, id, qtyByProductID[id])
	}

	var sql string
	if dir == Increase {
		sql = `UPDATE products p SET stock = p.stock + t.qty
			FROM (VALUES ` + values + `) AS t(product_id, qty)
			WHERE p.id = t.product_id`
	} else {
		sql = `UPDATE products p SET stock = p.stock - t.qty
			FROM (VALUES ` + values + `) AS t(product_id, qty)
			WHERE p.id = t.product_id AND p.stock >= t.qty`
	}
	return sql, args, nil
}
