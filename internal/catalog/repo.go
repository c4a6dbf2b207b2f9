package catalog

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nabiroh/go-commerce-settlement/internal/orders"
)

type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) FeaturedProducts(ctx context.Context) ([]HomeProduct, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, name, price, COALESCE(main_image_url, '')
		FROM products WHERE featured ORDER BY featured_rank, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHomeProducts(rows)
}

// PopularProducts: jumlah terjual per produk dari order yang sudah settle
// dalam window, urut qty desc. Query mahal; selalu dipanggil lewat
// read-through cache + lock.
func (r *Repo) PopularProducts(ctx context.Context, since time.Time, limit int) ([]HomeProduct, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT p.id, p.name, p.price, COALESCE(p.main_image_url, '')
		FROM products p
		JOIN order_lines ol ON ol.product_id = p.id
		JOIN orders o ON o.id = ol.order_id
		WHERE o.status = $1 AND o.approved_at >= $2
		GROUP BY p.id, p.name, p.price, p.main_image_url
		ORDER BY SUM(ol.qty) DESC, p.id
		LIMIT $3`, orders.StatusPaid, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHomeProducts(rows)
}

func (r *Repo) UpdateFeatured(ctx context.Context, items []FeaturedItem) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, it := range items {
		if _, err := tx.Exec(ctx, `
			UPDATE products SET featured=$2, featured_rank=$3 WHERE id=$1`,
			it.ProductID, it.Featured, it.Rank); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func scanHomeProducts(rows pgx.Rows) ([]HomeProduct, error) {
	var out []HomeProduct
	for rows.Next() {
		var p HomeProduct
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.MainImageURL); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
