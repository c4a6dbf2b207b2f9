package cart

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

// DeleteLines: hapus cart line yang sudah jadi order (cleanup pasca
// settlement). Guard user_id supaya tidak bisa hapus cart orang lain.
func (r *Repo) DeleteLines(ctx context.Context, lineIDs []int64, userID int64) error {
	if len(lineIDs) == 0 {
		return nil
	}
	_, err := r.DB.Exec(ctx,
		`DELETE FROM cart_lines WHERE id = ANY($1) AND user_id = $2`, lineIDs, userID)
	return err
}
