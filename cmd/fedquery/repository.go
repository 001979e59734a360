package main

import (
	"context"
	"fmt"

	"github.com/openmedex/fedquery/pkg/feasibility"
	"github.com/openmedex/fedquery/pkg/linkage"
)

// demoRepository serves synthetic patient data for the demo federation.
// Patient records are deterministic per site so repeated runs produce
// the same counts and the same cross-site overlaps.
type demoRepository struct {
	site     string
	count    int
	patients int
}

func newDemoRepository(site string, count, patients int) *demoRepository {
	return &demoRepository{site: site, count: count, patients: patients}
}

func (r *demoRepository) Count(ctx context.Context, query string) (int, error) {
	return r.count, nil
}

func (r *demoRepository) Search(ctx context.Context, query string) (*feasibility.ResultSet, error) {
	rows := make([][]string, 0, r.patients)
	for i := 0; i < r.patients; i++ {
		// The first two patients of every site share identity data, so
		// the linkage path has cross-site duplicates to find.
		site := r.site
		if i < 2 {
			site = "shared"
		}
		rows = append(rows, []string{
			fmt.Sprintf("Jane%s%d", site, i),
			fmt.Sprintf("Doe%s%d", site, i),
			fmt.Sprintf("19%02d-04-0%d", 50+i%40, 1+i%9),
			"female",
			fmt.Sprintf("%d Example Street", 100+i),
			"10115",
			"Berlin",
			"DE",
			fmt.Sprintf("INS-%s-%04d", site, i),
		})
	}
	return &feasibility.ResultSet{Columns: linkage.IdatColumns, Rows: rows}, nil
}
