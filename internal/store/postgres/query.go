package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

// window appends the time filter, newest-first order and pagination of opts
// to a query whose WHERE clause is already open. col is the timestamp column.
func window(query string, args []any, col string, opts domain.ListOpts) (string, []any) {
	var b strings.Builder
	b.WriteString(query)
	if opts.Since != nil {
		args = append(args, *opts.Since)
		fmt.Fprintf(&b, " AND %s >= $%d", col, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		fmt.Fprintf(&b, " AND %s < $%d", col, len(args))
	}
	fmt.Fprintf(&b, " ORDER BY %s DESC", col)
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}
