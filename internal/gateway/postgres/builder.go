package postgres

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ButyrinIA/blogclient/internal/gateway"
	"github.com/jackc/pgx/v5"
)

// builder собирает SQL, в котором каждая строка результата - jsonb в форме PostgREST.
// Встроенные ресурсы превращаются в коррелированные подзапросы.
type builder struct {
	args  []any
	alias int
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func (b *builder) nextAlias() string {
	b.alias++
	return "t" + strconv.Itoa(b.alias)
}

func (b *builder) selectSQL(q gateway.Query) string {
	const alias = "t0"
	sql := fmt.Sprintf("SELECT %s FROM %s AS %s%s%s",
		b.rowJSON(alias, q.Columns, q.Embeds), ident(string(q.Table)), alias, b.where(alias, q.Filters), orderBy(alias, q.Order))
	if q.Range != nil {
		sql += fmt.Sprintf(" OFFSET %d LIMIT %d", q.Range.From, q.Range.To-q.Range.From+1)
	}
	return sql
}

func (b *builder) countSQL(q gateway.Query) string {
	return fmt.Sprintf("SELECT count(*) FROM %s AS t0%s", ident(string(q.Table)), b.where("t0", q.Filters))
}

func (b *builder) rowJSON(alias string, columns []string, embeds []gateway.Embed) string {
	var expr string
	if len(columns) == 0 || (len(columns) == 1 && columns[0] == "*") {
		expr = "to_jsonb(" + ident(alias) + ")"
	} else {
		pairs := make([]string, 0, len(columns))
		for _, c := range columns {
			pairs = append(pairs, literal(c)+", "+column(alias, c))
		}
		expr = "jsonb_build_object(" + join(pairs) + ")"
	}
	for _, e := range embeds {
		expr += " || jsonb_build_object(" + literal(e.Alias) + ", " + b.embedJSON(alias, e) + ")"
	}
	return expr
}

func (b *builder) embedJSON(parent string, e gateway.Embed) string {
	child := b.nextAlias()
	table := ident(string(e.Table))

	if e.ToOne {
		return fmt.Sprintf("(SELECT %s FROM %s AS %s WHERE %s = %s)",
			b.rowJSON(child, e.Columns, e.Embeds), table, child, column(child, "id"), column(parent, e.ForeignKey))
	}

	link := fmt.Sprintf("%s = %s", column(child, e.ForeignKey), column(parent, "id"))
	if e.CountOnly {
		return fmt.Sprintf("jsonb_build_array(jsonb_build_object('count', (SELECT count(*) FROM %s AS %s WHERE %s)))",
			table, child, link)
	}
	return fmt.Sprintf("COALESCE((SELECT jsonb_agg(%s%s) FROM %s AS %s WHERE %s), '[]'::jsonb)",
		b.rowJSON(child, e.Columns, e.Embeds), orderBy(child, e.Order), table, child, link)
}

func (b *builder) where(alias string, filters []gateway.Filter) string {
	if len(filters) == 0 {
		return ""
	}
	conds := make([]string, 0, len(filters))
	for _, f := range filters {
		switch f.Op {
		case gateway.OpIn:
			conds = append(conds, column(alias, f.Column)+" = ANY("+b.arg(f.Value)+")")
		default:
			if f.Value == nil {
				conds = append(conds, column(alias, f.Column)+" IS NULL")
				continue
			}
			conds = append(conds, column(alias, f.Column)+" = "+b.arg(f.Value))
		}
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func orderBy(alias string, order []gateway.Order) string {
	if len(order) == 0 {
		return ""
	}
	parts := make([]string, 0, len(order))
	for _, o := range order {
		dir := "DESC"
		if o.Ascending {
			dir = "ASC"
		}
		parts = append(parts, column(alias, o.Column)+" "+dir)
	}
	return " ORDER BY " + join(parts)
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func column(alias, name string) string {
	return pgx.Identifier{alias, name}.Sanitize()
}

func literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func join(parts []string) string {
	return strings.Join(parts, ", ")
}
